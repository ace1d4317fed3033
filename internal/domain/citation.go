package domain

// Citation is one cited source excerpt attached to an answer. It is derived
// per-answer from the answer pipeline's tagged output and never persisted.
type Citation struct {
	SourceNumber   string `json:"source_number"`
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
	Link           string `json:"link,omitempty"`
	RelevanceScore string `json:"relevance_score,omitempty"`
}

// CitationPayload is the compact JSON carried in a citation button's value.
// Keys are shortened to fit the platform's per-value size ceiling.
type CitationPayload struct {
	SourceNumber    string `json:"sn"`
	Title           string `json:"t"`
	Body            string `json:"b"`
	Link            string `json:"l,omitempty"`
	ConversationKey string `json:"ck"`
	Channel         string `json:"ch"`
	MessageTS       string `json:"mt"`
	ThreadTS        string `json:"tt,omitempty"`
}

// FeedbackPayload is the compact JSON carried in a feedback button's value.
type FeedbackPayload struct {
	ConversationKey string `json:"ck"`
	Channel         string `json:"ch"`
	MessageTS       string `json:"mt"`
	ThreadTS        string `json:"tt,omitempty"`
}
