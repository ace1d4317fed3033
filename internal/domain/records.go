package domain

// Persisted record shapes for the single conversation-state table. Every
// record carries the table's PK/SK pair; TTL is a Unix timestamp consumed by
// the store's expiry mechanism where set.

// FeedbackType classifies a stored feedback record.
type FeedbackType string

const (
	FeedbackPositive   FeedbackType = "positive"
	FeedbackNegative   FeedbackType = "negative"
	FeedbackAdditional FeedbackType = "additional"
)

// DedupRecord marks an inbound event id as seen. Its conditional insert is
// the dedup check itself.
type DedupRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Timestamp string `dynamodbav:"timestamp"`
	TTL       int64  `dynamodbav:"ttl"`
}

// ConversationSession holds the continuity token and bookkeeping for one
// conversation key. SessionID is immutable once written.
type ConversationSession struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	SessionID       string `dynamodbav:"sessionId"`
	UserID          string `dynamodbav:"userId"`
	ChannelID       string `dynamodbav:"channelId"`
	ThreadTS        string `dynamodbav:"threadTs,omitempty"`
	LatestMessageTS string `dynamodbav:"latestMessageTs,omitempty"`
	CreatedAt       string `dynamodbav:"createdAt"`
	TTL             int64  `dynamodbav:"ttl"`
}

// QAPairRecord is one question/answer exchange awaiting or having received
// feedback. At most one pending pair exists per conversation at a time.
type QAPairRecord struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	Query            string `dynamodbav:"query"`
	ResponseText     string `dynamodbav:"responseText"`
	SessionID        string `dynamodbav:"sessionId"`
	UserID           string `dynamodbav:"userId"`
	FeedbackReceived bool   `dynamodbav:"feedbackReceived"`
	TTL              int64  `dynamodbav:"ttl"`
}

// FeedbackRecord is an append-only record of one feedback signal.
type FeedbackRecord struct {
	PK           string       `dynamodbav:"PK"`
	SK           string       `dynamodbav:"SK"`
	FeedbackType FeedbackType `dynamodbav:"feedbackType"`
	UserID       string       `dynamodbav:"userId"`
	ChannelID    string       `dynamodbav:"channelId"`
	FeedbackText string       `dynamodbav:"feedbackText,omitempty"`
}

// PullRequestMapping pins a thread to a preview-environment backend so
// routing stays sticky without re-parsing the directive.
type PullRequestMapping struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	PullRequestID string `dynamodbav:"pullRequestId"`
}
