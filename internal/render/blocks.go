package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"epsam-assistant/internal/domain"
)

// Action ids dispatched by the feedback lifecycle manager.
const (
	ActionFeedbackYes = "feedback_yes"
	ActionFeedbackNo  = "feedback_no"
	ActionCitePrefix  = "cite_"
)

// Block ids used to locate blocks when editing a previously sent message.
const (
	BlockIDCitationActions = "citation_actions"
	BlockIDCitationDetail  = "citation_detail"
	BlockIDFeedback        = "feedback_block"
)

// buttonValueMaxLen is the platform's ceiling for a button's value field.
const buttonValueMaxLen = 2000

const maxButtonLabelLen = 60

// BuildAnswerBlocks renders the full block list for an answer: the body
// section, one citation button per surviving citation, and the feedback
// block.
func BuildAnswerBlocks(responseText string, citations []domain.Citation, fb domain.FeedbackPayload) []slack.Block {
	kept := FilterCitations(citations)

	body := NormalizeMarkers(responseText, kept)
	body = SanitizeBody(body)
	body = RewriteBareLinks(body)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
			nil, nil),
	}

	if len(kept) > 0 {
		buttons := make([]slack.BlockElement, 0, len(kept))
		for i, c := range kept {
			label := truncateRunes(fmt.Sprintf("%d. %s", i+1, titleOrDefault(c)), maxButtonLabelLen)
			buttons = append(buttons, slack.NewButtonBlockElement(
				ActionCitePrefix+c.SourceNumber,
				encodeCitationPayload(c, fb),
				slack.NewTextBlockObject(slack.PlainTextType, label, true, false)))
		}
		blocks = append(blocks, slack.NewActionBlock(BlockIDCitationActions, buttons...))
	}

	blocks = append(blocks, FeedbackBlock(fb))
	return blocks
}

// FeedbackBlock builds the yes/no feedback button block.
func FeedbackBlock(fb domain.FeedbackPayload) *slack.ActionBlock {
	value := encodeFeedbackPayload(fb)
	yes := slack.NewButtonBlockElement(ActionFeedbackYes, value,
		slack.NewTextBlockObject(slack.PlainTextType, "👍 Yes", true, false))
	no := slack.NewButtonBlockElement(ActionFeedbackNo, value,
		slack.NewTextBlockObject(slack.PlainTextType, "👎 No", true, false))
	return slack.NewActionBlock(BlockIDFeedback, yes, no)
}

// CitationDetailBlock renders the expanded view for one citation: title plus
// blockquoted excerpt, with the source link when one exists.
func CitationDetailBlock(p domain.CitationPayload) *slack.SectionBlock {
	title := p.Title
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	body := p.Body
	if strings.TrimSpace(body) == "" {
		body = defaultExcerpt
	}
	text := fmt.Sprintf("*%s*\n> %s", title, strings.ReplaceAll(body, "\n", "\n> "))
	if p.Link != "" {
		text += "\n<" + p.Link + ">"
	}
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		nil, nil,
		slack.SectionBlockOptionBlockID(BlockIDCitationDetail))
}

// ToggleCitation applies one citation button press to a message's block list
// and returns the rewritten list. At most one detail block is ever present:
// pressing an open citation closes it, pressing a closed one closes any other
// open citation and opens the pressed one directly below the button row.
// Edits replace the whole list server-side; concurrent presses are
// last-write-wins.
func ToggleCitation(blocks []slack.Block, pressedActionID string, payload domain.CitationPayload) []slack.Block {
	out := make([]slack.Block, 0, len(blocks)+1)
	var actions *slack.ActionBlock
	for _, b := range blocks {
		if sec, ok := b.(*slack.SectionBlock); ok && sec.BlockID == BlockIDCitationDetail {
			continue
		}
		if ab, ok := b.(*slack.ActionBlock); ok && ab.BlockID == BlockIDCitationActions {
			actions = ab
		}
		out = append(out, b)
	}
	if actions == nil {
		return out
	}

	wasOpen := false
	for _, el := range actions.Elements.ElementSet {
		btn, ok := el.(*slack.ButtonBlockElement)
		if !ok || !strings.HasPrefix(btn.ActionID, ActionCitePrefix) {
			continue
		}
		if btn.ActionID == pressedActionID {
			wasOpen = btn.Style == slack.StylePrimary
		}
		btn.Style = slack.StyleDefault
	}
	if wasOpen {
		return out
	}

	for _, el := range actions.Elements.ElementSet {
		if btn, ok := el.(*slack.ButtonBlockElement); ok && btn.ActionID == pressedActionID {
			btn.Style = slack.StylePrimary
		}
	}

	detail := CitationDetailBlock(payload)
	inserted := make([]slack.Block, 0, len(out)+1)
	for _, b := range out {
		inserted = append(inserted, b)
		if ab, ok := b.(*slack.ActionBlock); ok && ab.BlockID == BlockIDCitationActions {
			inserted = append(inserted, detail)
		}
	}
	return inserted
}

// DecodeCitationPayload parses a citation button's value, defaulting safe
// placeholder fields rather than failing the render.
func DecodeCitationPayload(value string) domain.CitationPayload {
	var p domain.CitationPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return domain.CitationPayload{Title: defaultTitle, Body: defaultExcerpt}
	}
	return p
}

// DecodeFeedbackPayload parses a feedback button's value.
func DecodeFeedbackPayload(value string) (domain.FeedbackPayload, error) {
	var p domain.FeedbackPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return domain.FeedbackPayload{}, fmt.Errorf("render: decode feedback payload: %w", err)
	}
	return p, nil
}

func encodeCitationPayload(c domain.Citation, fb domain.FeedbackPayload) string {
	p := domain.CitationPayload{
		SourceNumber:    c.SourceNumber,
		Title:           truncateRunes(titleOrDefault(c), 150),
		Body:            excerptOrDefault(c),
		Link:            strings.TrimSpace(c.Link),
		ConversationKey: fb.ConversationKey,
		Channel:         fb.Channel,
		MessageTS:       fb.MessageTS,
		ThreadTS:        fb.ThreadTS,
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	// Trim the excerpt until the value fits the platform ceiling. Cutting on
	// runes keeps the JSON valid UTF-8.
	for len(encoded) > buttonValueMaxLen {
		runes := []rune(p.Body)
		cut := len(runes) - (len(encoded) - buttonValueMaxLen) - 1
		if cut <= 0 {
			p.Body = ""
			encoded, _ = json.Marshal(p)
			break
		}
		p.Body = strings.TrimSpace(string(runes[:cut])) + "…"
		encoded, err = json.Marshal(p)
		if err != nil {
			return "{}"
		}
	}
	return string(encoded)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func encodeFeedbackPayload(fb domain.FeedbackPayload) string {
	encoded, err := json.Marshal(fb)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
