// Package feedback manages the question/answer feedback lifecycle: button
// presses, free-text feedback messages, the latest-message freshness check,
// and pruning of superseded pending QA pairs.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"epsam-assistant/internal/conversation"
	"epsam-assistant/internal/domain"
	"epsam-assistant/internal/render"
	"epsam-assistant/internal/repository"
)

// FreeTextPrefix marks a message as free-text feedback on the latest answer.
const FreeTextPrefix = "feedback:"

const (
	thanksMessage     = "Thanks for the feedback! Glad it helped. 🙌"
	elaborateMessage  = "Sorry the answer missed the mark. Reply with `feedback: <details>` and I'll pass it along."
	noteStoredMessage = "Got it, thanks for the feedback!"
	noteFailedMessage = "Sorry, I couldn't record that feedback right now. Please try again later."
)

// Store is the persistence surface the lifecycle manager needs.
type Store interface {
	GetSession(ctx context.Context, conversationKey string) (*domain.ConversationSession, error)
	PutFeedback(ctx context.Context, rec domain.FeedbackRecord) error
	MarkFeedbackReceived(ctx context.Context, conversationKey, messageTS string) error
	DeleteQAPair(ctx context.Context, conversationKey, messageTS string) error
}

// Messenger is the message send/update surface the manager needs.
type Messenger interface {
	PostThreadMessage(ctx context.Context, channel, threadTS string, options ...slack.MsgOption) (string, error)
	UpdateMessage(ctx context.Context, channel, timestamp string, options ...slack.MsgOption) error
}

// Manager processes feedback actions and enforces the QA lifecycle bound.
type Manager struct {
	store     Store
	messenger Messenger
}

// New creates a Manager.
func New(store Store, messenger Messenger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("feedback: store must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("feedback: messenger must not be nil")
	}
	return &Manager{store: store, messenger: messenger}, nil
}

// ProcessAction dispatches one interaction callback on its action ids.
// Unknown action ids are ignored.
func (m *Manager) ProcessAction(ctx context.Context, callback *slack.InteractionCallback) {
	for _, action := range callback.ActionCallback.BlockActions {
		switch {
		case action.ActionID == render.ActionFeedbackYes:
			m.handleFeedbackButton(ctx, callback, action, domain.FeedbackPositive)
		case action.ActionID == render.ActionFeedbackNo:
			m.handleFeedbackButton(ctx, callback, action, domain.FeedbackNegative)
		case strings.HasPrefix(action.ActionID, render.ActionCitePrefix):
			m.handleCitationToggle(ctx, callback, action)
		default:
			slog.Info("ignoring unknown action", "action_id", action.ActionID)
		}
	}
}

func (m *Manager) handleFeedbackButton(ctx context.Context, callback *slack.InteractionCallback, action *slack.BlockAction, fbType domain.FeedbackType) {
	payload, err := render.DecodeFeedbackPayload(action.Value)
	if err != nil {
		slog.Warn("malformed feedback payload, ignoring action", "action_id", action.ActionID, "err", err)
		return
	}

	if !m.IsLatestMessage(ctx, payload.ConversationKey, payload.MessageTS) {
		// The answer was superseded; feedback on it is discarded silently.
		slog.Info("discarding feedback on superseded message",
			"conversation_key", payload.ConversationKey, "message_ts", payload.MessageTS)
		return
	}

	rec := repository.NewFeedback(payload.ConversationKey, payload.MessageTS, fbType,
		callback.User.ID, payload.Channel, "")
	if err := m.store.PutFeedback(ctx, rec); err != nil {
		slog.Warn("failed to store feedback", "conversation_key", payload.ConversationKey, "err", err)
	}
	if err := m.store.MarkFeedbackReceived(ctx, payload.ConversationKey, payload.MessageTS); err != nil {
		slog.Warn("failed to mark QA pair as acknowledged",
			"conversation_key", payload.ConversationKey, "err", err)
	}

	reply := thanksMessage
	if fbType == domain.FeedbackNegative {
		reply = elaborateMessage
	}
	// An empty thread ts means the answer started its own conversation (a
	// slash command); the reply goes out unthreaded.
	if _, err := m.messenger.PostThreadMessage(ctx, payload.Channel, payload.ThreadTS,
		slack.MsgOptionText(reply, false)); err != nil {
		slog.Warn("failed to post feedback reply", "channel", payload.Channel, "err", err)
	}
}

func (m *Manager) handleCitationToggle(ctx context.Context, callback *slack.InteractionCallback, action *slack.BlockAction) {
	payload := render.DecodeCitationPayload(action.Value)

	channel := callback.Container.ChannelID
	if channel == "" {
		channel = callback.Channel.ID
	}
	messageTS := callback.Container.MessageTs
	if messageTS == "" {
		messageTS = callback.Message.Timestamp
	}

	blocks := render.ToggleCitation(callback.Message.Blocks.BlockSet, action.ActionID, payload)
	if err := m.messenger.UpdateMessage(ctx, channel, messageTS,
		slack.MsgOptionBlocks(blocks...)); err != nil {
		slog.Warn("failed to update message for citation toggle",
			"channel", channel, "message_ts", messageTS, "err", err)
	}
}

// ProcessFeedbackMessage handles free-text feedback: a message in an existing
// conversation beginning with the feedback: prefix. It returns true when the
// message was consumed as feedback. Storage failure posts a user-visible
// error and is otherwise swallowed; feedback loss never blocks conversation
// flow.
func (m *Manager) ProcessFeedbackMessage(ctx context.Context, ev domain.Event, conversationKey, threadRootTS string) bool {
	// Mention prefixes come off first so "@bot feedback: ..." in a channel is
	// recognized the same as the bare form in a DM.
	text := strings.TrimSpace(conversation.StripMentions(ev.Text))
	if !strings.HasPrefix(strings.ToLower(text), FreeTextPrefix) {
		return false
	}

	sess, err := m.store.GetSession(ctx, conversationKey)
	if err != nil {
		slog.Warn("session lookup failed for free-text feedback", "conversation_key", conversationKey, "err", err)
		return false
	}
	if sess == nil {
		// Not an existing conversation; treat the text as a normal question.
		return false
	}

	note := strings.TrimSpace(text[len(FreeTextPrefix):])
	var rec domain.FeedbackRecord
	if sess.LatestMessageTS != "" {
		rec = repository.NewFeedback(conversationKey, sess.LatestMessageTS,
			domain.FeedbackAdditional, ev.User, ev.Channel, note)
	} else {
		rec = repository.NewFeedbackNote(conversationKey, ev.TS, ev.TS, ev.User, ev.Channel, note)
	}

	reply := noteStoredMessage
	if err := m.store.PutFeedback(ctx, rec); err != nil {
		slog.Warn("failed to store free-text feedback", "conversation_key", conversationKey, "err", err)
		reply = noteFailedMessage
	}
	if _, err := m.messenger.PostThreadMessage(ctx, ev.Channel, threadRootTS,
		slack.MsgOptionText(reply, false)); err != nil {
		slog.Warn("failed to post feedback confirmation", "channel", ev.Channel, "err", err)
	}
	return true
}

// IsLatestMessage reports whether messageTS still references the newest
// answered message in the conversation. Store failures fail open so a store
// outage never blocks user-visible flow.
func (m *Manager) IsLatestMessage(ctx context.Context, conversationKey, messageTS string) bool {
	sess, err := m.store.GetSession(ctx, conversationKey)
	if err != nil {
		slog.Warn("freshness check failed open", "conversation_key", conversationKey, "err", err)
		return true
	}
	if sess == nil || sess.LatestMessageTS == "" {
		return true
	}
	return sess.LatestMessageTS == messageTS
}

// CleanupPreviousPending bounds per-conversation storage to roughly one
// pending QA pair: when a new answer supersedes a prior one that never got
// feedback, the prior pair's record is deleted. Best-effort: all failures are
// logged, never raised.
func (m *Manager) CleanupPreviousPending(ctx context.Context, conversationKey, newMessageTS string, sess *domain.ConversationSession) {
	if sess == nil || sess.LatestMessageTS == "" || sess.LatestMessageTS == newMessageTS {
		return
	}
	if err := m.store.DeleteQAPair(ctx, conversationKey, sess.LatestMessageTS); err != nil {
		if repository.IsConditionalCheckFailed(err) {
			// Already gone: feedback arrived, or a concurrent answer cleaned it up.
			return
		}
		slog.Warn("failed to prune superseded QA pair",
			"conversation_key", conversationKey, "message_ts", sess.LatestMessageTS, "err", err)
	}
}
