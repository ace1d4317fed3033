// Package usecase implements the reply policy and answer orchestration: it
// decides whether an event gets an answer, drives the external answer
// pipeline with session continuity, and hands the result to rendering and
// the QA lifecycle.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"epsam-assistant/internal/conversation"
	"epsam-assistant/internal/domain"
	"epsam-assistant/internal/integrations/answers"
	"epsam-assistant/internal/preview"
	"epsam-assistant/internal/render"
	"epsam-assistant/internal/repository"
)

const (
	helpPrompt = "Hi! Ask me a question and I'll search the knowledge base for an answer. " +
		"For example: `@assistant how do I rotate the signing keys?`"
	apologyMessage = "Sorry, I ran into a problem answering that. Please try asking again."

	ackReaction = "eyes"
)

// Messenger is the chat-platform surface the processor needs.
type Messenger interface {
	BotUserID(ctx context.Context) (string, error)
	PostThreadMessage(ctx context.Context, channel, threadTS string, options ...slack.MsgOption) (string, error)
	AddReaction(ctx context.Context, name, channel, timestamp string) error
	WasBotMentionedInThread(ctx context.Context, channel, threadTS string) bool
}

// AnswerClient is the answer pipeline surface.
type AnswerClient interface {
	Reformulate(ctx context.Context, query string) string
	Query(ctx context.Context, query, sessionID string) (answers.QueryResult, error)
}

// SessionStore is the session/QA persistence surface.
type SessionStore interface {
	GetSession(ctx context.Context, conversationKey string) (*domain.ConversationSession, error)
	PutSessionIfAbsent(ctx context.Context, sess domain.ConversationSession) error
	UpdateLatestMessage(ctx context.Context, conversationKey, messageTS string) error
	PutQAPair(ctx context.Context, rec domain.QAPairRecord) error
}

// Lifecycle is the feedback/QA lifecycle surface.
type Lifecycle interface {
	ProcessFeedbackMessage(ctx context.Context, ev domain.Event, conversationKey, threadRootTS string) bool
	CleanupPreviousPending(ctx context.Context, conversationKey, newMessageTS string, sess *domain.ConversationSession)
	ProcessAction(ctx context.Context, callback *slack.InteractionCallback)
}

// Processor runs the deferred half of event handling: everything after the
// webhook has been acknowledged.
type Processor struct {
	messenger Messenger
	answers   AnswerClient
	store     SessionStore
	lifecycle Lifecycle
}

// NewProcessor creates a Processor.
func NewProcessor(messenger Messenger, ac AnswerClient, store SessionStore, lifecycle Lifecycle) (*Processor, error) {
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if ac == nil {
		return nil, errors.New("usecase: answer client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if lifecycle == nil {
		return nil, errors.New("usecase: lifecycle must not be nil")
	}
	return &Processor{messenger: messenger, answers: ac, store: store, lifecycle: lifecycle}, nil
}

// ProcessEvent fully handles one gated event. Failures never propagate: the
// platform's async retry semantics would re-answer the question, and the
// user can simply re-ask, so every failure path ends in a log line (and at
// most one apology message).
func (p *Processor) ProcessEvent(ctx context.Context, ev domain.Event, eventID string) {
	conversationKey, threadRootTS := conversation.Resolve(ev)

	// A slash command has no message behind its synthetic timestamp, so
	// replies cannot thread under it.
	if ev.Type == "command" {
		threadRootTS = ""
	}

	// Preview instances receive the directive verbatim; strip it before any
	// text-dependent handling.
	_, ev.Text = preview.ExtractPullRequestID(ev.Text)

	if p.lifecycle.ProcessFeedbackMessage(ctx, ev, conversationKey, threadRootTS) {
		return
	}

	if !p.shouldReply(ctx, ev) {
		return
	}

	query := conversation.StripMentions(ev.Text)
	if strings.TrimSpace(query) == "" {
		// Mention with no question: short-circuit, never reach the pipeline.
		p.post(ctx, ev.Channel, threadRootTS, slack.MsgOptionText(helpPrompt, false))
		return
	}

	if ev.Type != "command" {
		if err := p.messenger.AddReaction(ctx, ackReaction, ev.Channel, ev.TS); err != nil {
			slog.Info("failed to add ack reaction", "channel", ev.Channel, "err", err)
		}
	}

	sess, err := p.store.GetSession(ctx, conversationKey)
	if err != nil {
		// Continuity is best-effort: answer without multi-turn context.
		slog.Warn("session lookup failed, answering without continuity",
			"conversation_key", conversationKey, "err", err)
		sess = nil
	}
	sessionID := ""
	if sess != nil {
		sessionID = sess.SessionID
	}

	result, answerErr := p.answer(ctx, query, sessionID)
	if answerErr != nil {
		correlationID := uuid.NewString()
		slog.Error("answer pipeline failed", "event_id", eventID,
			"correlation_id", correlationID, "err", answerErr)
		p.post(ctx, ev.Channel, threadRootTS, slack.MsgOptionText(apologyMessage, false))
		return
	}

	fb := domain.FeedbackPayload{
		ConversationKey: conversationKey,
		Channel:         ev.Channel,
		MessageTS:       ev.TS,
		ThreadTS:        threadRootTS,
	}
	blocks := render.BuildAnswerBlocks(result.Text, result.Citations, fb)
	if _, err := p.messenger.PostThreadMessage(ctx, ev.Channel, threadRootTS,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(result.Text, false)); err != nil {
		slog.Error("failed to post answer", "event_id", eventID, "channel", ev.Channel, "err", err)
		return
	}

	p.recordTurn(ctx, ev, conversationKey, threadRootTS, query, result, sess, sessionID)
}

// recordTurn persists the bookkeeping for an answered question. Every write
// is best-effort; the answer has already been delivered.
func (p *Processor) recordTurn(ctx context.Context, ev domain.Event, conversationKey, threadRootTS, query string, result answers.QueryResult, sess *domain.ConversationSession, sessionID string) {
	if sess == nil {
		// The row is created even when the pipeline returned no continuity
		// token: latest-message tracking and QA pruning hang off it.
		newSess := repository.NewSession(conversationKey, result.SessionID, ev.User, ev.Channel, threadRootTS, ev.TS)
		if err := p.store.PutSessionIfAbsent(ctx, newSess); err != nil {
			slog.Warn("failed to store session", "conversation_key", conversationKey, "err", err)
		}
		sessionID = result.SessionID
	}

	p.lifecycle.CleanupPreviousPending(ctx, conversationKey, ev.TS, sess)

	if err := p.store.UpdateLatestMessage(ctx, conversationKey, ev.TS); err != nil {
		slog.Warn("failed to advance latest message", "conversation_key", conversationKey, "err", err)
	}

	qa := repository.NewQAPair(conversationKey, ev.TS, query, result.Text, sessionID, ev.User)
	if err := p.store.PutQAPair(ctx, qa); err != nil {
		slog.Warn("failed to store QA pair", "conversation_key", conversationKey, "err", err)
	}
}

// answer runs reformulation (best-effort) and the answer query, classifying
// failures with the usecase error taxonomy for log correlation.
func (p *Processor) answer(ctx context.Context, query, sessionID string) (answers.QueryResult, error) {
	reformulated := p.answers.Reformulate(ctx, query)
	result, err := p.answers.Query(ctx, reformulated, sessionID)
	if err != nil {
		return answers.QueryResult{}, newError(classifyUpstream(err), "answer_query_failed", err)
	}
	return result, nil
}

// shouldReply applies the reply policy: DMs and commands always; channel
// messages only on a direct mention or inside a thread whose earlier
// exchange mentioned the bot.
func (p *Processor) shouldReply(ctx context.Context, ev domain.Event) bool {
	if ev.IsDM() {
		return true
	}
	if ev.IsMention() || ev.Type == "command" {
		return true
	}
	// A channel message carrying the bot's mention also arrives as a
	// separate app_mention delivery; answering both would double-post.
	if botID, err := p.messenger.BotUserID(ctx); err == nil && conversation.MentionsUser(ev.Text, botID) {
		return false
	}
	if ev.ThreadTS != "" {
		return p.messenger.WasBotMentionedInThread(ctx, ev.Channel, ev.ThreadTS)
	}
	return false
}

// ProcessAction decodes and dispatches one deferred interaction callback.
func (p *Processor) ProcessAction(ctx context.Context, body json.RawMessage) {
	var callback slack.InteractionCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		invalid := newError(ErrorInvalidInput, "malformed_action_body", err)
		slog.Error("dropping undecodable action payload", "err", invalid)
		return
	}
	p.lifecycle.ProcessAction(ctx, &callback)
}

func (p *Processor) post(ctx context.Context, channel, threadTS string, options ...slack.MsgOption) {
	if _, err := p.messenger.PostThreadMessage(ctx, channel, threadTS, options...); err != nil {
		slog.Warn("failed to post message", "channel", channel, "err", err)
	}
}
