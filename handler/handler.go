// Package handler is the Lambda front door. One function serves three
// payload shapes: platform webhooks (which must be acknowledged within the
// platform's deadline), internal async envelopes (deferred processing), and
// preview-tagged envelopes forwarded from a shared front door.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"epsam-assistant/internal/conversation"
	"epsam-assistant/internal/domain"
)

// Gater filters and deduplicates inbound events.
type Gater interface {
	Check(ctx context.Context, ev domain.Event) (string, bool)
}

// Dispatcher enqueues deferred processing.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev domain.Event, eventID string) error
	DispatchAction(ctx context.Context, body json.RawMessage) error
}

// Router forwards preview-directed payloads to their preview backend.
type Router interface {
	RouteEvent(ctx context.Context, ev domain.Event, eventID, conversationKey string) (bool, error)
	RouteAction(ctx context.Context, body json.RawMessage, conversationKey string) (bool, error)
}

// Processor runs the deferred half of event handling.
type Processor interface {
	ProcessEvent(ctx context.Context, ev domain.Event, eventID string)
	ProcessAction(ctx context.Context, body json.RawMessage)
}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Handler routes Lambda invocations.
type Handler struct {
	gate       Gater
	dispatcher Dispatcher
	router     Router
	processor  Processor
}

// NewHandler creates a Handler.
func NewHandler(g Gater, d Dispatcher, r Router, p Processor) (*Handler, error) {
	if g == nil {
		return nil, errors.New("handler: gate must not be nil")
	}
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if r == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if p == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	return &Handler{gate: g, dispatcher: d, router: r, processor: p}, nil
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	// Internal envelopes (async dispatch and preview forwards) are processed
	// in full; webhook deliveries are acknowledged and deferred.
	var payload domain.AsyncPayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.IsAsync() {
		h.handleAsync(ctx, payload)
		return ok("processed"), nil
	}

	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Body == "" {
		slog.Warn("dropping unrecognized invocation payload")
		return ok("ignored"), nil
	}
	return h.handleWebhook(ctx, req)
}

func (h *Handler) handleAsync(ctx context.Context, payload domain.AsyncPayload) {
	switch {
	case payload.Event != nil:
		h.processor.ProcessEvent(ctx, *payload.Event, payload.EventID)
	case len(payload.ActionBody) > 0:
		h.processor.ProcessAction(ctx, payload.ActionBody)
	}
}

func (h *Handler) handleWebhook(ctx context.Context, req events.APIGatewayProxyRequest) (Response, error) {
	body := req.Body

	if strings.HasPrefix(body, "payload=") {
		return h.handleInteraction(ctx, body)
	}
	if strings.Contains(body, "command=") && !strings.HasPrefix(strings.TrimSpace(body), "{") {
		return h.handleSlashCommand(ctx, body)
	}
	return h.handleEventsAPI(ctx, body)
}

// handleEventsAPI acknowledges an Events API delivery after gating it and
// handing it to either the preview router or the async dispatcher.
func (h *Handler) handleEventsAPI(ctx context.Context, body string) (Response, error) {
	parsed, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		slog.Warn("failed to parse events payload", "err", err)
		return ok("ignored"), nil
	}

	if parsed.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal([]byte(body), &challenge); err != nil {
			return ok("ignored"), nil
		}
		return Response{
			StatusCode: 200,
			Headers:    map[string]string{"content-type": "text/plain"},
			Body:       challenge.Challenge,
		}, nil
	}
	if parsed.Type != slackevents.CallbackEvent {
		return ok("ignored"), nil
	}

	callback, okCast := parsed.Data.(*slackevents.EventsAPICallbackEvent)
	if !okCast {
		return ok("ignored"), nil
	}
	ev, okEvent := normalizeEvent(callback.EventID, parsed.InnerEvent)
	if !okEvent {
		return ok("ignored"), nil
	}

	eventID, proceed := h.gate.Check(ctx, ev)
	if !proceed {
		return ok("ignored"), nil
	}

	conversationKey, _ := conversation.Resolve(ev)
	routed, err := h.router.RouteEvent(ctx, ev, eventID, conversationKey)
	if err != nil {
		// Fail closed: silently processing in the wrong environment is worse
		// than a visible failure.
		slog.Error("preview routing failed", "event_id", eventID, "err", err)
		return serverError(), nil
	}
	if routed {
		return ok("routed"), nil
	}

	if err := h.dispatcher.DispatchEvent(ctx, ev, eventID); err != nil {
		slog.Error("async dispatch failed", "event_id", eventID, "err", err)
		return serverError(), nil
	}
	return ok("accepted"), nil
}

// handleInteraction defers a block-action callback; the freshness and toggle
// logic run in the deferred invocation.
func (h *Handler) handleInteraction(ctx context.Context, body string) (Response, error) {
	encoded := strings.TrimPrefix(body, "payload=")
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		slog.Warn("failed to decode interaction payload", "err", err)
		return ok("ignored"), nil
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(decoded), &callback); err != nil {
		slog.Warn("failed to parse interaction payload", "err", err)
		return ok("ignored"), nil
	}

	conversationKey := conversationKeyForCallback(&callback)
	routed, err := h.router.RouteAction(ctx, json.RawMessage(decoded), conversationKey)
	if err != nil {
		slog.Error("preview routing failed for action", "conversation_key", conversationKey, "err", err)
		return serverError(), nil
	}
	if routed {
		return ok("routed"), nil
	}

	if err := h.dispatcher.DispatchAction(ctx, json.RawMessage(decoded)); err != nil {
		slog.Error("async dispatch failed for action", "err", err)
		return serverError(), nil
	}
	return ok("accepted"), nil
}

// handleSlashCommand turns a slash command into a synthetic mention event so
// commands share the reply pipeline.
func (h *Handler) handleSlashCommand(ctx context.Context, body string) (Response, error) {
	vals, err := url.ParseQuery(body)
	if err != nil {
		slog.Warn("failed to parse slash command payload", "err", err)
		return ok("ignored"), nil
	}

	ev := domain.Event{
		ID:      "cmd#" + vals.Get("trigger_id"),
		Type:    "command",
		User:    vals.Get("user_id"),
		Text:    vals.Get("text"),
		Channel: vals.Get("channel_id"),
		TS:      syntheticTS(),
	}
	if ev.ID == "cmd#" || ev.Channel == "" {
		return ok("ignored"), nil
	}

	eventID, proceed := h.gate.Check(ctx, ev)
	if !proceed {
		return ok("ignored"), nil
	}

	conversationKey, _ := conversation.Resolve(ev)
	routed, err := h.router.RouteEvent(ctx, ev, eventID, conversationKey)
	if err != nil {
		slog.Error("preview routing failed for command", "event_id", eventID, "err", err)
		return serverError(), nil
	}
	if routed {
		return ok("routed"), nil
	}

	if err := h.dispatcher.DispatchEvent(ctx, ev, eventID); err != nil {
		slog.Error("async dispatch failed for command", "event_id", eventID, "err", err)
		return serverError(), nil
	}
	// An empty body acks the command without a visible placeholder reply.
	return ok(""), nil
}

// normalizeEvent maps the supported inner event types onto the domain shape.
func normalizeEvent(eventID string, inner slackevents.EventsAPIInnerEvent) (domain.Event, bool) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		return domain.Event{
			ID:       eventID,
			Type:     "app_mention",
			User:     ev.User,
			BotID:    ev.BotID,
			Text:     ev.Text,
			Channel:  ev.Channel,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
		}, true
	case *slackevents.MessageEvent:
		return domain.Event{
			ID:          eventID,
			Type:        "message",
			User:        ev.User,
			BotID:       ev.BotID,
			SubType:     ev.SubType,
			Text:        ev.Text,
			Channel:     ev.Channel,
			ChannelType: ev.ChannelType,
			TS:          ev.TimeStamp,
			ThreadTS:    ev.ThreadTimeStamp,
		}, true
	default:
		return domain.Event{}, false
	}
}

// conversationKeyForCallback derives the conversation key for an interaction
// from its container message, mirroring the resolver's event-shape rules.
func conversationKeyForCallback(callback *slack.InteractionCallback) string {
	channel := callback.Container.ChannelID
	if channel == "" {
		channel = callback.Channel.ID
	}
	root := callback.Message.ThreadTimestamp
	if root == "" {
		root = callback.Message.Timestamp
	}
	ev := domain.Event{Channel: channel, TS: root, ThreadTS: root}
	key, _ := conversation.Resolve(ev)
	return key
}

func syntheticTS() string {
	now := time.Now()
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
}

func ok(body string) Response {
	return Response{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       body,
	}
}

func serverError() Response {
	return Response{
		StatusCode: 500,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       "internal error",
	}
}
