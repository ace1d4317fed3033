// Package gate decides whether an inbound event deserves processing at all:
// it filters bot-authored and non-message deliveries and performs the
// idempotency check via a conditional store insert.
package gate

import (
	"context"
	"errors"
	"log/slog"

	"epsam-assistant/internal/domain"
)

// DedupStore is the conditional-insert surface the gate needs.
type DedupStore interface {
	InsertDedup(ctx context.Context, eventID, eventTS string) (bool, error)
}

// Gate filters and deduplicates inbound events.
type Gate struct {
	store DedupStore
}

// New creates a Gate backed by the given dedup store.
func New(store DedupStore) (*Gate, error) {
	if store == nil {
		return nil, errors.New("gate: store must not be nil")
	}
	return &Gate{store: store}, nil
}

// Check returns the event id and true when the event should be processed.
// It drops events with no id, bot-authored events, and message subtypes
// (edits, deletes, bot messages). Duplicates are dropped silently; a store
// outage fails open so platform redelivery is never swallowed by an outage.
func (g *Gate) Check(ctx context.Context, ev domain.Event) (string, bool) {
	if ev.ID == "" {
		return "", false
	}
	if ev.BotID != "" {
		return "", false
	}
	if ev.SubType != "" {
		return "", false
	}

	duplicate, err := g.store.InsertDedup(ctx, ev.ID, ev.TS)
	if err != nil {
		// Fail open: at-least-once beats message loss.
		slog.Warn("dedup store unavailable, processing anyway", "event_id", ev.ID, "err", err)
		return ev.ID, true
	}
	if duplicate {
		slog.Info("dropping duplicate event", "event_id", ev.ID)
		return "", false
	}
	return ev.ID, true
}
