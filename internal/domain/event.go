package domain

import "encoding/json"

// Event is the normalized chat event shape shared by the gate, resolver and
// processor. It is extracted from the platform's Events API envelope by the
// handler so downstream packages never touch raw webhook JSON.
type Event struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	SubType     string `json:"subtype,omitempty"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
}

// IsDM reports whether the event occurred in a direct-message channel.
func (e Event) IsDM() bool {
	if e.ChannelType == "im" {
		return true
	}
	return len(e.Channel) > 0 && e.Channel[0] == 'D'
}

// IsMention reports whether the event is an explicit app mention.
func (e Event) IsMention() bool {
	return e.Type == "app_mention"
}

// AsyncPayload is the internal envelope exchanged between the synchronous
// webhook invocation and the deferred processing invocation, and between a
// shared front door and a preview-environment instance.
type AsyncPayload struct {
	Event   *Event `json:"async_event,omitempty"`
	EventID string `json:"event_id,omitempty"`

	// ActionBody carries a raw interaction callback for deferred handling.
	ActionBody json.RawMessage `json:"async_action,omitempty"`

	// Preview-environment tags. A payload carrying one of these was forwarded
	// from the shared front door and must be processed locally.
	PullRequestEvent  bool `json:"pull_request_event,omitempty"`
	PullRequestAction bool `json:"pull_request_action,omitempty"`
}

// IsAsync reports whether the payload is an internal envelope rather than a
// platform webhook delivery.
func (p AsyncPayload) IsAsync() bool {
	return p.Event != nil || len(p.ActionBody) > 0
}
