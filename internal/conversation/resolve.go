// Package conversation derives stable conversation identity from raw event
// shape. Everything here is a pure function: the same event always yields the
// same key, and DM keys can never collide with thread keys.
package conversation

import (
	"regexp"
	"strings"

	"epsam-assistant/internal/domain"
)

const (
	dmKeyPrefix     = "dm#"
	threadKeyPrefix = "thread#"
)

// mentionPattern matches <@U123ABC> and <@U123ABC|alias> user mentions.
var mentionPattern = regexp.MustCompile(`<@[UW][A-Z0-9]+(\|[^>]*)?>`)

// Resolve derives the conversation key and thread-root timestamp for an
// event. Direct messages key on the DM channel; channel messages key on the
// thread root, which is the event's thread_ts when present and its own
// timestamp otherwise.
func Resolve(ev domain.Event) (conversationKey, threadRootTS string) {
	if ev.IsDM() {
		return dmKeyPrefix + ev.Channel, ev.TS
	}
	root := ev.ThreadTS
	if root == "" {
		root = ev.TS
	}
	return ThreadKey(ev.Channel, root), root
}

// ThreadKey renders the conversation key for a channel thread.
func ThreadKey(channel, threadRootTS string) string {
	return threadKeyPrefix + channel + "#" + threadRootTS
}

// StripMentions removes user-mention tokens from message text and collapses
// the whitespace they leave behind.
func StripMentions(text string) string {
	cleaned := mentionPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

// MentionsUser reports whether text contains a mention of the given user id.
func MentionsUser(text, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(text, "<@"+userID+">") ||
		strings.Contains(text, "<@"+userID+"|")
}
