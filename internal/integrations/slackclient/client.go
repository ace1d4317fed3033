// Package slackclient wraps the subset of the Slack Web API this service
// uses, behind a consumer-side interface so tests never need a live
// connection.
package slackclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"

	"epsam-assistant/internal/conversation"
)

// API abstracts the slack.Client methods used by the service.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

// Client adds bot-identity caching and the thread mention scan on top of the
// raw API.
type Client struct {
	api API

	botMu     sync.Mutex
	botUserID string
}

// New creates a Client around the given API implementation.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("slackclient: api must not be nil")
	}
	return &Client{api: api}, nil
}

// BotUserID returns this bot's own user id, resolved once per process via
// auth.test and cached afterwards.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.botMu.Lock()
	defer c.botMu.Unlock()
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", err
	}
	c.botUserID = resp.UserID
	return c.botUserID, nil
}

// WasBotMentionedInThread scans a thread's replies for a mention of the
// bot's own user id. Lookup failures fail open (reported as mentioned) so a
// platform hiccup never silently drops a legitimate follow-up.
func (c *Client) WasBotMentionedInThread(ctx context.Context, channel, threadTS string) bool {
	botID, err := c.BotUserID(ctx)
	if err != nil {
		slog.Warn("bot identity lookup failed, treating thread as mentioned", "err", err)
		return true
	}

	params := &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
	}
	for {
		msgs, hasMore, cursor, err := c.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			slog.Warn("thread replies lookup failed, treating thread as mentioned",
				"channel", channel, "thread_ts", threadTS, "err", err)
			return true
		}
		for _, m := range msgs {
			if conversation.MentionsUser(m.Text, botID) {
				return true
			}
		}
		if !hasMore {
			return false
		}
		params.Cursor = cursor
	}
}

// PostThreadMessage posts a message into a thread (or starts one) and
// returns the posted message's timestamp.
func (c *Client) PostThreadMessage(ctx context.Context, channel, threadTS string, options ...slack.MsgOption) (string, error) {
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, options...)
	return ts, err
}

// UpdateMessage replaces an existing message's content.
func (c *Client) UpdateMessage(ctx context.Context, channel, timestamp string, options ...slack.MsgOption) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, timestamp, options...)
	return err
}

// AddReaction adds a reaction emoji to a message; used as a best-effort
// received-acknowledgment indicator.
func (c *Client) AddReaction(ctx context.Context, name, channel, timestamp string) error {
	return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, timestamp))
}
