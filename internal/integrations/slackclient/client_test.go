package slackclient

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"
)

type repliesPage struct {
	msgs    []slack.Message
	hasMore bool
	cursor  string
}

type fakeAPI struct {
	authCalls int
	authErr   error
	botID     string

	pages      []repliesPage
	pageIdx    int
	repliesErr error

	posted      []string
	postedTS    []string
	updated     []string
	reactions   []slack.ItemRef
	postOptions int
}

func (f *fakeAPI) AuthTestContext(_ context.Context) (*slack.AuthTestResponse, error) {
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: f.botID}, nil
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.posted = append(f.posted, channelID)
	f.postOptions = len(options)
	return channelID, "200.1", nil
}

func (f *fakeAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, _ ...slack.MsgOption) (string, string, string, error) {
	f.updated = append(f.updated, channelID+"/"+timestamp)
	return channelID, timestamp, "", nil
}

func (f *fakeAPI) AddReactionContext(_ context.Context, _ string, item slack.ItemRef) error {
	f.reactions = append(f.reactions, item)
	return nil
}

func (f *fakeAPI) GetConversationRepliesContext(_ context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if f.repliesErr != nil {
		return nil, false, "", f.repliesErr
	}
	if f.pageIdx >= len(f.pages) {
		return nil, false, "", nil
	}
	page := f.pages[f.pageIdx]
	f.pageIdx++
	_ = params
	return page.msgs, page.hasMore, page.cursor, nil
}

func message(text string) slack.Message {
	return slack.Message{Msg: slack.Msg{Text: text}}
}

func TestBotUserID_CachedAfterFirstLookup(t *testing.T) {
	api := &fakeAPI{botID: "UBOT"}
	c, err := New(api)
	require.NoError(t, err)

	id, err := c.BotUserID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "UBOT", id)

	_, _ = c.BotUserID(context.Background())
	_, _ = c.BotUserID(context.Background())
	require.Equal(t, 1, api.authCalls)
}

func TestWasBotMentionedInThread_FindsMentionAcrossPages(t *testing.T) {
	api := &fakeAPI{
		botID: "UBOT",
		pages: []repliesPage{
			{msgs: []slack.Message{message("first page, no mention")}, hasMore: true, cursor: "c1"},
			{msgs: []slack.Message{message("hey <@UBOT> can you help?")}},
		},
	}
	c, err := New(api)
	require.NoError(t, err)

	require.True(t, c.WasBotMentionedInThread(context.Background(), "C1", "100.1"))
}

func TestWasBotMentionedInThread_NoMention(t *testing.T) {
	api := &fakeAPI{
		botID: "UBOT",
		pages: []repliesPage{{msgs: []slack.Message{message("just humans talking")}}},
	}
	c, err := New(api)
	require.NoError(t, err)

	require.False(t, c.WasBotMentionedInThread(context.Background(), "C1", "100.1"))
}

func TestWasBotMentionedInThread_LookupFailureFailsOpen(t *testing.T) {
	api := &fakeAPI{botID: "UBOT", repliesErr: errors.New("rate limited")}
	c, err := New(api)
	require.NoError(t, err)

	require.True(t, c.WasBotMentionedInThread(context.Background(), "C1", "100.1"))
}

func TestWasBotMentionedInThread_IdentityFailureFailsOpen(t *testing.T) {
	api := &fakeAPI{authErr: errors.New("auth down")}
	c, err := New(api)
	require.NoError(t, err)

	require.True(t, c.WasBotMentionedInThread(context.Background(), "C1", "100.1"))
}

func TestPostThreadMessage_AppendsThreadOption(t *testing.T) {
	api := &fakeAPI{}
	c, err := New(api)
	require.NoError(t, err)

	ts, err := c.PostThreadMessage(context.Background(), "C1", "100.1", slack.MsgOptionText("hi", false))
	require.NoError(t, err)
	require.Equal(t, "200.1", ts)
	require.Equal(t, []string{"C1"}, api.posted)
	require.Equal(t, 2, api.postOptions)

	_, err = c.PostThreadMessage(context.Background(), "C1", "", slack.MsgOptionText("hi", false))
	require.NoError(t, err)
	require.Equal(t, 1, api.postOptions)
}

func TestAddReaction_TargetsMessage(t *testing.T) {
	api := &fakeAPI{}
	c, err := New(api)
	require.NoError(t, err)

	require.NoError(t, c.AddReaction(context.Background(), "eyes", "C1", "100.1"))
	require.Len(t, api.reactions, 1)
	require.Equal(t, "C1", api.reactions[0].Channel)
	require.Equal(t, "100.1", api.reactions[0].Timestamp)
}

func TestUpdateMessage(t *testing.T) {
	api := &fakeAPI{}
	c, err := New(api)
	require.NoError(t, err)

	require.NoError(t, c.UpdateMessage(context.Background(), "C1", "100.2"))
	require.Equal(t, []string{"C1/100.2"}, api.updated)
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
