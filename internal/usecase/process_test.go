package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"epsam-assistant/internal/domain"
	"epsam-assistant/internal/integrations/answers"
)

type post struct {
	channel  string
	threadTS string
}

type fakeMessenger struct {
	botID     string
	botErr    error
	mentioned bool

	posts     []post
	postErr   error
	reactions []string
}

func (f *fakeMessenger) BotUserID(_ context.Context) (string, error) {
	return f.botID, f.botErr
}

func (f *fakeMessenger) PostThreadMessage(_ context.Context, channel, threadTS string, _ ...slack.MsgOption) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, post{channel: channel, threadTS: threadTS})
	return "200.1", nil
}

func (f *fakeMessenger) AddReaction(_ context.Context, name, _, _ string) error {
	f.reactions = append(f.reactions, name)
	return nil
}

func (f *fakeMessenger) WasBotMentionedInThread(_ context.Context, _, _ string) bool {
	return f.mentioned
}

type fakeAnswers struct {
	reformulated string
	result       answers.QueryResult
	queryErr     error

	lastQuery     string
	lastSessionID string
	queryCalls    int
}

func (f *fakeAnswers) Reformulate(_ context.Context, query string) string {
	if f.reformulated != "" {
		return f.reformulated
	}
	return query
}

func (f *fakeAnswers) Query(_ context.Context, query, sessionID string) (answers.QueryResult, error) {
	f.queryCalls++
	f.lastQuery = query
	f.lastSessionID = sessionID
	if f.queryErr != nil {
		return answers.QueryResult{}, f.queryErr
	}
	return f.result, nil
}

type fakeSessionStore struct {
	sess    *domain.ConversationSession
	sessErr error

	putSessions   []domain.ConversationSession
	updatedLatest []string
	qaPairs       []domain.QAPairRecord
}

func (f *fakeSessionStore) GetSession(_ context.Context, _ string) (*domain.ConversationSession, error) {
	return f.sess, f.sessErr
}

func (f *fakeSessionStore) PutSessionIfAbsent(_ context.Context, sess domain.ConversationSession) error {
	f.putSessions = append(f.putSessions, sess)
	return nil
}

func (f *fakeSessionStore) UpdateLatestMessage(_ context.Context, _, messageTS string) error {
	f.updatedLatest = append(f.updatedLatest, messageTS)
	return nil
}

func (f *fakeSessionStore) PutQAPair(_ context.Context, rec domain.QAPairRecord) error {
	f.qaPairs = append(f.qaPairs, rec)
	return nil
}

type fakeLifecycle struct {
	consumeFeedback bool
	feedbackCalls   int
	cleanupCalls    int
	cleanupSessions []*domain.ConversationSession
	actions         []*slack.InteractionCallback
}

func (f *fakeLifecycle) ProcessFeedbackMessage(_ context.Context, _ domain.Event, _, _ string) bool {
	f.feedbackCalls++
	return f.consumeFeedback
}

func (f *fakeLifecycle) CleanupPreviousPending(_ context.Context, _, _ string, sess *domain.ConversationSession) {
	f.cleanupCalls++
	f.cleanupSessions = append(f.cleanupSessions, sess)
}

func (f *fakeLifecycle) ProcessAction(_ context.Context, callback *slack.InteractionCallback) {
	f.actions = append(f.actions, callback)
}

type fixture struct {
	messenger *fakeMessenger
	answers   *fakeAnswers
	store     *fakeSessionStore
	lifecycle *fakeLifecycle
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		messenger: &fakeMessenger{botID: "UBOT"},
		answers:   &fakeAnswers{result: answers.QueryResult{Text: "the answer", SessionID: "s1"}},
		store:     &fakeSessionStore{},
		lifecycle: &fakeLifecycle{},
	}
	p, err := NewProcessor(f.messenger, f.answers, f.store, f.lifecycle)
	require.NoError(t, err)
	f.processor = p
	return f
}

func mention(text string) domain.Event {
	return domain.Event{
		ID: "Ev1", Type: "app_mention", User: "U42",
		Text: text, Channel: "C1", TS: "100.1",
	}
}

func TestProcessEvent_EmptyQuestionGetsHelpPrompt(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT>"), "Ev1")

	require.Len(t, f.messenger.posts, 1)
	require.Zero(t, f.answers.queryCalls)
	require.Empty(t, f.messenger.reactions)
	require.Empty(t, f.store.qaPairs)
}

func TestProcessEvent_MentionAnsweredAndRecorded(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> how do I deploy?"), "Ev1")

	require.Equal(t, 1, f.answers.queryCalls)
	require.Equal(t, "how do I deploy?", f.answers.lastQuery)
	require.Equal(t, "", f.answers.lastSessionID)
	require.Equal(t, []string{"eyes"}, f.messenger.reactions)
	require.Len(t, f.messenger.posts, 1)
	require.Equal(t, "100.1", f.messenger.posts[0].threadTS)

	require.Len(t, f.store.putSessions, 1)
	require.Equal(t, "s1", f.store.putSessions[0].SessionID)
	require.Equal(t, []string{"100.1"}, f.store.updatedLatest)
	require.Len(t, f.store.qaPairs, 1)
	require.Equal(t, "how do I deploy?", f.store.qaPairs[0].Query)
	require.Equal(t, "the answer", f.store.qaPairs[0].ResponseText)
	require.Equal(t, 1, f.lifecycle.cleanupCalls)
}

func TestProcessEvent_ExistingSessionReused(t *testing.T) {
	f := newFixture(t)
	f.store.sess = &domain.ConversationSession{SessionID: "existing"}

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> follow-up?"), "Ev1")

	require.Equal(t, "existing", f.answers.lastSessionID)
	require.Empty(t, f.store.putSessions)
	require.Equal(t, "existing", f.store.qaPairs[0].SessionID)
}

func TestProcessEvent_SessionCreatedWithoutContinuityToken(t *testing.T) {
	f := newFixture(t)
	f.answers.result = answers.QueryResult{Text: "the answer"}

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> how do I deploy?"), "Ev1")

	require.Len(t, f.store.putSessions, 1)
	require.Equal(t, "", f.store.putSessions[0].SessionID)
	require.Equal(t, []string{"100.1"}, f.store.updatedLatest)
	require.Len(t, f.store.qaPairs, 1)
	require.Equal(t, "", f.store.qaPairs[0].SessionID)
}

func TestProcessEvent_TokenlessFollowUpStillPrunesPrior(t *testing.T) {
	f := newFixture(t)
	f.answers.result = answers.QueryResult{Text: "the answer"}
	f.store.sess = &domain.ConversationSession{LatestMessageTS: "99.9"}

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> follow-up?"), "Ev1")

	require.Empty(t, f.store.putSessions)
	require.Equal(t, []string{"100.1"}, f.store.updatedLatest)
	require.Len(t, f.lifecycle.cleanupSessions, 1)
	require.NotNil(t, f.lifecycle.cleanupSessions[0])
	require.Equal(t, "99.9", f.lifecycle.cleanupSessions[0].LatestMessageTS)
}

func TestProcessEvent_SessionLookupFailureStillAnswers(t *testing.T) {
	f := newFixture(t)
	f.store.sessErr = errors.New("table offline")

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> question?"), "Ev1")

	require.Equal(t, 1, f.answers.queryCalls)
	require.Equal(t, "", f.answers.lastSessionID)
	require.Len(t, f.messenger.posts, 1)
}

func TestProcessEvent_PipelineFailurePostsSingleApology(t *testing.T) {
	f := newFixture(t)
	f.answers.queryErr = errors.New("upstream 502")

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> question?"), "Ev1")

	require.Len(t, f.messenger.posts, 1)
	require.Empty(t, f.store.qaPairs)
	require.Empty(t, f.store.updatedLatest)
	require.Zero(t, f.lifecycle.cleanupCalls)
}

func TestProcessEvent_PostFailureSkipsBookkeeping(t *testing.T) {
	f := newFixture(t)
	f.messenger.postErr = errors.New("channel archived")

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> question?"), "Ev1")

	require.Empty(t, f.store.qaPairs)
	require.Empty(t, f.store.updatedLatest)
}

func TestProcessEvent_ReformulatedQueryReachesPipeline(t *testing.T) {
	f := newFixture(t)
	f.answers.reformulated = "how do I deploy the service?"

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> deploy how"), "Ev1")

	require.Equal(t, "how do I deploy the service?", f.answers.lastQuery)
}

func TestProcessEvent_DMAlwaysAnswered(t *testing.T) {
	f := newFixture(t)
	ev := domain.Event{
		ID: "Ev2", Type: "message", User: "U42",
		Text: "what is the on-call rotation?", Channel: "D1", ChannelType: "im", TS: "100.1",
	}

	f.processor.ProcessEvent(context.Background(), ev, "Ev2")

	require.Equal(t, 1, f.answers.queryCalls)
	require.Len(t, f.messenger.posts, 1)
}

func TestProcessEvent_ChannelMessageWithMentionLeftToMentionDelivery(t *testing.T) {
	f := newFixture(t)
	ev := domain.Event{
		ID: "Ev3", Type: "message", User: "U42",
		Text: "<@UBOT> how do I deploy?", Channel: "C1", TS: "100.1",
	}

	f.processor.ProcessEvent(context.Background(), ev, "Ev3")

	require.Zero(t, f.answers.queryCalls)
	require.Empty(t, f.messenger.posts)
}

func TestProcessEvent_ThreadFollowUpNeedsPriorMention(t *testing.T) {
	ev := domain.Event{
		ID: "Ev4", Type: "message", User: "U42",
		Text: "and what about staging?", Channel: "C1", TS: "101.1", ThreadTS: "100.1",
	}

	f := newFixture(t)
	f.messenger.mentioned = true
	f.processor.ProcessEvent(context.Background(), ev, "Ev4")
	require.Equal(t, 1, f.answers.queryCalls)
	require.Equal(t, "100.1", f.messenger.posts[0].threadTS)

	f = newFixture(t)
	f.messenger.mentioned = false
	f.processor.ProcessEvent(context.Background(), ev, "Ev4")
	require.Zero(t, f.answers.queryCalls)
	require.Empty(t, f.messenger.posts)
}

func TestProcessEvent_PlainChannelMessageIgnored(t *testing.T) {
	f := newFixture(t)
	ev := domain.Event{
		ID: "Ev5", Type: "message", User: "U42",
		Text: "lunch anyone?", Channel: "C1", TS: "100.1",
	}

	f.processor.ProcessEvent(context.Background(), ev, "Ev5")

	require.Zero(t, f.answers.queryCalls)
	require.Empty(t, f.messenger.posts)
}

func TestProcessEvent_CommandAnswered(t *testing.T) {
	f := newFixture(t)
	ev := domain.Event{
		ID: "cmd#T1", Type: "command", User: "U42",
		Text: "how do I deploy?", Channel: "C1", TS: "100.000001",
	}

	f.processor.ProcessEvent(context.Background(), ev, "cmd#T1")

	require.Equal(t, 1, f.answers.queryCalls)
	require.Len(t, f.messenger.posts, 1)
	// The command's timestamp is synthetic; threading under it would fail.
	require.Equal(t, "", f.messenger.posts[0].threadTS)
	require.Empty(t, f.messenger.reactions)
}

func TestProcessEvent_FeedbackMessageConsumedBeforeReplyPolicy(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.consumeFeedback = true

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> feedback: wrong"), "Ev1")

	require.Equal(t, 1, f.lifecycle.feedbackCalls)
	require.Zero(t, f.answers.queryCalls)
	require.Empty(t, f.messenger.posts)
}

func TestProcessEvent_PreviewDirectiveStrippedFromQuestion(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessEvent(context.Background(), mention("<@UBOT> pr:42 how do I deploy?"), "Ev1")

	require.Equal(t, "how do I deploy?", f.answers.lastQuery)
}

func TestProcessAction_DispatchesDecodedCallback(t *testing.T) {
	f := newFixture(t)
	body := json.RawMessage(`{"type":"block_actions","user":{"id":"U42"}}`)

	f.processor.ProcessAction(context.Background(), body)
	require.Len(t, f.lifecycle.actions, 1)
}

func TestProcessAction_MalformedBodyDropped(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessAction(context.Background(), json.RawMessage("{not json"))
	require.Empty(t, f.lifecycle.actions)
}

func TestNewProcessor_Validation(t *testing.T) {
	m := &fakeMessenger{}
	a := &fakeAnswers{}
	s := &fakeSessionStore{}
	l := &fakeLifecycle{}

	_, err := NewProcessor(nil, a, s, l)
	require.Error(t, err)
	_, err = NewProcessor(m, nil, s, l)
	require.Error(t, err)
	_, err = NewProcessor(m, a, nil, l)
	require.Error(t, err)
	_, err = NewProcessor(m, a, s, nil)
	require.Error(t, err)
}
