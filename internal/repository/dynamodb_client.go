package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"epsam-assistant/internal/domain"
)

const (
	skDedup       = "dedup"
	skSession     = "session"
	skPullRequest = "pull_request"
	skPrefixQA    = "qa#"

	pkPrefixEvent    = "event#"
	pkPrefixFeedback = "feedback#"

	dedupTTL   = time.Hour
	sessionTTL = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client wraps a DynamoDB table holding all conversation state: dedup
// markers, sessions, QA pairs, feedback and preview-routing mappings.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// IsConditionalCheckFailed reports whether err is a DynamoDB conditional
// write rejection. Callers use this to tell "key already exists" apart from
// a store outage.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func eventPK(eventID string) string {
	return pkPrefixEvent + eventID
}

func qaSK(messageTS string) string {
	return skPrefixQA + messageTS
}

func feedbackPK(conversationKey string) string {
	return pkPrefixFeedback + conversationKey
}

func ttlValue(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (c *Client) putItem(ctx context.Context, record any, condition *string) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: condition,
	})
	return err
}

// InsertDedup attempts the conditional insert that doubles as the dedup
// check. It returns duplicate=true when the event id was already recorded;
// any other failure is returned so the caller can decide to fail open.
func (c *Client) InsertDedup(ctx context.Context, eventID, eventTS string) (bool, error) {
	rec := domain.DedupRecord{
		PK:        eventPK(eventID),
		SK:        skDedup,
		Timestamp: eventTS,
		TTL:       ttlValue(dedupTTL),
	}
	err := c.putItem(ctx, rec, aws.String("attribute_not_exists(PK)"))
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return true, nil
		}
		return false, fmt.Errorf("repository: InsertDedup: %w", err)
	}
	return false, nil
}

// GetSession loads the session record for a conversation key, or nil when no
// session exists yet.
func (c *Client) GetSession(ctx context.Context, conversationKey string) (*domain.ConversationSession, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(conversationKey, skSession),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	var sess domain.ConversationSession
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	return &sess, nil
}

// PutSessionIfAbsent creates the session record for a conversation. The
// session id is immutable once set, so an existing record is left untouched
// and the call reports success.
func (c *Client) PutSessionIfAbsent(ctx context.Context, sess domain.ConversationSession) error {
	if sess.PK == "" {
		return errors.New("repository: PutSessionIfAbsent: PK is required")
	}
	sess.SK = skSession
	if sess.TTL == 0 {
		sess.TTL = ttlValue(sessionTTL)
	}
	err := c.putItem(ctx, sess, aws.String("attribute_not_exists(PK)"))
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: PutSessionIfAbsent: %w", err)
	}
	return nil
}

// UpdateLatestMessage advances the session's latest answered message
// timestamp, which drives the feedback freshness check. The session TTL is
// refreshed so active conversations do not expire mid-flight.
func (c *Client) UpdateLatestMessage(ctx context.Context, conversationKey, messageTS string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(conversationKey, skSession),
		UpdateExpression:    aws.String("SET latestMessageTs = :ts, #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts":  &types.AttributeValueMemberS{Value: messageTS},
			":ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(sessionTTL))},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateLatestMessage: %w", err)
	}
	return nil
}

// PutQAPair persists a question/answer exchange awaiting feedback.
func (c *Client) PutQAPair(ctx context.Context, rec domain.QAPairRecord) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("repository: PutQAPair: PK and SK are required")
	}
	if rec.TTL == 0 {
		rec.TTL = ttlValue(sessionTTL)
	}
	if err := c.putItem(ctx, rec, nil); err != nil {
		return fmt.Errorf("repository: PutQAPair: %w", err)
	}
	return nil
}

// DeleteQAPair removes the QA record at the given message timestamp. Used to
// prune superseded pairs that never received feedback.
func (c *Client) DeleteQAPair(ctx context.Context, conversationKey, messageTS string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(conversationKey, qaSK(messageTS)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteQAPair: %w", err)
	}
	return nil
}

// MarkFeedbackReceived flags the QA record so it is no longer pending.
func (c *Client) MarkFeedbackReceived(ctx context.Context, conversationKey, messageTS string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(conversationKey, qaSK(messageTS)),
		UpdateExpression:    aws.String("SET feedbackReceived = :v"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MarkFeedbackReceived: %w", err)
	}
	return nil
}

// PutFeedback appends a feedback record. Feedback is never mutated or
// deleted.
func (c *Client) PutFeedback(ctx context.Context, rec domain.FeedbackRecord) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("repository: PutFeedback: PK and SK are required")
	}
	if err := c.putItem(ctx, rec, nil); err != nil {
		return fmt.Errorf("repository: PutFeedback: %w", err)
	}
	return nil
}

// GetPullRequestMapping returns the preview-environment id pinned to a
// thread, or the empty string when the thread is not routed.
func (c *Client) GetPullRequestMapping(ctx context.Context, conversationKey string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(conversationKey, skPullRequest),
	})
	if err != nil {
		return "", fmt.Errorf("repository: GetPullRequestMapping: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	var m domain.PullRequestMapping
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return "", fmt.Errorf("repository: GetPullRequestMapping unmarshal: %w", err)
	}
	return m.PullRequestID, nil
}

// PutPullRequestMapping pins a thread to a preview environment.
func (c *Client) PutPullRequestMapping(ctx context.Context, conversationKey, pullRequestID string) error {
	rec := domain.PullRequestMapping{
		PK:            conversationKey,
		SK:            skPullRequest,
		PullRequestID: pullRequestID,
	}
	if err := c.putItem(ctx, rec, nil); err != nil {
		return fmt.Errorf("repository: PutPullRequestMapping: %w", err)
	}
	return nil
}

// NewSession constructs a ConversationSession keyed on the conversation.
func NewSession(conversationKey, sessionID, userID, channelID, threadTS, latestMessageTS string) domain.ConversationSession {
	return domain.ConversationSession{
		PK:              conversationKey,
		SK:              skSession,
		SessionID:       sessionID,
		UserID:          userID,
		ChannelID:       channelID,
		ThreadTS:        threadTS,
		LatestMessageTS: latestMessageTS,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		TTL:             ttlValue(sessionTTL),
	}
}

// NewQAPair constructs a pending QAPairRecord for an answered question.
func NewQAPair(conversationKey, messageTS, query, responseText, sessionID, userID string) domain.QAPairRecord {
	return domain.QAPairRecord{
		PK:               conversationKey,
		SK:               qaSK(messageTS),
		Query:            query,
		ResponseText:     responseText,
		SessionID:        sessionID,
		UserID:           userID,
		FeedbackReceived: false,
		TTL:              ttlValue(sessionTTL),
	}
}

// NewFeedback constructs a FeedbackRecord targeting a specific answer
// message. When no target message is known (free-text feedback arriving
// before any answer reference), messageTS should be the literal event ts and
// noteTS a disambiguating suffix.
func NewFeedback(conversationKey, messageTS string, fbType domain.FeedbackType, userID, channelID, text string) domain.FeedbackRecord {
	return domain.FeedbackRecord{
		PK:           feedbackPK(conversationKey),
		SK:           messageTS,
		FeedbackType: fbType,
		UserID:       userID,
		ChannelID:    channelID,
		FeedbackText: text,
	}
}

// NewFeedbackNote constructs a free-text FeedbackRecord with a note-suffixed
// sort key so it never collides with button feedback on the same message.
func NewFeedbackNote(conversationKey, messageTS, noteTS string, userID, channelID, text string) domain.FeedbackRecord {
	rec := NewFeedback(conversationKey, messageTS, domain.FeedbackAdditional, userID, channelID, text)
	rec.SK = messageTS + "#note#" + noteTS
	return rec
}
