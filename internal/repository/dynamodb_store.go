package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-proxy/internal/domain"
)

const (
	pkPrefix      = "USER#"
	skPrefix      = "CONV#"
	defaultTenant = "default"

	defaultMaxHistory = 20
	defaultTTL        = 24 * time.Hour

	// Attempts for the optimistic read-modify-write before giving up.
	maxWriteAttempts = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// HistoryStore defines the conversation history operations consumed by the
// chat service.
type HistoryStore interface {
	GetHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
	AddMessage(ctx context.Context, userID, conversationID string, role domain.Role, text string) error
	Clear(ctx context.Context, userID, conversationID string) error
}

// Store keeps one sliding-window message list per (user, conversation) key
// in a DynamoDB table. Each write re-reads the list, appends, trims to the
// configured window and puts the item back guarded by a version condition,
// so concurrent appends to the same key cannot lose messages.
type Store struct {
	api        dynamodbAPI
	tableName  string
	maxHistory int
	ttl        time.Duration
}

// New creates a new history Store.
func New(api dynamodbAPI, tableName string, maxHistory int, ttl time.Duration) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{api: api, tableName: tableName, maxHistory: maxHistory, ttl: ttl}, nil
}

// convPK returns the partition key for a user. An empty user id maps to a
// fixed single-tenant segment.
func convPK(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return pkPrefix + defaultTenant
	}
	return pkPrefix + userID
}

// convSK returns the sort key for a conversation.
func convSK(conversationID string) string {
	return skPrefix + conversationID
}

func (s *Store) key(userID, conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: convSK(conversationID)},
	}
}

// record is the decoded state of one conversation item.
type record struct {
	messages []domain.Message
	version  int64
	exists   bool
}

func (s *Store) readRecord(ctx context.Context, userID, conversationID string) (record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(userID, conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return record{}, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return record{}, nil
	}

	raw, err := strAttr(out.Item, "messages")
	if err != nil {
		return record{}, err
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return record{}, fmt.Errorf("decode messages: %w", err)
	}
	version, err := intAttr(out.Item, "version")
	if err != nil {
		return record{}, err
	}
	return record{messages: msgs, version: version, exists: true}, nil
}

// GetHistory returns the stored turns for a conversation in chronological
// order, or an empty slice when the key is absent.
func (s *Store) GetHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	rec, err := s.readRecord(ctx, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory: %w", err)
	}
	return rec.messages, nil
}

// AddMessage appends one turn, trims the list to the most recent window and
// refreshes the item TTL. The write is optimistic: the item version read
// before the append must still match at put time, otherwise the whole
// read-modify-write is retried.
func (s *Store) AddMessage(ctx context.Context, userID, conversationID string, role domain.Role, text string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: AddMessage: conversation id is required")
	}

	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		rec, err := s.readRecord(ctx, userID, conversationID)
		if err != nil {
			return fmt.Errorf("repository: AddMessage: %w", err)
		}

		msgs := append(rec.messages, domain.Message{Role: role, Text: text})
		if len(msgs) > s.maxHistory {
			msgs = msgs[len(msgs)-s.maxHistory:]
		}

		err = s.putRecord(ctx, userID, conversationID, msgs, rec)
		if err == nil {
			return nil
		}
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			lastErr = err
			continue
		}
		return fmt.Errorf("repository: AddMessage: %w", err)
	}
	return fmt.Errorf("repository: AddMessage: version conflict after %d attempts: %w", maxWriteAttempts, lastErr)
}

// Clear deletes the conversation item outright.
func (s *Store) Clear(ctx context.Context, userID, conversationID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(userID, conversationID),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

func (s *Store) putRecord(ctx context.Context, userID, conversationID string, msgs []domain.Message, prev record) error {
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(userID)},
		"SK":             &types.AttributeValueMemberS{Value: convSK(conversationID)},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		"messages":       &types.AttributeValueMemberS{Value: string(encoded)},
		"version":        &types.AttributeValueMemberN{Value: strconv.FormatInt(prev.version+1, 10)},
		"updatedAt":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(s.ttl).Unix(), 10)},
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if prev.exists {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev.version, 10)},
		}
	} else {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}

	if _, err := s.api.PutItem(ctx, in); err != nil {
		return err
	}
	return nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
