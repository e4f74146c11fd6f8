package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const skKV = "KV"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table keyed by PK/SK.
// Each key is one item: the field map lives in the "fields" attribute and the
// expiry in "ttl" (epoch seconds, also usable as the table's TTL attribute).
// DynamoDB removes expired items lazily, so expiry is enforced on read too.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a DynamoDB-backed Store.
func New(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func (c *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: skKV},
	}
}

// expiresAt rounds up so a key never expires earlier than requested.
func expiresAt(now time.Time, ttl time.Duration) int64 {
	t := now.Add(ttl)
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

func (c *DynamoStore) expired(item map[string]types.AttributeValue) bool {
	ttl, err := intAttr(item, "ttl")
	if err != nil {
		return false
	}
	return int64(ttl) <= c.now().Unix()
}

// Get returns the fields stored under key, or nil when the key is absent or expired.
func (c *DynamoStore) Get(ctx context.Context, key string) (map[string]string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 || c.expired(out.Item) {
		return nil, nil
	}
	fields, err := fieldsAttr(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: Get %q decode: %w", key, err)
	}
	return fields, nil
}

// Put replaces the item stored under key. Items over MaxItemSize are
// rejected with ErrItemTooLarge before reaching DynamoDB.
func (c *DynamoStore) Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if err := checkItemSize(key, fields); err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.item(key, fields, ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: Put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes the item only when no live item exists under key.
func (c *DynamoStore) PutIfAbsent(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	if err := checkItemSize(key, fields); err != nil {
		return false, fmt.Errorf("repository: PutIfAbsent: %w", err)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.item(key, fields, ttl),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)},
		},
	})
	if err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return false, nil
		}
		return false, fmt.Errorf("repository: PutIfAbsent %q: %w", key, err)
	}
	return true, nil
}

func (c *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete %q: %w", key, err)
	}
	return nil
}

func (c *DynamoStore) Exists(ctx context.Context, key string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  c.itemKey(key),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK, #ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
	})
	if err != nil {
		return false, fmt.Errorf("repository: Exists %q: %w", key, err)
	}
	return out != nil && len(out.Item) > 0 && !c.expired(out.Item), nil
}

// Keys scans the table for live keys starting with prefix.
func (c *DynamoStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		FilterExpression:     aws.String("begins_with(PK, :prefix) AND SK = :sk"),
		ProjectionExpression: aws.String("PK, #ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
			":sk":     &types.AttributeValueMemberS{Value: skKV},
		},
	}

	var keys []string
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Keys scan: %w", err)
		}
		for _, item := range out.Items {
			if c.expired(item) {
				continue
			}
			pk, err := strAttr(item, "PK")
			if err != nil {
				return nil, fmt.Errorf("repository: Keys decode: %w", err)
			}
			keys = append(keys, pk)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *DynamoStore) item(key string, fields map[string]string, ttl time.Duration) map[string]types.AttributeValue {
	now := c.now()
	m := make(map[string]types.AttributeValue, len(fields))
	for k, v := range fields {
		m[k] = &types.AttributeValueMemberS{Value: v}
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: key},
		"SK":        &types.AttributeValueMemberS{Value: skKV},
		"fields":    &types.AttributeValueMemberM{Value: m},
		"updatedAt": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
	}
	if ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(now, ttl), 10)}
	}
	return item
}

func fieldsAttr(item map[string]types.AttributeValue) (map[string]string, error) {
	v, ok := item["fields"]
	if !ok {
		return map[string]string{}, nil
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, errors.New("repository: attribute \"fields\" is not a map")
	}
	fields := make(map[string]string, len(m.Value))
	for k, av := range m.Value {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: field %q is not a string", k)
		}
		fields[k] = s.Value
	}
	return fields, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
