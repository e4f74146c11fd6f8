package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxItemSize is DynamoDB's per-item limit. The memory backend enforces it
// too, so local runs fail where production would.
const MaxItemSize = 400 * 1024

var ErrItemTooLarge = errors.New("repository: item exceeds the size limit")

// Key prefixes distinguishing the record families sharing one store.
const (
	PrefixConversation = "wpp_memory:"
	PrefixEvent        = "wpp_event:"
	PrefixBuffer       = "msg_buffer:"
	PrefixProcessing   = "msg_processing:"
)

// Store is a flat field→value key-value store with optional per-key TTL.
// A zero ttl means the key does not expire. Expired keys read as absent.
type Store interface {
	Get(ctx context.Context, key string) (map[string]string, error)
	Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// PutIfAbsent writes only when key is absent (or expired) and reports whether it wrote.
	PutIfAbsent(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists the live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func ConversationKey(phone string) string { return PrefixConversation + phone }
func EventKey(eventID string) string      { return PrefixEvent + eventID }
func BufferKey(phone string) string       { return PrefixBuffer + phone }
func ProcessingKey(phone string) string   { return PrefixProcessing + phone }

// itemSize approximates DynamoDB's accounting for the item stored under key:
// UTF-8 lengths of attribute names and string values, one byte per map
// element, and the fixed key, timestamp and ttl attributes.
func itemSize(key string, fields map[string]string) int {
	n := len("PK") + len(key) + len("SK") + len(skKV) +
		len("updatedAt") + len(time.RFC3339) + len("ttl") + 21 + len("fields") + 3
	for k, v := range fields {
		n += len(k) + len(v) + 1
	}
	return n
}

func checkItemSize(key string, fields map[string]string) error {
	if size := itemSize(key, fields); size > MaxItemSize {
		return fmt.Errorf("%w: %q is %d bytes", ErrItemTooLarge, key, size)
	}
	return nil
}
