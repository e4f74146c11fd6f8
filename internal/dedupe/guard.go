// Package dedupe records processed webhook event IDs so redelivered events
// are handled at most once within the TTL window.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wpp-relay/internal/repository"
)

// DefaultTTL is how long an event ID stays claimed.
const DefaultTTL = 300 * time.Second

var ErrEmptyEventID = errors.New("dedupe: event id must not be empty")

// Guard claims event IDs in the shared store. The claim is a single
// conditional write, so concurrent deliveries of the same ID race safely.
type Guard struct {
	kv  repository.Store
	ttl time.Duration
	now func() time.Time
}

func New(kv repository.Store, ttl time.Duration) (*Guard, error) {
	if kv == nil {
		return nil, errors.New("dedupe: store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{kv: kv, ttl: ttl, now: time.Now}, nil
}

// Claim marks id as processed and reports whether this call was the first.
// A false result means the event is a duplicate.
func (g *Guard) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyEventID
	}
	fields := map[string]string{"claimed_at": strconv.FormatInt(g.now().Unix(), 10)}
	ok, err := g.kv.PutIfAbsent(ctx, repository.EventKey(id), fields, g.ttl)
	if err != nil {
		return false, fmt.Errorf("dedupe: claim %q: %w", id, err)
	}
	return ok, nil
}

// Seen reports whether id is currently claimed.
func (g *Guard) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := g.kv.Exists(ctx, repository.EventKey(id))
	if err != nil {
		return false, fmt.Errorf("dedupe: seen %q: %w", id, err)
	}
	return ok, nil
}
