package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/repository"
)

func TestClaim_FirstWinsThenDuplicate(t *testing.T) {
	g, err := New(repository.NewMemoryStore(), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := g.Claim(ctx, "3EB0A1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Claim(ctx, "3EB0A1")
	require.NoError(t, err)
	require.False(t, ok)

	seen, err := g.Seen(ctx, "3EB0A1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestClaim_ReclaimAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kv := repository.NewMemoryStore().WithClock(func() time.Time { return now })
	g, err := New(kv, 300*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := g.Claim(ctx, "id")
	require.True(t, ok)

	now = now.Add(299 * time.Second)
	ok, _ = g.Claim(ctx, "id")
	require.False(t, ok)

	now = now.Add(time.Second)
	ok, _ = g.Claim(ctx, "id")
	require.True(t, ok)
}

func TestClaim_ConcurrentDeliveries(t *testing.T) {
	g, err := New(repository.NewMemoryStore(), time.Minute)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Claim(context.Background(), "same"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestClaim_EmptyID(t *testing.T) {
	g, err := New(repository.NewMemoryStore(), 0)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, g.ttl)
	_, err = g.Claim(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyEventID)
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil, time.Minute)
	require.ErrorContains(t, err, "must not be nil")
}
