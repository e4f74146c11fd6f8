package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/buffer"
	"wpp-relay/internal/dedupe"
	"wpp-relay/internal/domain"
	"wpp-relay/internal/repository"
)

type stubBuffer struct {
	result buffer.Result
	err    error
	added  []string
}

func (s *stubBuffer) Add(_ context.Context, sender string, ev domain.Event) (buffer.Result, error) {
	s.added = append(s.added, ev.ID)
	return s.result, s.err
}

type failingClaimer struct{}

func (failingClaimer) Claim(context.Context, string) (bool, error) {
	return false, errors.New("dynamodb unavailable")
}

func newTestIngestor(t *testing.T, opts ...IngestorOption) (*Ingestor, *recordingHandler, *stubSender) {
	t.Helper()
	guard, err := dedupe.New(repository.NewMemoryStore(), 0)
	require.NoError(t, err)
	h := &recordingHandler{replies: []domain.Outbound{domain.Text(userPhone, "resposta")}}
	sender := &stubSender{}
	outbox, err := NewOutbox(sender, discardLogger(), nil)
	require.NoError(t, err)
	i, err := NewIngestor(guard, h, outbox, append([]IngestorOption{WithIngestLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	return i, h, sender
}

func TestReceive_ProcessesSynchronouslyWithoutBuffer(t *testing.T) {
	i, h, sender := newTestIngestor(t)

	out, err := i.Receive(context.Background(), textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Processed, out)
	require.Len(t, h.calls, 1)
	require.Equal(t, []domain.Outbound{domain.Text(userPhone, "resposta")}, sender.outbounds())
}

func TestReceive_Duplicate(t *testing.T) {
	i, h, _ := newTestIngestor(t)
	ctx := context.Background()

	out, err := i.Receive(ctx, textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Processed, out)

	out, err = i.Receive(ctx, textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, out)
	require.Len(t, h.calls, 1)
}

func TestReceive_FiltersBeforeProcessing(t *testing.T) {
	i, h, _ := newTestIngestor(t)
	ctx := context.Background()

	revoke := textFrom(userPhone, "r1", "oi")
	revoke.Notification = domain.NotificationRevoke
	out, err := i.Receive(ctx, revoke)
	require.NoError(t, err)
	require.Equal(t, Revoked, out)

	group := textFrom(userPhone, "g1", "oi")
	group.IsGroup = true
	_, err = i.Receive(ctx, group)
	require.Equal(t, ErrorUnsupportedInput, CodeOf(err))

	own := textFrom(userPhone, "o1", "oi")
	own.FromMe = true
	out, err = i.Receive(ctx, own)
	require.NoError(t, err)
	require.Equal(t, Ignored, out)

	require.Empty(t, h.calls)
}

func TestReceive_BuffersWhenIdle(t *testing.T) {
	buf := &stubBuffer{result: buffer.Added}
	i, h, _ := newTestIngestor(t, WithBuffer(buf))

	out, err := i.Receive(context.Background(), textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Buffered, out)
	require.Equal(t, []string{"m1"}, buf.added)
	require.Empty(t, h.calls)
}

func TestReceive_BusyOrBrokenBufferFallsBackToSync(t *testing.T) {
	for name, buf := range map[string]*stubBuffer{
		"busy":   {result: buffer.Busy},
		"broken": {err: errors.New("store down")},
	} {
		t.Run(name, func(t *testing.T) {
			i, h, _ := newTestIngestor(t, WithBuffer(buf))
			out, err := i.Receive(context.Background(), textFrom(userPhone, "m1", "oi"))
			require.NoError(t, err)
			require.Equal(t, Processed, out)
			require.Len(t, h.calls, 1)
		})
	}
}

func TestReceive_TypedNilBufferIsIgnored(t *testing.T) {
	var b *buffer.Buffer
	i, h, _ := newTestIngestor(t, WithBuffer(b))
	out, err := i.Receive(context.Background(), textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Processed, out)
	require.Len(t, h.calls, 1)
}

func TestReceive_ClaimFailureStillProcesses(t *testing.T) {
	h := &recordingHandler{}
	outbox, _ := NewOutbox(&stubSender{}, discardLogger(), nil)
	i, err := NewIngestor(failingClaimer{}, h, outbox, WithIngestLogger(discardLogger()))
	require.NoError(t, err)

	out, err := i.Receive(context.Background(), textFrom(userPhone, "m1", "oi"))
	require.NoError(t, err)
	require.Equal(t, Processed, out)
	require.Len(t, h.calls, 1)
}

func TestReceive_EventWithoutIDSkipsDedup(t *testing.T) {
	i, h, _ := newTestIngestor(t)
	ctx := context.Background()
	for range 2 {
		_, err := i.Receive(ctx, textFrom(userPhone, "", "oi"))
		require.NoError(t, err)
	}
	require.Len(t, h.calls, 2)
}

func TestNewIngestor_Validation(t *testing.T) {
	outbox, _ := NewOutbox(&stubSender{}, nil, nil)
	_, err := NewIngestor(nil, &recordingHandler{}, outbox)
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewIngestor(failingClaimer{}, nil, outbox)
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewIngestor(failingClaimer{}, &recordingHandler{}, nil)
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewOutbox(nil, nil, nil)
	require.ErrorContains(t, err, "must not be nil")
}
