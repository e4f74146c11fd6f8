package usecase

import (
	"context"
	"errors"
	"log/slog"

	"wpp-relay/internal/buffer"
	"wpp-relay/internal/domain"
	"wpp-relay/internal/metrics"
)

// Outcome is what Receive did with an event.
type Outcome int

const (
	Processed Outcome = iota
	Buffered
	Revoked
	Duplicate
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Buffered:
		return "buffered"
	case Revoked:
		return "revoked"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	default:
		return "processed"
	}
}

type EventClaimer interface {
	Claim(ctx context.Context, id string) (bool, error)
}

type EventBuffer interface {
	Add(ctx context.Context, sender string, ev domain.Event) (buffer.Result, error)
}

// Ingestor is the entry point for webhook events: it filters, deduplicates
// and either buffers an event or processes it immediately.
type Ingestor struct {
	guard   EventClaimer
	buffer  EventBuffer
	handler EventHandler
	outbox  *Outbox
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type IngestorOption func(*Ingestor)

// WithBuffer enables debounced processing. Without it every event is handled synchronously.
func WithBuffer(b EventBuffer) IngestorOption {
	return func(i *Ingestor) { i.buffer = b }
}

func WithIngestLogger(l *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithIngestMetrics(m *metrics.Metrics) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

func NewIngestor(guard EventClaimer, h EventHandler, outbox *Outbox, opts ...IngestorOption) (*Ingestor, error) {
	if guard == nil {
		return nil, errors.New("usecase: idempotency guard must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: event handler must not be nil")
	}
	if outbox == nil {
		return nil, errors.New("usecase: outbox must not be nil")
	}
	i := &Ingestor{guard: guard, handler: h, outbox: outbox, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	// A typed nil *buffer.Buffer would otherwise pass the nil check below.
	if b, ok := i.buffer.(*buffer.Buffer); ok && b == nil {
		i.buffer = nil
	}
	return i, nil
}

// Receive handles one webhook event. Group messages are rejected with an
// UNSUPPORTED_INPUT error; duplicates, revokes and own messages are
// acknowledged without processing.
func (i *Ingestor) Receive(ctx context.Context, ev domain.Event) (Outcome, error) {
	if ev.Notification == domain.NotificationRevoke {
		return Revoked, nil
	}

	if ev.ID == "" {
		i.logger.Warn("event without id, skipping deduplication", "phone", ev.Phone)
	} else {
		fresh, err := i.guard.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			i.logger.Error("idempotency check failed, processing anyway", "message_id", ev.ID, "err", newError(ErrorStore, "claim", err))
		case !fresh:
			i.metrics.RecordDuplicate()
			i.logger.Info("duplicate event", "message_id", ev.ID)
			return Duplicate, nil
		}
	}

	if ev.IsGroup {
		return Ignored, newError(ErrorUnsupportedInput, "group_message", nil)
	}
	if ev.FromMe {
		return Ignored, nil
	}
	if ev.Phone == "" {
		return Ignored, newError(ErrorInvalidInput, "missing_phone", nil)
	}
	i.metrics.RecordEvent(string(ev.Kind()))

	if i.buffer != nil {
		res, err := i.buffer.Add(ctx, ev.Phone, ev)
		switch {
		case err != nil:
			i.logger.Error("buffer unavailable, processing immediately", "phone", ev.Phone, "err", err)
		case res == buffer.Added:
			return Buffered, nil
		default:
			i.logger.Info("sender busy, processing immediately", "phone", ev.Phone, "code", ErrorBusy)
		}
	}

	outs, err := i.handler.HandleEvent(ctx, ev)
	if err != nil {
		return Processed, err
	}
	i.outbox.SendAll(ctx, outs)
	return Processed, nil
}
