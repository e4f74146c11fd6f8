package usecase

import (
	"context"
	"errors"
	"log/slog"

	"wpp-relay/internal/domain"
	"wpp-relay/internal/metrics"
)

// Sender is the outbound messaging capability.
type Sender interface {
	Deliver(ctx context.Context, out domain.Outbound) error
}

// Outbox sends outbound messages, logging failures without retrying them.
type Outbox struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewOutbox(s Sender, logger *slog.Logger, m *metrics.Metrics) (*Outbox, error) {
	if s == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{sender: s, logger: logger, metrics: m}, nil
}

func (o *Outbox) Deliver(ctx context.Context, out domain.Outbound) error {
	if out.Kind == "" {
		out.Kind = domain.OutboundText
	}
	err := o.sender.Deliver(ctx, out)
	o.metrics.RecordSend(string(out.Kind), err)
	if err != nil {
		o.logger.Error("failed to send message", "phone", out.To, "kind", out.Kind, "err", err)
		return err
	}
	o.logger.Debug("message sent", "phone", out.To, "kind", out.Kind)
	return nil
}

// SendText delivers a plain text message.
func (o *Outbox) SendText(ctx context.Context, to, text string) error {
	return o.Deliver(ctx, domain.Text(to, text))
}

// SendAll delivers outs in order; a failed send does not stop the rest.
func (o *Outbox) SendAll(ctx context.Context, outs []domain.Outbound) {
	for _, out := range outs {
		_ = o.Deliver(ctx, out)
	}
}
