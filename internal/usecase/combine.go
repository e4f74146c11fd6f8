package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"wpp-relay/internal/domain"
)

// EventHandler runs one logical input through the conversation.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event, aux ...domain.Event) ([]domain.Outbound, error)
}

// CombinedProcessor merges a debounced batch into one conversation turn.
type CombinedProcessor struct {
	handler EventHandler
	outbox  *Outbox
	logger  *slog.Logger
}

func NewCombinedProcessor(h EventHandler, outbox *Outbox, logger *slog.Logger) (*CombinedProcessor, error) {
	if h == nil {
		return nil, errors.New("usecase: event handler must not be nil")
	}
	if outbox == nil {
		return nil, errors.New("usecase: outbox must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CombinedProcessor{handler: h, outbox: outbox, logger: logger}, nil
}

type batchItem struct {
	event domain.Event
	text  string
}

// ProcessBatch implements buffer.BatchProcessor. When any entry carries text,
// the texts are joined into a single text event and the special entries ride
// along as auxiliary input. Otherwise each special entry is handled on its
// own, in order, with its replies sent before the next one runs.
func (p *CombinedProcessor) ProcessBatch(ctx context.Context, sender string, entries []domain.BufferEntry) error {
	sorted := append([]domain.BufferEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var (
		first    *domain.Event
		texts    []string
		specials []domain.Event
	)
	for _, entry := range sorted {
		item, ok := p.decode(sender, entry)
		if !ok {
			continue
		}
		if first == nil {
			ev := item.event
			first = &ev
		}
		if item.text != "" {
			texts = append(texts, item.text)
		}
		if isSpecial(item.event.Kind()) {
			specials = append(specials, item.event)
		}
	}

	switch {
	case len(texts) > 0:
		combined := strings.Join(texts, " ")
		if len(entries) > 1 {
			combined = fmt.Sprintf("[Processando %d mensagens recebidas] %s", len(entries), combined)
		}
		ev := first.WithText(combined)
		ev.Phone = sender
		p.logger.Info("processing combined batch", "phone", sender, "entries", len(entries), "specials", len(specials))
		return p.handle(ctx, ev, specials...)
	case len(specials) > 0:
		p.logger.Info("processing special entries", "phone", sender, "count", len(specials))
		var errs []error
		for _, ev := range specials {
			if err := p.handle(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	default:
		p.logger.Warn("no processable messages in batch", "phone", sender, "entries", len(entries))
		return nil
	}
}

func (p *CombinedProcessor) handle(ctx context.Context, ev domain.Event, aux ...domain.Event) error {
	outs, err := p.handler.HandleEvent(ctx, ev, aux...)
	if err != nil {
		return err
	}
	p.outbox.SendAll(ctx, outs)
	return nil
}

// decode parses one entry. A broken entry counts as an empty text.
func (p *CombinedProcessor) decode(sender string, entry domain.BufferEntry) (item batchItem, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("failed to extract buffered message", "phone", sender, "message_id", entry.MessageID, "panic", r)
			item, ok = batchItem{}, false
		}
	}()
	ev, err := domain.ParseEvent(entry.Data)
	if err != nil {
		p.logger.Error("failed to decode buffered message", "phone", sender, "message_id", entry.MessageID, "err", err)
		return batchItem{}, false
	}
	if ev.Phone == "" {
		ev.Phone = sender
	}
	return batchItem{event: ev, text: InputText(ev)}, true
}
