package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"wpp-relay/internal/domain"
)

const (
	fieldChatHistory        = "chat_history"
	fieldChatHistory2       = "chat_history2"
	fieldStep               = "step"
	fieldData               = "data"
	fieldUserPhone          = "user_phone"
	fieldCounterpartyPhone  = "counterparty_phone"
	fieldConversationID     = "conversation_id"
	fieldSharedConversation = "shared_conversation"
	fieldLastUpdated        = "_last_updated"
)

// ConversationStore gives typed access to per-sender ConversationRecords.
type ConversationStore struct {
	kv     Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewConversationStore wraps kv. A zero ttl keeps records indefinitely.
func NewConversationStore(kv Store, ttl time.Duration, logger *slog.Logger) (*ConversationStore, error) {
	if kv == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{kv: kv, ttl: ttl, now: time.Now, logger: logger}, nil
}

// Load returns the record for phone, or a fresh extraction-step record when
// none exists. Fields that fail to decode are logged and left empty.
func (s *ConversationStore) Load(ctx context.Context, phone string) (*domain.ConversationRecord, error) {
	fields, err := s.kv.Get(ctx, ConversationKey(phone))
	if err != nil {
		return nil, fmt.Errorf("repository: Load: %w", err)
	}
	rec := domain.NewConversationRecord(phone)
	if len(fields) == 0 {
		return rec, nil
	}

	s.decodeJSON(phone, fields, fieldChatHistory, &rec.ChatHistory)
	s.decodeJSON(phone, fields, fieldChatHistory2, &rec.ChatHistory2)
	s.decodeJSON(phone, fields, fieldData, &rec.Data)
	s.decodeJSON(phone, fields, fieldSharedConversation, &rec.SharedConversation)

	if raw, ok := fields[fieldStep]; ok {
		step, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Warn("invalid step in conversation record", "phone", phone, "value", raw)
		}
		if domain.Step(step) == domain.StepRelaying {
			rec.Step = domain.StepRelaying
		}
	}
	// The relay step needs the extracted data; a record without it goes
	// back to extraction.
	if rec.Relaying() && rec.Data == nil {
		s.logger.Warn("relay-step record without extracted data, resuming extraction", "phone", phone)
		rec.Step = domain.StepExtracting
	}

	rec.UserPhone = fields[fieldUserPhone]
	rec.CounterpartyPhone = fields[fieldCounterpartyPhone]
	rec.ConversationID = fields[fieldConversationID]
	if ts, ok := fields[fieldLastUpdated]; ok {
		rec.LastUpdated, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return rec, nil
}

func (s *ConversationStore) decodeJSON(phone string, fields map[string]string, name string, target any) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		s.logger.Warn("could not decode conversation field", "phone", phone, "field", name, "err", err)
	}
}

// Save replaces the stored record and stamps _last_updated. A record over
// the item size limit has its inline image data replaced by a placeholder
// (in rec as well) and is written again; ErrItemTooLarge is returned only
// when it still does not fit.
func (s *ConversationStore) Save(ctx context.Context, rec *domain.ConversationRecord) error {
	if rec == nil || rec.Phone == "" {
		return errors.New("repository: Save: record phone is required")
	}
	now := s.now().UTC()
	err := s.put(ctx, rec, now)
	if errors.Is(err, ErrItemTooLarge) {
		if n := dropInlineImages(rec); n > 0 {
			s.logger.Warn("conversation record over size limit, inline images dropped", "phone", rec.Phone, "images", n)
			err = s.put(ctx, rec, now)
		}
	}
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	rec.LastUpdated = now
	return nil
}

func (s *ConversationStore) put(ctx context.Context, rec *domain.ConversationRecord, now time.Time) error {
	fields, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	fields[fieldLastUpdated] = now.Format(time.RFC3339Nano)
	return s.kv.Put(ctx, ConversationKey(rec.Phone), fields, s.ttl)
}

// ImageOmitted replaces inline image data dropped from an oversized record.
const ImageOmitted = "[imagem omitida]"

// dropInlineImages replaces data: URL image blocks in both histories with a
// text placeholder and reports how many it replaced. Remote image URLs stay.
func dropInlineImages(rec *domain.ConversationRecord) int {
	n := 0
	for _, history := range [][]domain.ChatMessage{rec.ChatHistory, rec.ChatHistory2} {
		for i := range history {
			var parts []domain.ContentPart
			for j, p := range history[i].Parts {
				if p.ImageURL == nil || !strings.HasPrefix(p.ImageURL.URL, "data:") {
					continue
				}
				// Copy so messages already handed to the model keep their blocks.
				if parts == nil {
					parts = append([]domain.ContentPart(nil), history[i].Parts...)
				}
				parts[j] = domain.ContentPart{Type: "text", Text: ImageOmitted}
				n++
			}
			if parts != nil {
				history[i].Parts = parts
			}
		}
	}
	return n
}

// Reset deletes the record for phone.
func (s *ConversationStore) Reset(ctx context.Context, phone string) error {
	if err := s.kv.Delete(ctx, ConversationKey(phone)); err != nil {
		return fmt.Errorf("repository: Reset: %w", err)
	}
	return nil
}

func encodeRecord(rec *domain.ConversationRecord) (map[string]string, error) {
	step := rec.Step
	if step != domain.StepRelaying {
		step = domain.StepExtracting
	}
	fields := map[string]string{
		fieldStep: strconv.Itoa(int(step)),
	}

	structured := map[string]any{
		fieldChatHistory:  nonNil(rec.ChatHistory),
		fieldChatHistory2: nonNil(rec.ChatHistory2),
	}
	if rec.Data != nil {
		structured[fieldData] = rec.Data
	}
	if rec.SharedConversation != nil {
		structured[fieldSharedConversation] = rec.SharedConversation
	}
	for name, v := range structured {
		enc, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields[name] = enc
	}

	for name, v := range map[string]string{
		fieldUserPhone:         rec.UserPhone,
		fieldCounterpartyPhone: rec.CounterpartyPhone,
		fieldConversationID:    rec.ConversationID,
	} {
		if v != "" {
			fields[name] = v
		}
	}
	return fields, nil
}

func nonNil(h []domain.ChatMessage) []domain.ChatMessage {
	if h == nil {
		return []domain.ChatMessage{}
	}
	return h
}
