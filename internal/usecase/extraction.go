package usecase

import (
	"context"
	"encoding/json"
	"strings"

	"wpp-relay/internal/domain"
)

// extract runs the extraction step for one user text. The user and assistant
// turns are appended only when the model returns a usable result, and the
// step advances only on an ok that satisfies the required fields.
func (m *Machine) extract(ctx context.Context, rec *domain.ConversationRecord, text string) []domain.Outbound {
	phone := rec.Phone
	userTurn := domain.TextMessage(domain.RoleUser, text)
	messages := append(append([]domain.ChatMessage(nil), rec.ChatHistory...), userTurn)

	raw, err := m.llm.Extract(ctx, messages)
	if err != nil {
		m.metrics.RecordModelFailure("extraction")
		m.logger.Error("extraction call failed", "phone", phone, "err", modelError("extraction", err))
		return []domain.Outbound{domain.Text(phone, NoticeInternalError)}
	}
	res, err := parseExtraction(raw)
	if err != nil {
		m.metrics.RecordModelFailure("extraction")
		m.logger.Error("malformed extraction output", "phone", phone, "err", newError(ErrorUpstream, "extraction_malformed", err))
		return []domain.Outbound{domain.Text(phone, NoticeInternalError)}
	}
	res = applyRequiredFields(res, m.cfg.RequiredFields)

	assistant, err := json.Marshal(res)
	if err != nil {
		m.logger.Error("failed to encode extraction result", "phone", phone, "err", err)
		return []domain.Outbound{domain.Text(phone, NoticeInternalError)}
	}
	rec.ChatHistory = append(rec.ChatHistory, userTurn, domain.TextMessage(domain.RoleAssistant, string(assistant)))

	m.logger.Info("extraction finished", "phone", phone, "status", res.ValidationStatus)
	switch res.ValidationStatus {
	case statusError:
		return []domain.Outbound{domain.Text(phone, NoticeNotRelevant)}
	case statusFollowUp:
		msg := strings.TrimSpace(res.Mensagem)
		if msg == "" {
			msg = NoticeFollowUp
		}
		return []domain.Outbound{domain.Text(phone, msg)}
	default:
		return m.beginRelay(rec, res.ExtractedData)
	}
}

// beginRelay moves rec into the relay step. The counterparty's record is
// mirrored by mirrorCounterparty once rec has been stored.
func (m *Machine) beginRelay(rec *domain.ConversationRecord, data domain.ExtractedData) []domain.Outbound {
	counterparty := m.cfg.CounterpartyPhone

	rec.Step = domain.StepRelaying
	rec.Data = &data
	rec.UserPhone = rec.Phone
	rec.CounterpartyPhone = counterparty
	rec.ConversationID = ConversationID(rec.UserPhone, counterparty)
	rec.SharedConversation = domain.NewSharedConversation(rec.UserPhone, counterparty, rec.Data)

	m.logger.Info("conversation moved to relay", "phone", rec.Phone, "conversation_id", rec.ConversationID)
	return []domain.Outbound{
		domain.Text(rec.Phone, NoticeAccepted),
		domain.Text(counterparty, m.cfg.OpeningMessage),
	}
}

// mirrorCounterparty opens the relay step in the counterparty's record. A
// failure here is repaired by the first relay turn's sync.
func (m *Machine) mirrorCounterparty(ctx context.Context, rec *domain.ConversationRecord) {
	counterparty := rec.CounterpartyPhone
	if counterparty == "" || counterparty == rec.Phone {
		return
	}
	mirror, err := m.store.Load(ctx, counterparty)
	if err != nil {
		m.logger.Error("failed to load counterparty record", "phone", counterparty, "err", newError(ErrorStore, "load", err))
		mirror = domain.NewConversationRecord(counterparty)
	}
	mirror.Step = domain.StepRelaying
	mirror.Data = rec.Data
	mirror.UserPhone = rec.UserPhone
	mirror.CounterpartyPhone = counterparty
	mirror.ConversationID = rec.ConversationID
	mirror.SharedConversation = cloneShared(rec.SharedConversation)
	mirror.ChatHistory2 = nil
	_ = m.save(ctx, mirror)
}
