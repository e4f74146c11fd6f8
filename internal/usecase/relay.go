package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wpp-relay/internal/domain"
)

const (
	sourceUser         = "user"
	sourceCounterparty = "counterparty"

	sendMessageTool = "send_message"
)

// relayContext is the per-turn context handed to the relay agent.
type relayContext struct {
	EventSource       string `json:"event_source"`
	UserPhone         string `json:"user_phone"`
	CounterpartyPhone string `json:"counterparty_phone"`
	ConversationID    string `json:"conversation_id"`
	Step              int    `json:"step"`
}

type sendMessageArgs struct {
	Message string `json:"message"`
	To      string `json:"to"`
}

func (m *Machine) relaySeed(rec *domain.ConversationRecord) []domain.ChatMessage {
	seed := []domain.ChatMessage{domain.TextMessage(domain.RoleSystem, m.prompts().relay)}
	if rec.SharedConversation != nil {
		seed = append(seed, domain.TextMessage(domain.RoleSystem, rec.SharedConversation.Render(sharedContextLines)))
	}
	if rec.Data != nil {
		if b, err := json.Marshal(rec.Data); err == nil {
			seed = append(seed, domain.TextMessage(domain.RoleUser, "Dados do atendimento: "+string(b)))
		}
	}
	return seed
}

// relay runs one relay-step turn for a message from sender. Every
// send_message call is logged in the shared conversation, synced into both
// records and dispatched before the next call is handled.
func (m *Machine) relay(ctx context.Context, rec *domain.ConversationRecord, sender, text string) []domain.Outbound {
	if rec.UserPhone == "" {
		rec.UserPhone = rec.Phone
	}
	if rec.CounterpartyPhone == "" {
		rec.CounterpartyPhone = m.cfg.CounterpartyPhone
	}
	if rec.SharedConversation == nil {
		rec.SharedConversation = domain.NewSharedConversation(rec.UserPhone, rec.CounterpartyPhone, rec.Data)
	}

	source := sourceUser
	if sender == m.cfg.CounterpartyPhone {
		source = sourceCounterparty
	}
	rec.SharedConversation.Append(domain.SharedEntry{
		Timestamp:   m.timestamp(),
		SpeakerRole: source,
		SpeakerID:   sender,
		Message:     text,
	})

	userTurn := domain.TextMessage(domain.RoleUser, fmt.Sprintf("[%s] %s", source, text))
	messages := append(append([]domain.ChatMessage(nil), rec.ChatHistory2...),
		domain.TextMessage(domain.RoleSystem, m.turnContext(rec, source)),
		userTurn,
	)

	reply, err := m.llm.Relay(ctx, messages)
	if err != nil {
		m.metrics.RecordModelFailure("relay")
		m.logger.Error("relay call failed", "phone", sender, "err", modelError("relay", err))
		rec.ChatHistory2 = append(rec.ChatHistory2, userTurn)
		m.finishRelay(ctx, rec)
		return []domain.Outbound{domain.Text(sender, NoticeInternalError)}
	}

	rec.ChatHistory2 = append(rec.ChatHistory2, userTurn, reply)
	if len(reply.ToolCalls) == 0 {
		m.logger.Warn("relay agent returned no send_message call", "phone", sender)
	}
	for _, call := range reply.ToolCalls {
		result := m.runToolCall(ctx, rec, call)
		rec.ChatHistory2 = append(rec.ChatHistory2, domain.ChatMessage{
			Role:       domain.RoleTool,
			ToolCallID: call.ID,
			Content:    result,
		})
	}
	m.finishRelay(ctx, rec)
	return nil
}

// finishRelay mirrors the turn's final state into both records, whatever the
// agent did. The per-send syncs ran before the tool results were appended.
func (m *Machine) finishRelay(ctx context.Context, rec *domain.ConversationRecord) {
	if err := m.syncShared(ctx, rec); err != nil {
		m.logger.Error("shared conversation sync incomplete", "phone", rec.Phone, "err", err)
	}
}

// runToolCall executes one send_message call and returns the tool result
// reported back to the agent.
func (m *Machine) runToolCall(ctx context.Context, rec *domain.ConversationRecord, call domain.ToolCall) string {
	if call.Function.Name != sendMessageTool {
		return fmt.Sprintf("erro: ferramenta desconhecida %q", call.Function.Name)
	}
	var args sendMessageArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		m.logger.Warn("invalid send_message arguments", "phone", rec.Phone, "err", err)
		return "erro: argumentos inválidos"
	}
	args.Message = strings.TrimSpace(args.Message)
	if args.Message == "" {
		return "erro: mensagem vazia"
	}
	action, ok := resolveRecipient(rec, args)
	if !ok {
		return fmt.Sprintf("erro: destinatário desconhecido %q", args.To)
	}

	rec.SharedConversation.Append(domain.SharedEntry{
		Timestamp:   m.timestamp(),
		SpeakerRole: domain.SpeakerAgent,
		SpeakerID:   domain.SpeakerAgent,
		Message:     args.Message,
	})
	if err := m.syncShared(ctx, rec); err != nil {
		m.logger.Error("shared conversation sync incomplete", "phone", rec.Phone, "err", err)
	}
	if err := m.outbox.Deliver(ctx, domain.Text(action.To, action.Message)); err != nil {
		return "erro: falha ao enviar a mensagem"
	}
	return "mensagem enviada"
}

// resolveRecipient maps the agent's "user"/"counterparty" target to a phone.
// A raw participant phone is accepted as well.
func resolveRecipient(rec *domain.ConversationRecord, args sendMessageArgs) (domain.RelayAction, bool) {
	to := strings.TrimSpace(args.To)
	switch strings.ToLower(to) {
	case sourceUser, "usuario", "usuário", "cliente":
		return domain.RelayAction{To: rec.UserPhone, Message: args.Message}, rec.UserPhone != ""
	case sourceCounterparty, "bot", "atendimento":
		return domain.RelayAction{To: rec.CounterpartyPhone, Message: args.Message}, rec.CounterpartyPhone != ""
	}
	if to != "" && (to == rec.UserPhone || to == rec.CounterpartyPhone) {
		return domain.RelayAction{To: to, Message: args.Message}, true
	}
	return domain.RelayAction{}, false
}

func (m *Machine) turnContext(rec *domain.ConversationRecord, source string) string {
	ctx := relayContext{
		EventSource:       source,
		UserPhone:         rec.UserPhone,
		CounterpartyPhone: rec.CounterpartyPhone,
		ConversationID:    rec.ConversationID,
		Step:              int(rec.Step),
	}
	b, _ := json.Marshal(ctx)
	return "Contexto do turno: " + string(b) + "\n\n" + rec.SharedConversation.Render(sharedContextLines)
}

func (m *Machine) timestamp() string {
	return m.now().UTC().Format(time.RFC3339)
}
