package domain

import (
	"fmt"
	"strings"
)

// MaxSharedHistory bounds SharedConversation.ConversationHistory.
const MaxSharedHistory = 50

const (
	SpeakerUser         = "user"
	SpeakerCounterparty = "counterparty"
	SpeakerAgent        = "agent"
)

// SharedConversation is the cross-party transcript mirrored into both
// participants' records during the relay step.
type SharedConversation struct {
	Participants        Participants  `json:"participants"`
	ConversationHistory []SharedEntry `json:"conversation_history"`
	CurrentContext      SharedContext `json:"current_context"`
}

type Participants struct {
	User         string `json:"user"`
	Counterparty string `json:"counterparty"`
	Agent        string `json:"agent"`
}

type SharedEntry struct {
	Timestamp   string `json:"timestamp"`
	SpeakerRole string `json:"speaker_role"`
	SpeakerID   string `json:"speaker_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

type SharedContext struct {
	Status          string         `json:"status"`
	LastSpeaker     string         `json:"last_speaker"`
	OriginalRequest *ExtractedData `json:"original_request"`
}

// NewSharedConversation starts an active exchange between user and counterparty.
func NewSharedConversation(user, counterparty string, request *ExtractedData) *SharedConversation {
	return &SharedConversation{
		Participants: Participants{
			User:         user,
			Counterparty: counterparty,
			Agent:        SpeakerAgent,
		},
		ConversationHistory: []SharedEntry{},
		CurrentContext: SharedContext{
			Status:          "active",
			OriginalRequest: request,
		},
	}
}

// Append records an entry, drops the oldest entries beyond MaxSharedHistory
// and marks the speaker as the last one.
func (s *SharedConversation) Append(e SharedEntry) {
	if e.MessageType == "" {
		e.MessageType = "text"
	}
	s.ConversationHistory = append(s.ConversationHistory, e)
	if n := len(s.ConversationHistory); n > MaxSharedHistory {
		trimmed := make([]SharedEntry, MaxSharedHistory)
		copy(trimmed, s.ConversationHistory[n-MaxSharedHistory:])
		s.ConversationHistory = trimmed
	}
	s.CurrentContext.LastSpeaker = e.SpeakerRole
}

// CountByRole returns the number of logged entries per speaker role.
func (s *SharedConversation) CountByRole() map[string]int {
	counts := map[string]int{}
	for _, e := range s.ConversationHistory {
		counts[e.SpeakerRole]++
	}
	return counts
}

// Render formats the shared context as a text block for the relay agent.
func (s *SharedConversation) Render(lastN int) string {
	counts := s.CountByRole()
	lastSpeaker := s.CurrentContext.LastSpeaker
	if lastSpeaker == "" {
		lastSpeaker = "nenhum"
	}

	var b strings.Builder
	b.WriteString("CONTEXTO DA CONVERSA COMPARTILHADA\n")
	fmt.Fprintf(&b, "Participantes: usuário=%s, atendimento=%s, agente=%s\n",
		s.Participants.User, s.Participants.Counterparty, s.Participants.Agent)
	fmt.Fprintf(&b, "Status: %s\n", s.CurrentContext.Status)
	fmt.Fprintf(&b, "Último a falar: %s\n", lastSpeaker)
	fmt.Fprintf(&b, "Mensagens: usuário=%d, atendimento=%d, agente=%d\n",
		counts[SpeakerUser], counts[SpeakerCounterparty], counts[SpeakerAgent])

	history := s.ConversationHistory
	if lastN > 0 && len(history) > lastN {
		history = history[len(history)-lastN:]
	}
	if len(history) > 0 {
		b.WriteString("Últimas mensagens:\n")
		for _, e := range history {
			fmt.Fprintf(&b, "[%s] %s (%s): %s\n", e.Timestamp, e.SpeakerRole, e.SpeakerID, e.Message)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
