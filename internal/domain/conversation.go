package domain

import "time"

// Step is the conversation state: extraction (1) or relay (2).
type Step int

const (
	StepExtracting Step = 1
	StepRelaying   Step = 2
)

// ExtractedData is the structured intake payload produced by the extraction step.
type ExtractedData struct {
	Nome          string  `json:"nome"`
	CPF           string  `json:"CPF"`
	Telefone      string  `json:"telefone"`
	Problema      string  `json:"problema"`
	Identificador *string `json:"identificador"`
}

// Field returns the value of a named field ("nome", "CPF", ...), empty when unset.
func (d ExtractedData) Field(name string) string {
	switch name {
	case "nome":
		return d.Nome
	case "CPF", "cpf":
		return d.CPF
	case "telefone":
		return d.Telefone
	case "problema":
		return d.Problema
	case "identificador":
		if d.Identificador == nil {
			return ""
		}
		return *d.Identificador
	default:
		return ""
	}
}

// ConversationRecord is the per-sender state kept in the external store.
type ConversationRecord struct {
	// Phone is the sender key the record was loaded from; it is not persisted as a field.
	Phone string

	ChatHistory        []ChatMessage
	ChatHistory2       []ChatMessage
	Step               Step
	Data               *ExtractedData
	UserPhone          string
	CounterpartyPhone  string
	ConversationID     string
	SharedConversation *SharedConversation
	LastUpdated        time.Time
}

// NewConversationRecord returns an empty record in the extraction step.
func NewConversationRecord(phone string) *ConversationRecord {
	return &ConversationRecord{Phone: phone, Step: StepExtracting}
}

func (r *ConversationRecord) Relaying() bool {
	return r.Step == StepRelaying
}
