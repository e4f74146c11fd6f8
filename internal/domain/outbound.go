package domain

// OutboundKind selects the send capability used for an Outbound.
type OutboundKind string

const (
	OutboundText          OutboundKind = "message"
	OutboundImage         OutboundKind = "image"
	OutboundButtonList    OutboundKind = "button_list"
	OutboundButtonActions OutboundKind = "button_action"
)

// Outbound is a message the core wants delivered to a phone.
type Outbound struct {
	Kind    OutboundKind
	To      string
	Text    string
	Image   string
	Buttons []string
	Actions []ButtonAction
}

type ButtonAction struct {
	Label string `json:"label"`
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
}

// Text builds a plain text Outbound.
func Text(to, text string) Outbound {
	return Outbound{Kind: OutboundText, To: to, Text: text}
}

// RelayAction is the only effect the relay agent may request: send Message to To.
type RelayAction struct {
	To      string `json:"to"`
	Message string `json:"message"`
}
