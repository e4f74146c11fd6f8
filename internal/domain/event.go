package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NotificationRevoke marks a deleted-message notification.
const NotificationRevoke = "REVOKE"

// Event is one inbound webhook delivery. Payload holds exactly one message kind.
type Event struct {
	ID           string
	Phone        string
	SenderName   string
	IsGroup      bool
	FromMe       bool
	Notification string
	Moment       int64
	Payload      Payload

	// Raw is the original webhook body, kept for buffering.
	Raw json.RawMessage
}

// Kind reports the payload kind, KindUnknown when no message field is populated.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// FirstName returns the first word of the sender name.
func (e Event) FirstName() string {
	for i, r := range e.SenderName {
		if r == ' ' {
			return e.SenderName[:i]
		}
	}
	return e.SenderName
}

// WithText returns a copy of e whose payload is replaced by a text message.
func (e Event) WithText(text string) Event {
	e.Payload = &TextPayload{Message: text}
	e.Raw = nil
	return e
}

type Kind string

const (
	KindText           Kind = "text"
	KindImage          Kind = "image"
	KindAudio          Kind = "audio"
	KindVideo          Kind = "video"
	KindDocument       Kind = "document"
	KindLocation       Kind = "location"
	KindContact        Kind = "contact"
	KindPayment        Kind = "payment"
	KindButtonResponse Kind = "buttonsResponseMessage"
	KindButtonReply    Kind = "buttonReply"
	KindInteractive    Kind = "interactive"
	KindListMessage    Kind = "listMessage"
	KindReaction       Kind = "reaction"
	KindUnknown        Kind = "unknown"
)

// Payload is the sealed set of inbound message kinds.
type Payload interface {
	Kind() Kind
	sealed()
}

type TextPayload struct {
	Message string `json:"message"`
}

type ImagePayload struct {
	MimeType string `json:"mimeType"`
	ImageURL string `json:"imageUrl"`
	Caption  string `json:"caption"`
}

type AudioPayload struct {
	MimeType string `json:"mimeType"`
	AudioURL string `json:"audioUrl"`
	Seconds  int    `json:"seconds"`
}

type VideoPayload struct {
	MimeType string `json:"mimeType"`
	VideoURL string `json:"videoUrl"`
	Caption  string `json:"caption"`
}

type DocumentPayload struct {
	MimeType    string `json:"mimeType"`
	DocumentURL string `json:"documentUrl"`
	Caption     string `json:"caption"`
	FileName    string `json:"fileName"`
	PageCount   int    `json:"pageCount"`
	Title       string `json:"title"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ContactPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PaymentPayload struct {
	Value             int64  `json:"value"`
	CurrencyCode      string `json:"currencyCode"`
	Status            string `json:"status"`
	TransactionStatus string `json:"transactionStatus"`
}

// ButtonResponsePayload is a selection from a button list we sent.
type ButtonResponsePayload struct {
	ButtonID string `json:"buttonId"`
	Message  string `json:"message"`
}

// ButtonReplyPayload is a press on a button action we sent.
type ButtonReplyPayload struct {
	ButtonID           string `json:"buttonId"`
	Message            string `json:"message"`
	ReferenceMessageID string `json:"referenceMessageId"`
}

type InteractivePayload struct {
	Type      string              `json:"type"`
	Body      *InteractiveText    `json:"body,omitempty"`
	Action    *InteractiveAction  `json:"action,omitempty"`
	ListReply *InteractiveListRow `json:"list_reply,omitempty"`
}

type InteractiveText struct {
	Text string `json:"text"`
}

type InteractiveAction struct {
	Buttons  []InteractiveButton  `json:"buttons,omitempty"`
	Sections []InteractiveSection `json:"sections,omitempty"`
}

type InteractiveButton struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type,omitempty"`
}

type InteractiveSection struct {
	Title string           `json:"title"`
	Rows  []map[string]any `json:"rows"`
}

type InteractiveListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListMessagePayload is a list menu sent to us, typically by another bot.
type ListMessagePayload struct {
	Description string               `json:"description"`
	FooterText  string               `json:"footerText,omitempty"`
	Title       string               `json:"title,omitempty"`
	ButtonText  string               `json:"buttonText"`
	Sections    []ListMessageSection `json:"sections"`
}

type ListMessageSection struct {
	Title   string              `json:"title,omitempty"`
	Options []ListMessageOption `json:"options"`
}

type ListMessageOption struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	RowID       string `json:"rowId"`
}

type ReactionPayload struct {
	Value              string `json:"value"`
	ReferenceMessageID string `json:"-"`
}

func (*TextPayload) Kind() Kind           { return KindText }
func (*ImagePayload) Kind() Kind          { return KindImage }
func (*AudioPayload) Kind() Kind          { return KindAudio }
func (*VideoPayload) Kind() Kind          { return KindVideo }
func (*DocumentPayload) Kind() Kind       { return KindDocument }
func (*LocationPayload) Kind() Kind       { return KindLocation }
func (*ContactPayload) Kind() Kind        { return KindContact }
func (*PaymentPayload) Kind() Kind        { return KindPayment }
func (*ButtonResponsePayload) Kind() Kind { return KindButtonResponse }
func (*ButtonReplyPayload) Kind() Kind    { return KindButtonReply }
func (*InteractivePayload) Kind() Kind    { return KindInteractive }
func (*ListMessagePayload) Kind() Kind    { return KindListMessage }
func (*ReactionPayload) Kind() Kind       { return KindReaction }

func (*TextPayload) sealed()           {}
func (*ImagePayload) sealed()          {}
func (*AudioPayload) sealed()          {}
func (*VideoPayload) sealed()          {}
func (*DocumentPayload) sealed()       {}
func (*LocationPayload) sealed()       {}
func (*ContactPayload) sealed()        {}
func (*PaymentPayload) sealed()        {}
func (*ButtonResponsePayload) sealed() {}
func (*ButtonReplyPayload) sealed()    {}
func (*InteractivePayload) sealed()    {}
func (*ListMessagePayload) sealed()    {}
func (*ReactionPayload) sealed()       {}

// wirePayload is the Z-API webhook body.
type wirePayload struct {
	MessageID    string `json:"messageId"`
	Phone        string `json:"phone"`
	SenderName   string `json:"senderName"`
	IsGroup      bool   `json:"isGroup"`
	FromMe       bool   `json:"fromMe"`
	Notification string `json:"notification"`
	Moment       int64  `json:"momment"`

	Text                   *TextPayload           `json:"text"`
	Image                  *ImagePayload          `json:"image"`
	Audio                  *AudioPayload          `json:"audio"`
	Video                  *VideoPayload          `json:"video"`
	Document               *DocumentPayload       `json:"document"`
	Location               *LocationPayload       `json:"location"`
	Contact                *ContactPayload        `json:"contact"`
	Reaction               *wireReaction          `json:"reaction"`
	Payment                *PaymentPayload        `json:"payment"`
	ButtonsResponseMessage *ButtonResponsePayload `json:"buttonsResponseMessage"`
	ButtonReply            *ButtonReplyPayload    `json:"buttonReply"`
	Interactive            *InteractivePayload    `json:"interactive"`
	ListMessage            *ListMessagePayload    `json:"listMessage"`
}

type wireReaction struct {
	Value             string `json:"value"`
	ReferencedMessage *struct {
		MessageID string `json:"messageId"`
	} `json:"referencedMessage"`
}

// ParseEvent decodes a webhook body. Message kinds are resolved in the
// platform's precedence order; a body with none of them yields KindUnknown.
func ParseEvent(raw []byte) (Event, error) {
	if len(raw) == 0 {
		return Event{}, errors.New("domain: empty webhook body")
	}
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("domain: decode webhook: %w", err)
	}

	ev := Event{
		ID:           w.MessageID,
		Phone:        w.Phone,
		SenderName:   w.SenderName,
		IsGroup:      w.IsGroup,
		FromMe:       w.FromMe,
		Notification: w.Notification,
		Moment:       w.Moment,
		Raw:          append(json.RawMessage(nil), raw...),
	}

	switch {
	case w.Text != nil && w.Text.Message != "":
		ev.Payload = w.Text
	case w.Image != nil:
		ev.Payload = w.Image
	case w.Audio != nil:
		ev.Payload = w.Audio
	case w.Video != nil:
		ev.Payload = w.Video
	case w.Document != nil:
		ev.Payload = w.Document
	case w.Location != nil:
		ev.Payload = w.Location
	case w.Contact != nil:
		ev.Payload = w.Contact
	case w.Reaction != nil:
		r := &ReactionPayload{Value: w.Reaction.Value}
		if w.Reaction.ReferencedMessage != nil {
			r.ReferenceMessageID = w.Reaction.ReferencedMessage.MessageID
		}
		ev.Payload = r
	case w.Payment != nil:
		ev.Payload = w.Payment
	case w.ButtonsResponseMessage != nil:
		ev.Payload = w.ButtonsResponseMessage
	case w.ButtonReply != nil:
		ev.Payload = w.ButtonReply
	case w.Interactive != nil:
		ev.Payload = w.Interactive
	case w.ListMessage != nil:
		ev.Payload = w.ListMessage
	}
	return ev, nil
}

// BufferEntry is one queued raw event awaiting coalesced processing.
type BufferEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
}
