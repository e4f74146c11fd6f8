package usecase

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"wpp-relay/internal/domain"
)

const (
	placeholderAudio = "[Mensagem de áudio]"
	labelImage       = "[Imagem recebida]"
	labelVideo       = "[Vídeo recebido]"
	labelLocation    = "[Localização recebida]"
	labelContact     = "[Contato recebido]"
	labelPayment     = "[Pagamento recebido]"
	labelReaction    = "[Reação]"
)

// normalized is an event reduced to what the conversation steps consume:
// history turns added as-is, text for the model, or a notice that ends the
// turn without touching history.
type normalized struct {
	Text   string
	Turns  []domain.ChatMessage
	Notice string
}

// normalize turns a payload into text and history turns. Media is fetched
// here: audio is transcribed and PDFs are rasterized.
func (m *Machine) normalize(ctx context.Context, ev domain.Event) normalized {
	switch p := ev.Payload.(type) {
	case *domain.TextPayload:
		return normalized{Text: p.Message}
	case *domain.ImagePayload:
		return normalized{Text: p.Caption, Turns: []domain.ChatMessage{imageTurn(p.ImageURL, p.Caption)}}
	case *domain.AudioPayload:
		return normalized{Text: m.transcribe(ctx, ev.Phone, p)}
	case *domain.VideoPayload:
		return normalized{Text: p.Caption, Turns: []domain.ChatMessage{historyLine(labelVideo, p.Caption)}}
	case *domain.DocumentPayload:
		return m.normalizeDocument(ctx, ev.Phone, p)
	case *domain.LocationPayload:
		return normalized{Turns: []domain.ChatMessage{historyLine(labelLocation,
			strconv.FormatFloat(p.Latitude, 'f', -1, 64)+", "+strconv.FormatFloat(p.Longitude, 'f', -1, 64))}}
	case *domain.ContactPayload:
		return normalized{Turns: []domain.ChatMessage{historyLine(labelContact, joinNonEmpty(" - ", p.Name, p.Phone))}}
	case *domain.PaymentPayload:
		return normalized{Turns: []domain.ChatMessage{historyLine(labelPayment,
			joinNonEmpty(" ", strconv.FormatInt(p.Value, 10), p.CurrencyCode, p.Status, p.TransactionStatus))}}
	case *domain.ReactionPayload:
		return normalized{Turns: []domain.ChatMessage{historyLine(labelReaction, p.Value)}}
	case *domain.ButtonResponsePayload, *domain.ButtonReplyPayload,
		*domain.InteractivePayload, *domain.ListMessagePayload:
		return normalized{Text: InputText(ev)}
	case nil:
		m.logger.Info("event without a supported message kind", "phone", ev.Phone, "message_id", ev.ID)
		return normalized{}
	default:
		panic(fmt.Sprintf("usecase: unhandled payload %T", p))
	}
}

// InputText is the text an event contributes to a coalesced batch. It does
// no I/O: audio is represented by a placeholder and media by its caption.
func InputText(ev domain.Event) string {
	switch p := ev.Payload.(type) {
	case *domain.TextPayload:
		return strings.TrimSpace(p.Message)
	case *domain.ImagePayload:
		return strings.TrimSpace(p.Caption)
	case *domain.AudioPayload:
		return placeholderAudio
	case *domain.VideoPayload:
		return strings.TrimSpace(p.Caption)
	case *domain.DocumentPayload:
		return strings.TrimSpace(p.Caption)
	case *domain.ButtonResponsePayload:
		return buttonLine(p.ButtonID, p.Message)
	case *domain.ButtonReplyPayload:
		return buttonLine(p.ButtonID, p.Message)
	case *domain.InteractivePayload:
		return interactiveText(p)
	case *domain.ListMessagePayload:
		return listMessageText(p)
	case *domain.LocationPayload, *domain.ContactPayload,
		*domain.PaymentPayload, *domain.ReactionPayload, nil:
		return ""
	default:
		panic(fmt.Sprintf("usecase: unhandled payload %T", p))
	}
}

// isSpecial reports whether kind keeps structured content beyond its text.
func isSpecial(kind domain.Kind) bool {
	switch kind {
	case domain.KindImage, domain.KindDocument, domain.KindAudio, domain.KindVideo,
		domain.KindButtonResponse, domain.KindButtonReply, domain.KindInteractive, domain.KindListMessage:
		return true
	}
	return false
}

// carriesContent reports whether kind adds content blocks to history on its own.
func carriesContent(kind domain.Kind) bool {
	return kind == domain.KindImage || kind == domain.KindDocument
}

func (m *Machine) normalizeDocument(ctx context.Context, phone string, p *domain.DocumentPayload) normalized {
	mime := strings.ToLower(p.MimeType)
	switch {
	case strings.Contains(mime, "image"):
		return normalized{Text: p.Caption, Turns: []domain.ChatMessage{imageTurn(p.DocumentURL, p.Caption)}}
	case strings.Contains(mime, "pdf"):
		if p.PageCount > m.cfg.MaxPDFPages {
			return normalized{Notice: noticePageLimit(m.cfg.MaxPDFPages)}
		}
		pages, err := m.rasterize(ctx, p.DocumentURL)
		if err != nil {
			m.logger.Error("failed to rasterize document", "phone", phone, "file", p.FileName, "err", err)
			return normalized{Notice: NoticeInternalError}
		}
		// The reported page count can be missing or wrong.
		if len(pages) > m.cfg.MaxPDFPages {
			return normalized{Notice: noticePageLimit(m.cfg.MaxPDFPages)}
		}
		turns := make([]domain.ChatMessage, 0, len(pages))
		for _, page := range pages {
			turns = append(turns, imageTurn(page, p.Caption))
		}
		return normalized{Text: p.Caption, Turns: turns}
	default:
		return normalized{Notice: NoticeUnsupportedDocument}
	}
}

func (m *Machine) rasterize(ctx context.Context, url string) ([]string, error) {
	if m.media == nil || m.pdf == nil {
		return nil, fmt.Errorf("usecase: pdf rendering is not configured")
	}
	doc, _, err := m.media.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return m.pdf.Pages(ctx, doc)
}

func (m *Machine) transcribe(ctx context.Context, phone string, p *domain.AudioPayload) string {
	if m.media == nil || m.transcriber == nil {
		return placeholderAudio
	}
	audio, _, err := m.media.Download(ctx, p.AudioURL)
	if err != nil {
		m.logger.Warn("failed to download audio", "phone", phone, "err", err)
		return placeholderAudio
	}
	text, err := m.transcriber.Transcribe(ctx, bytes.NewReader(audio), audioFileName(p))
	if err != nil {
		m.metrics.RecordModelFailure("transcription")
		m.logger.Warn("failed to transcribe audio", "phone", phone, "err", modelError("transcription", err))
		return placeholderAudio
	}
	if strings.TrimSpace(text) == "" {
		return placeholderAudio
	}
	return text
}

// audioFileName picks an extension the transcription API accepts.
func audioFileName(p *domain.AudioPayload) string {
	ext := path.Ext(strings.SplitN(p.AudioURL, "?", 2)[0])
	switch {
	case ext != "":
	case strings.Contains(p.MimeType, "mpeg"):
		ext = ".mp3"
	case strings.Contains(p.MimeType, "mp4"):
		ext = ".m4a"
	default:
		ext = ".ogg"
	}
	return "audio" + ext
}

func imageTurn(url, caption string) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleUser, Parts: []domain.ContentPart{
		{Type: "text", Text: labelled(labelImage, caption)},
		{Type: "image_url", ImageURL: &domain.ImageURL{URL: url, Detail: "high"}},
	}}
}

func historyLine(label, detail string) domain.ChatMessage {
	return domain.TextMessage(domain.RoleUser, labelled(label, detail))
}

func labelled(label, detail string) string {
	if detail = strings.TrimSpace(detail); detail == "" {
		return label
	}
	return label + ": " + detail
}

func buttonLine(id, label string) string {
	return "Botão selecionado: " + joinNonEmpty(" - ", id, label)
}

func interactiveText(p *domain.InteractivePayload) string {
	if p.ListReply != nil {
		line := "Seleção da lista: " + p.ListReply.Title
		if p.ListReply.Description != "" {
			line += " - " + p.ListReply.Description
		}
		if p.ListReply.ID != "" {
			line += " (ID: " + p.ListReply.ID + ")"
		}
		return line
	}
	if p.Body != nil {
		return strings.TrimSpace(p.Body.Text)
	}
	return ""
}

func listMessageText(p *domain.ListMessagePayload) string {
	var parts []string
	add := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("MENSAGEM", p.Description)
	add("TÍTULO", p.Title)
	add("BOTÃO", p.ButtonText)
	add("RODAPÉ", p.FooterText)

	var options []string
	for _, s := range p.Sections {
		var b strings.Builder
		if s.Title != "" {
			b.WriteString("SEÇÃO: " + s.Title + ", ")
		}
		rows := make([]string, 0, len(s.Options))
		for _, o := range s.Options {
			row := "[" + o.Title + "](" + o.RowID + ")"
			if o.Description != "" {
				row += " - " + o.Description
			}
			rows = append(rows, row)
		}
		b.WriteString(strings.Join(rows, ", "))
		options = append(options, b.String())
	}
	if len(options) > 0 {
		parts = append(parts, "OPÇÕES: "+strings.Join(options, "; "))
	}
	return strings.Join(parts, " | ")
}

func joinNonEmpty(sep string, values ...string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, sep)
}
