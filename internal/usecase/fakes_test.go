package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/domain"
	"wpp-relay/internal/integrations/paramstore"
	"wpp-relay/internal/repository"
)

const (
	userPhone         = "5511999999999"
	counterpartyPhone = "551130030000"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubLLM struct {
	mu           sync.Mutex
	extractions  []string
	extractErr   error
	relays       []domain.ChatMessage
	relayErr     error
	extractCalls [][]domain.ChatMessage
	relayCalls   [][]domain.ChatMessage
}

func (s *stubLLM) Extract(_ context.Context, messages []domain.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractCalls = append(s.extractCalls, messages)
	if s.extractErr != nil {
		return "", s.extractErr
	}
	if len(s.extractions) == 0 {
		return "", errors.New("stub: no extraction reply queued")
	}
	out := s.extractions[0]
	s.extractions = s.extractions[1:]
	return out, nil
}

func (s *stubLLM) Relay(_ context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayCalls = append(s.relayCalls, messages)
	if s.relayErr != nil {
		return domain.ChatMessage{}, s.relayErr
	}
	if len(s.relays) == 0 {
		return domain.ChatMessage{}, errors.New("stub: no relay reply queued")
	}
	out := s.relays[0]
	s.relays = s.relays[1:]
	return out, nil
}

type stubSender struct {
	mu   sync.Mutex
	sent []domain.Outbound
	err  error
}

func (s *stubSender) Deliver(_ context.Context, out domain.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	return s.err
}

func (s *stubSender) outbounds() []domain.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Outbound(nil), s.sent...)
}

type stubMedia struct {
	data map[string][]byte
	err  error
}

func (s *stubMedia) Download(_ context.Context, url string) ([]byte, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.data[url], "application/octet-stream", nil
}

type stubTranscriber struct {
	text string
	err  error
	got  string
}

func (s *stubTranscriber) Transcribe(_ context.Context, r io.Reader, filename string) (string, error) {
	b, _ := io.ReadAll(r)
	s.got = filename + ":" + string(b)
	return s.text, s.err
}

type stubRasterizer struct {
	pages []string
	err   error
}

func (s *stubRasterizer) Pages(_ context.Context, _ []byte) ([]string, error) {
	return s.pages, s.err
}

type stubParams map[string]string

func (s stubParams) GetParameter(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", paramstore.ErrNotFound, name)
}

type fixture struct {
	machine *Machine
	llm     *stubLLM
	sender  *stubSender
	outbox  *Outbox
	store   *repository.ConversationStore
	kv      *repository.MemoryStore
}

func newFixture(t *testing.T, opts ...MachineOption) *fixture {
	t.Helper()
	kv := repository.NewMemoryStore()
	store, err := repository.NewConversationStore(kv, 0, discardLogger())
	require.NoError(t, err)
	sender := &stubSender{}
	outbox, err := NewOutbox(sender, discardLogger(), nil)
	require.NoError(t, err)
	llm := &stubLLM{}

	opts = append([]MachineOption{WithLogger(discardLogger()), WithClock(func() time.Time { return fixedNow })}, opts...)
	m, err := NewMachine(llm, store, outbox, MachineConfig{CounterpartyPhone: counterpartyPhone}, opts...)
	require.NoError(t, err)
	return &fixture{machine: m, llm: llm, sender: sender, outbox: outbox, store: store, kv: kv}
}

func (f *fixture) load(t *testing.T, phone string) *domain.ConversationRecord {
	t.Helper()
	rec, err := f.store.Load(context.Background(), phone)
	require.NoError(t, err)
	return rec
}

func textFrom(phone, id, text string) domain.Event {
	return domain.Event{ID: id, Phone: phone, Payload: &domain.TextPayload{Message: text}}
}

func sendCall(id, to, message string) domain.ToolCall {
	return domain.ToolCall{ID: id, Type: "function", Function: domain.FunctionCall{
		Name:      sendMessageTool,
		Arguments: `{"message":"` + message + `","to":"` + to + `"}`,
	}}
}

const (
	anaFollowUp = `{"reasoning":["Extração: nome Ana Lima","Validação: identificador ausente"],` +
		`"validation_status":"follow-up","mensagem":"Por favor, informe o número do sinistro.",` +
		`"extracted_data":{"nome":"Ana Lima","CPF":"11122233344","telefone":"11999998888","problema":"sinistro","identificador":null}}`
	anaOK = `{"reasoning":[],"validation_status":"ok","mensagem":"",` +
		`"extracted_data":{"nome":"Ana Lima","CPF":"11122233344","telefone":"11999998888","problema":"sinistro","identificador":"SN-2033"}}`
	anaOKWithoutTicket = `{"reasoning":[],"validation_status":"ok","mensagem":"",` +
		`"extracted_data":{"nome":"Ana Lima","CPF":"11122233344","telefone":"11999998888","problema":"sinistro","identificador":null}}`
)
