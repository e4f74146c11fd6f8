package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wpp-relay/internal/domain"
	"wpp-relay/internal/integrations/paramstore"
	"wpp-relay/internal/metrics"
)

const (
	defaultMaxPDFPages    = 10
	defaultOpeningMessage = "Olá"
	sharedContextLines    = 10
)

// DefaultRequiredFields are the intake fields an ok extraction must carry.
var DefaultRequiredFields = []string{"nome", "CPF", "telefone", "problema", "identificador"}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Extract(ctx context.Context, messages []domain.ChatMessage) (string, error)
	Relay(ctx context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, r io.Reader, filename string) (string, error)
}

type MediaFetcher interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type PDFRasterizer interface {
	Pages(ctx context.Context, doc []byte) ([]string, error)
}

type ConversationRepository interface {
	Load(ctx context.Context, phone string) (*domain.ConversationRecord, error)
	Save(ctx context.Context, rec *domain.ConversationRecord) error
}

type MachineConfig struct {
	// CounterpartyPhone is the well-known support line the relay step talks to.
	CounterpartyPhone string
	OpeningMessage    string
	RequiredFields    []string
	MaxPDFPages       int
	// ParamPrefix locates optional prompt overrides; empty disables them.
	ParamPrefix string
}

// Machine drives a sender's conversation through the extraction and relay steps.
type Machine struct {
	llm         LLMClient
	store       ConversationRepository
	outbox      *Outbox
	params      ParamGetter
	media       MediaFetcher
	transcriber Transcriber
	pdf         PDFRasterizer
	cfg         MachineConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	cacheMu          sync.RWMutex
	cacheLoaded      bool
	extractionPrompt string
	relayPrompt      string
}

type MachineOption func(*Machine)

func WithParams(p ParamGetter) MachineOption {
	return func(m *Machine) { m.params = p }
}

// WithMedia enables audio transcription and PDF rasterization. Any nil
// argument leaves the corresponding feature disabled.
func WithMedia(f MediaFetcher, t Transcriber, r PDFRasterizer) MachineOption {
	return func(m *Machine) {
		m.media = f
		m.transcriber = t
		m.pdf = r
	}
}

func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = mt }
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(llm LLMClient, store ConversationRepository, outbox *Outbox, cfg MachineConfig, opts ...MachineOption) (*Machine, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if outbox == nil {
		return nil, errors.New("usecase: outbox must not be nil")
	}
	cfg.CounterpartyPhone = strings.TrimSpace(cfg.CounterpartyPhone)
	if cfg.CounterpartyPhone == "" {
		return nil, errors.New("usecase: counterparty phone must not be empty")
	}
	if strings.TrimSpace(cfg.OpeningMessage) == "" {
		cfg.OpeningMessage = defaultOpeningMessage
	}
	if cfg.RequiredFields == nil {
		cfg.RequiredFields = DefaultRequiredFields
	}
	if cfg.MaxPDFPages <= 0 {
		cfg.MaxPDFPages = defaultMaxPDFPages
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")

	m := &Machine{
		llm:    llm,
		store:  store,
		outbox: outbox,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HandleEvent runs one inbound event through the sender's current step and
// returns the replies for the sender. Relay-step sends are dispatched while
// the turn runs and are not part of the result. Model, store and input
// failures are absorbed into notices; only a malformed event is an error.
//
// aux carries special entries coalesced with ev; their content blocks are
// added to the history ahead of ev's text.
func (m *Machine) HandleEvent(ctx context.Context, ev domain.Event, aux ...domain.Event) ([]domain.Outbound, error) {
	phone := strings.TrimSpace(ev.Phone)
	if phone == "" {
		return nil, newError(ErrorInvalidInput, "missing_phone", nil)
	}
	if err := m.ensureConfig(ctx); err != nil {
		m.logger.Warn("prompt overrides unavailable, using built-in prompts", "err", err)
	}

	rec, err := m.store.Load(ctx, phone)
	if err != nil {
		m.logger.Error("failed to load conversation", "phone", phone, "err", newError(ErrorStore, "load", err))
		return []domain.Outbound{domain.Text(phone, NoticeInternalError)}, nil
	}
	m.seed(rec)

	var replies []domain.Outbound
	var turns []domain.ChatMessage
	for _, a := range aux {
		if !carriesContent(a.Kind()) {
			continue
		}
		n := m.normalize(ctx, a)
		if n.Notice != "" {
			replies = append(replies, domain.Text(phone, n.Notice))
			continue
		}
		turns = append(turns, n.Turns...)
	}

	n := m.normalize(ctx, ev)
	if n.Notice != "" {
		m.logger.Info("input not accepted", "phone", phone, "kind", ev.Kind(), "notice", n.Notice)
		replies = append(replies, domain.Text(phone, n.Notice))
		if len(turns) > 0 {
			m.appendTurns(rec, turns)
			_ = m.save(ctx, rec)
		}
		return replies, nil
	}
	turns = append(turns, n.Turns...)
	m.appendTurns(rec, turns)

	text := strings.TrimSpace(n.Text)
	if text == "" {
		if len(turns) > 0 {
			_ = m.save(ctx, rec)
		}
		return replies, nil
	}

	if rec.Relaying() {
		replies = append(replies, m.relay(ctx, rec, phone, text)...)
		_ = m.save(ctx, rec)
		return replies, nil
	}

	replies = append(replies, m.extract(ctx, rec, text)...)
	if err := m.save(ctx, rec); err != nil {
		// Nothing has been sent yet; the stored record is still the pre-turn one.
		return []domain.Outbound{domain.Text(phone, NoticeInternalError)}, nil
	}
	if rec.Relaying() {
		m.mirrorCounterparty(ctx, rec)
	}
	return replies, nil
}

// seed starts the active history with its system context when empty.
func (m *Machine) seed(rec *domain.ConversationRecord) {
	if rec.Relaying() {
		if len(rec.ChatHistory2) == 0 {
			rec.ChatHistory2 = m.relaySeed(rec)
		}
		return
	}
	if len(rec.ChatHistory) == 0 {
		rec.ChatHistory = []domain.ChatMessage{domain.TextMessage(domain.RoleSystem, m.prompts().extraction)}
	}
}

func (m *Machine) appendTurns(rec *domain.ConversationRecord, turns []domain.ChatMessage) {
	if len(turns) == 0 {
		return
	}
	if rec.Relaying() {
		rec.ChatHistory2 = append(rec.ChatHistory2, turns...)
		return
	}
	rec.ChatHistory = append(rec.ChatHistory, turns...)
}

func (m *Machine) save(ctx context.Context, rec *domain.ConversationRecord) error {
	if err := m.store.Save(ctx, rec); err != nil {
		err = newError(ErrorStore, "save", err)
		m.logger.Error("failed to save conversation", "phone", rec.Phone, "err", err)
		return err
	}
	return nil
}

type promptSet struct {
	extraction string
	relay      string
}

func (m *Machine) prompts() promptSet {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	p := promptSet{extraction: m.extractionPrompt, relay: m.relayPrompt}
	if p.extraction == "" {
		p.extraction = defaultExtractionPrompt()
	}
	if p.relay == "" {
		p.relay = defaultRelayPrompt()
	}
	return p
}

func (m *Machine) ensureConfig(ctx context.Context) error {
	m.cacheMu.RLock()
	if m.cacheLoaded {
		m.cacheMu.RUnlock()
		return nil
	}
	m.cacheMu.RUnlock()

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cacheLoaded {
		return nil
	}
	if m.params == nil || m.cfg.ParamPrefix == "" {
		m.cacheLoaded = true
		return nil
	}

	extraction, _, err := paramstore.GetOptional(ctx, m.params, m.cfg.ParamPrefix+"/prompts/extraction")
	if err != nil {
		return fmt.Errorf("usecase: load extraction prompt: %w", err)
	}
	relay, _, err := paramstore.GetOptional(ctx, m.params, m.cfg.ParamPrefix+"/prompts/relay")
	if err != nil {
		return fmt.Errorf("usecase: load relay prompt: %w", err)
	}
	m.extractionPrompt = strings.TrimSpace(extraction)
	m.relayPrompt = strings.TrimSpace(relay)
	m.cacheLoaded = true
	return nil
}

var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("wpp-relay:conversation"))

// ConversationID derives a stable identifier for the exchange between two
// phones, independent of their order.
func ConversationID(a, b string) string {
	phones := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(phones)
	return uuid.NewSHA1(conversationNamespace, []byte(strings.Join(phones, ":"))).String()
}
