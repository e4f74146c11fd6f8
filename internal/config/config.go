// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

type Config struct {
	Port          string
	StateTable    string
	ParamPrefix   string
	StoreBackend  string
	BufferEnabled bool

	DebounceDelay     time.Duration
	BufferGrace       time.Duration
	ProcessingLockTTL time.Duration
	IdempotencyTTL    time.Duration
	ConversationTTL   time.Duration

	CounterpartyPhone          string
	CounterpartyOpeningMessage string
	RequiredFields             []string

	OpenAIModel              string
	OpenAITranscriptionModel string
	OpenAIBaseURL            string
	ZAPIBaseURL              string

	MaxPDFPages       int
	PDFToPPMPath      string
	SendRatePerSecond float64
	LogLevel          slog.Level
}

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Port:          e.str("PORT", "8000"),
		StateTable:    e.str("STATE_TABLE", ""),
		ParamPrefix:   e.required("PARAM_PREFIX"),
		StoreBackend:  strings.ToLower(e.str("STORE_BACKEND", StoreDynamoDB)),
		BufferEnabled: e.boolean("BUFFER_ENABLED", true),

		DebounceDelay:     e.duration("DEBOUNCE_DELAY", 5*time.Second),
		BufferGrace:       e.duration("BUFFER_GRACE", 5*time.Second),
		ProcessingLockTTL: e.duration("PROCESSING_LOCK_TTL", 30*time.Second),
		IdempotencyTTL:    e.duration("IDEMPOTENCY_TTL", 300*time.Second),
		ConversationTTL:   e.duration("CONVERSATION_TTL", 0),

		CounterpartyPhone:          e.required("COUNTERPARTY_PHONE"),
		CounterpartyOpeningMessage: e.str("COUNTERPARTY_OPENING_MESSAGE", "Olá"),
		RequiredFields:             e.list("REQUIRED_FIELDS", []string{"nome", "CPF", "telefone", "problema", "identificador"}),

		OpenAIModel:              e.str("OPENAI_MODEL", "gpt-4.1"),
		OpenAITranscriptionModel: e.str("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
		OpenAIBaseURL:            e.str("OPENAI_BASE_URL", ""),
		ZAPIBaseURL:              e.str("ZAPI_BASE_URL", ""),

		MaxPDFPages:       e.integer("MAX_PDF_PAGES", 10),
		PDFToPPMPath:      e.str("PDFTOPPM_PATH", "pdftoppm"),
		SendRatePerSecond: e.number("SEND_RATE_PER_SECOND", 5),
		LogLevel:          e.level("LOG_LEVEL", slog.LevelInfo),
	}

	switch cfg.StoreBackend {
	case StoreDynamoDB:
		if cfg.StateTable == "" {
			e.errs = append(e.errs, errors.New("STATE_TABLE is required when STORE_BACKEND=dynamodb"))
		}
	case StoreMemory:
	default:
		e.errs = append(e.errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreDynamoDB, StoreMemory, cfg.StoreBackend))
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) string {
	v, _ := e.lookup(key)
	return strings.TrimSpace(v)
}

func (e *env) str(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e *env) required(key string) string {
	v := e.get(key)
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("%s is required", key))
	}
	return v
}

func (e *env) integer(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := e.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := e.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("5s") or bare seconds ("5").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := e.get(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := e.get(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return lvl
}
