package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"PARAM_PREFIX":       "/wpp",
		"STATE_TABLE":        "wpp-state",
		"COUNTERPARTY_PHONE": "5511888888888",
	}))
	require.NoError(t, err)
	require.Equal(t, "8000", cfg.Port)
	require.Equal(t, StoreDynamoDB, cfg.StoreBackend)
	require.True(t, cfg.BufferEnabled)
	require.Equal(t, 5*time.Second, cfg.DebounceDelay)
	require.Equal(t, 30*time.Second, cfg.ProcessingLockTTL)
	require.Equal(t, 300*time.Second, cfg.IdempotencyTTL)
	require.Zero(t, cfg.ConversationTTL)
	require.Equal(t, "Olá", cfg.CounterpartyOpeningMessage)
	require.Equal(t, []string{"nome", "CPF", "telefone", "problema", "identificador"}, cfg.RequiredFields)
	require.Equal(t, "gpt-4.1", cfg.OpenAIModel)
	require.Equal(t, 10, cfg.MaxPDFPages)
	require.Equal(t, 5.0, cfg.SendRatePerSecond)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"PARAM_PREFIX":       "/wpp",
		"STORE_BACKEND":      "Memory",
		"COUNTERPARTY_PHONE": "5511",
		"BUFFER_ENABLED":     "false",
		"DEBOUNCE_DELAY":     "2",
		"BUFFER_GRACE":       "1500ms",
		"REQUIRED_FIELDS":    " nome, CPF ,,telefone",
		"LOG_LEVEL":          "debug",
		"MAX_PDF_PAGES":      "3",
	}))
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.StoreBackend)
	require.False(t, cfg.BufferEnabled)
	require.Equal(t, 2*time.Second, cfg.DebounceDelay)
	require.Equal(t, 1500*time.Millisecond, cfg.BufferGrace)
	require.Equal(t, []string{"nome", "CPF", "telefone"}, cfg.RequiredFields)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, 3, cfg.MaxPDFPages)
}

func TestFromLookup_CollectsErrors(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{
		"MAX_PDF_PAGES":  "ten",
		"BUFFER_ENABLED": "maybe",
	}))
	require.Error(t, err)
	for _, want := range []string{"PARAM_PREFIX is required", "COUNTERPARTY_PHONE is required", "STATE_TABLE is required", "MAX_PDF_PAGES", "BUFFER_ENABLED"} {
		require.Contains(t, err.Error(), want)
	}
}

func TestFromLookup_UnknownBackend(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{
		"PARAM_PREFIX": "/wpp", "COUNTERPARTY_PHONE": "1", "STORE_BACKEND": "redis",
	}))
	require.ErrorContains(t, err, "STORE_BACKEND")
}
