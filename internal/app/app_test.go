package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"

	"wpp-relay/internal/config"
	"wpp-relay/internal/repository"
)

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	base := map[string]string{
		"PARAM_PREFIX":       "/wpp-relay/test",
		"COUNTERPARTY_PHONE": "551130030000",
		"STORE_BACKEND":      "memory",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.FromLookup(func(k string) (string, bool) {
		v, ok := base[k]
		return v, ok
	})
	require.NoError(t, err)
	return cfg
}

func build(t *testing.T, env map[string]string) *App {
	t.Helper()
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	a, err := Build(context.Background(), testConfig(t, env), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func TestBuild_MemoryBackendWithBuffer(t *testing.T) {
	a := build(t, nil)
	require.IsType(t, &repository.MemoryStore{}, a.Store)
	require.NotNil(t, a.Buffer)
	require.NotNil(t, a.Handler)
	require.NoError(t, a.Close(context.Background()))
}

func TestBuild_BufferDisabled(t *testing.T) {
	a := build(t, map[string]string{"BUFFER_ENABLED": "false"})
	require.Nil(t, a.Buffer)
	require.NoError(t, a.Close(context.Background()))
}

func TestRouter(t *testing.T) {
	a := build(t, map[string]string{"BUFFER_ENABLED": "false"})
	router := a.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	a.Metrics.RecordDuplicate()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "events_duplicate_total")
}

func TestNewStore_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.StoreBackend = "redis"
	_, err := NewStore(aws.Config{}, cfg)
	require.ErrorContains(t, err, "unknown store backend")
}
