package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/repository"
)

func runCLI(t *testing.T, kv repository.Store, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd(func(_ context.Context, table string) (repository.Store, error) {
		require.Equal(t, "wpp-state", table)
		return kv, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--table", "wpp-state"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seeded(t *testing.T) *repository.MemoryStore {
	t.Helper()
	ctx := context.Background()
	kv := repository.NewMemoryStore()
	require.NoError(t, kv.Put(ctx, repository.ConversationKey("111"), map[string]string{
		"chat_history": `[{"role":"user","content":"oi"}]`, "step": "1",
	}, 0))
	require.NoError(t, kv.Put(ctx, repository.ConversationKey("222"), map[string]string{
		"chat_history": `[{"role":"robot","content":"oi"}]`, "step": "2",
	}, 0))
	return kv
}

func TestCheck(t *testing.T) {
	kv := seeded(t)

	out, err := runCLI(t, kv, "check")
	require.NoError(t, err)
	require.Contains(t, out, "OK       111")
	require.Contains(t, out, "CORRUPT  222")
	require.Contains(t, out, `chat_history: message 0 has invalid role "robot"`)
	require.Contains(t, out, "2 conversations checked, 1 corrupted")

	out, err = runCLI(t, kv, "check", "--clear-corrupted")
	require.NoError(t, err)
	require.Contains(t, out, "CLEARED  222")
	ok, err := kv.Exists(context.Background(), repository.ConversationKey("222"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInspect(t *testing.T) {
	kv := seeded(t)

	out, err := runCLI(t, kv, "inspect", "111")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, float64(1), got["step"])
	require.Len(t, got["chat_history"], 1)

	_, err = runCLI(t, kv, "inspect", "999")
	require.ErrorContains(t, err, "no conversation stored for 999")
}

func TestReset(t *testing.T) {
	kv := seeded(t)

	out, err := runCLI(t, kv, "reset", "111")
	require.NoError(t, err)
	require.Contains(t, out, "conversation 111 reset")
	ok, err := kv.Exists(context.Background(), repository.ConversationKey("111"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = runCLI(t, kv, "reset")
	require.Error(t, err)
}
