package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/domain"
)

func TestCheckHistory(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		issues int
	}{
		{"empty", `[]`, 0},
		{"text and blocks", `[{"role":"user","content":"oi"},{"role":"user","content":[{"type":"text","text":"x"},{"type":"image_url","image_url":{"url":"u"}}]}]`, 0},
		{"tool call without content", `[{"role":"assistant","tool_calls":[{"id":"c1"}]}]`, 0},
		{"not an array", `{"role":"user"}`, 1},
		{"bad role", `[{"role":"bot","content":"oi"}]`, 1},
		{"missing role", `[{"content":"oi"}]`, 1},
		{"object content", `[{"role":"user","content":{"text":"oi"}}]`, 1},
		{"numeric content", `[{"role":"user","content":3}]`, 1},
		{"untyped block", `[{"role":"user","content":[{"text":"oi"}]}]`, 1},
		{"missing content", `[{"role":"user"}]`, 1},
		{"non-object entry", `["str"]`, 1},
		{"mixed", `[{"role":"bot","content":"x"},{"content":{"a":1}},{"role":"user","content":[{"text":"x"}]},"str"]`, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := CheckHistory(tc.raw)
			require.Len(t, rep.Issues, tc.issues, rep.Issues)
		})
	}

	rep := CheckHistory(`{"role":"user"}`)
	require.Contains(t, rep.Issues[0], "not a JSON array")
}

func TestCheckHistory_EncodedRecordIsValid(t *testing.T) {
	raw, err := json.Marshal([]domain.ChatMessage{
		domain.TextMessage(domain.RoleSystem, "s"),
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Type: "function"}}},
		{Role: domain.RoleUser, Parts: []domain.ContentPart{{Type: "text", Text: "t"}}},
	})
	require.NoError(t, err)

	rep := CheckHistory(string(raw))
	require.True(t, rep.Valid(), rep.Issues)
	require.Equal(t, 3, rep.Messages)
}

func TestCheckConversations(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()
	require.NoError(t, kv.Put(ctx, ConversationKey("111"), map[string]string{
		"chat_history": `[{"role":"user","content":"oi"}]`, "chat_history2": `[]`, "step": "1",
	}, 0))
	require.NoError(t, kv.Put(ctx, ConversationKey("222"), map[string]string{
		"chat_history": `[{"role":"user","content":{"bad":true}}]`, "step": "1",
	}, 0))
	require.NoError(t, kv.Put(ctx, EventKey("m1"), map[string]string{"claimed_at": "1"}, 0))

	reports, err := CheckConversations(ctx, kv, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "111", reports[0].Phone)
	require.True(t, reports[0].Valid())
	require.Equal(t, "222", reports[1].Phone)
	require.False(t, reports[1].Valid())
	require.False(t, reports[1].Cleared)

	reports, err = CheckConversations(ctx, kv, true)
	require.NoError(t, err)
	require.True(t, reports[1].Cleared)
	ok, err := kv.Exists(ctx, ConversationKey("222"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = kv.Exists(ctx, ConversationKey("111"))
	require.NoError(t, err)
	require.True(t, ok)
}
