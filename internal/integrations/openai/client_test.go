package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wpp-relay/internal/domain"
)

func TestAPIBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
		{"", "https://api.openai.com/v1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, apiBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_NilGetter(t *testing.T) {
	_, err := NewClient(nil, "/wpp")
	require.ErrorContains(t, err, "nil")
}

func TestNewClient_EmptyPrefix(t *testing.T) {
	_, err := NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "/wpp/", WithModel(" "), WithBaseURL(""))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, defaultModel, c.model)
	require.Equal(t, "/wpp/open-ai-token", c.tokenParameterName())
}

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func(name string)
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	if f.onCall != nil {
		f.onCall(name)
	}
	return f.val, f.err
}

func TestResolveAPI_FetchesKeyOnce(t *testing.T) {
	var names []string
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`, onCall: func(n string) { names = append(names, n) }}
	c, err := NewClient(g, "/wpp")
	require.NoError(t, err)

	for range 3 {
		api, err := c.resolveAPI(context.Background())
		require.NoError(t, err)
		require.NotNil(t, api)
	}
	require.Equal(t, []string{"/wpp/open-ai-token"}, names)
}

func TestFetchAPIKey(t *testing.T) {
	ctx := context.Background()
	key, err := fetchAPIKeyFromParamStore(ctx, &fakeGetter{val: `{"token":"sk-1"}`}, "/wpp/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-1", key)

	_, err = fetchAPIKeyFromParamStore(ctx, &fakeGetter{val: `{"other":"v"}`}, "n")
	require.ErrorContains(t, err, "API token is empty")

	_, err = fetchAPIKeyFromParamStore(ctx, &fakeGetter{val: `{"broken`}, "n")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKeyFromParamStore(ctx, &fakeGetter{err: errors.New("ssm unavailable")}, "n")
	require.ErrorContains(t, err, "ssm unavailable")

	_, err = fetchAPIKeyFromParamStore(ctx, nil, "n")
	require.ErrorContains(t, err, "nil")

	_, err = fetchAPIKeyFromParamStore(ctx, &fakeGetter{}, " ")
	require.ErrorContains(t, err, "empty")
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/wpp",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithModel("gpt-test"),
	)
	require.NoError(t, err)
	return c
}

func chatReply(t *testing.T, w http.ResponseWriter, msg map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": "stop"}},
	}))
}

func TestExtract_SendsSchemaAndMultipartContent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		chatReply(t, w, map[string]any{"role": "assistant", "content": ` {"validation_status":"ok"} `})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Extract(context.Background(), []domain.ChatMessage{
		domain.TextMessage(domain.RoleSystem, "instruções"),
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			{Type: "text", Text: "[Imagem recebida]"},
			{Type: "image_url", ImageURL: &domain.ImageURL{URL: "data:image/jpeg;base64,AAA"}},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, `{"validation_status":"ok"}`, out)

	require.Equal(t, "gpt-test", body["model"])
	format := body["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	require.Equal(t, "intake_extraction", schema["name"])
	require.Equal(t, true, schema["strict"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestExtract_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, map[string]any{"role": "assistant", "content": ""})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Extract(context.Background(), nil)
	require.ErrorContains(t, err, "empty")
}

func TestExtract_RateLimitedExposesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Extract(context.Background(), nil)
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Error(), "slow down")
}

func TestRelay_ReturnsToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		chatReply(t, w, map[string]any{
			"role": "assistant",
			"tool_calls": []any{map[string]any{
				"id":   "call_1",
				"type": "function",
				"function": map[string]any{
					"name":      "send_message",
					"arguments": `{"message":"Olá","to":"5511"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	msg, err := newTestClient(t, srv).Relay(context.Background(), []domain.ChatMessage{
		domain.TextMessage(domain.RoleUser, "oi"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, msg.Role)
	require.Len(t, msg.ToolCalls, 1)
	require.Equal(t, "call_1", msg.ToolCalls[0].ID)
	require.Equal(t, SendMessageTool, msg.ToolCalls[0].Function.Name)

	require.Equal(t, "required", body["tool_choice"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	require.Equal(t, "send_message", fn["name"])
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whisper-1", r.FormValue("model"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.Equal(t, "OGG", string(data))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" meu carro bateu "}`)
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv).Transcribe(context.Background(), strings.NewReader("OGG"), "audio.ogg")
	require.NoError(t, err)
	require.Equal(t, "meu carro bateu", text)
}

func TestCalls_KeyError(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("denied")}, "/wpp")
	require.NoError(t, err)
	_, err = c.Extract(context.Background(), nil)
	require.ErrorContains(t, err, "denied")
	_, err = c.Relay(context.Background(), nil)
	require.ErrorContains(t, err, "denied")
}

func TestMessageConversionRoundTrip(t *testing.T) {
	in := []domain.ChatMessage{{
		Role: domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{{
			ID: "c1", Type: "function",
			Function: domain.FunctionCall{Name: "send_message", Arguments: "{}"},
		}},
	}, {Role: domain.RoleTool, ToolCallID: "c1", Content: "ok"}}

	out := toOpenAIMessages(in)
	require.Len(t, out, 2)
	require.Equal(t, "c1", out[1].ToolCallID)
	require.Equal(t, in[0], fromOpenAIMessage(out[0]))
}
