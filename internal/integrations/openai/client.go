package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"wpp-relay/internal/domain"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultModel              = "gpt-4.1"
	defaultTranscriptionModel = openai.Whisper1

	// SendMessageTool is the only function the relay agent may call.
	SendMessageTool = "send_message"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.Op, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Client runs the extraction, relay and transcription calls on go-openai.
// The API key is read from SSM on first use and reused for the process lifetime.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	getter             Getter
	paramPrefix        string
	model              string
	transcriptionModel string

	keyOnce sync.Once
	api     *openai.Client
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(model); s != "" {
			c.model = s
		}
	}
}

func WithTranscriptionModel(model string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(model); s != "" {
			c.transcriptionModel = s
		}
	}
}

// NewClient creates a Client that fetches its API key from
// <paramPrefix>/open-ai-token through ps.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:            defaultBaseURL,
		httpClient:         &http.Client{Timeout: 60 * time.Second},
		getter:             ps,
		paramPrefix:        paramPrefix,
		model:              defaultModel,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// apiBaseURL normalises a configured base URL to the /v1 root go-openai expects.
func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// resolveAPI builds the go-openai client on the first call.
func (c *Client) resolveAPI(ctx context.Context) (*openai.Client, error) {
	c.keyOnce.Do(func() {
		key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			c.keyErr = err
			return
		}
		cfg := openai.DefaultConfig(key)
		cfg.BaseURL = apiBaseURL(c.baseURL)
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		c.api = openai.NewClientWithConfig(cfg)
	})
	return c.api, c.keyErr
}

// Extract runs one structured-output completion and returns the raw JSON
// document produced under the extraction schema.
func (c *Client) Extract(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.model,
		Messages:       toOpenAIMessages(messages),
		ResponseFormat: extractionResponseFormat(),
	})
	if err != nil {
		return "", wrapAPIError("chat/completions", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openai: empty extraction response")
	}
	return content, nil
}

// Relay runs one completion that must call send_message at least once and
// returns the assistant message carrying the tool calls.
func (c *Client) Relay(ctx context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	resp, err := api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:      c.model,
		Messages:   toOpenAIMessages(messages),
		Tools:      []openai.Tool{sendMessageTool()},
		ToolChoice: "required",
	})
	if err != nil {
		return domain.ChatMessage{}, wrapAPIError("chat/completions", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ChatMessage{}, errors.New("openai: no choices in response")
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

// Transcribe converts an audio file to text.
func (c *Client) Transcribe(ctx context.Context, r io.Reader, filename string) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: filename,
		Reader:   r,
		Language: "pt",
	})
	if err != nil {
		return "", wrapAPIError("audio/transcriptions", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func extractionResponseFormat() *openai.ChatCompletionResponseFormat {
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "intake_extraction",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"reasoning":{"type":"array","items":{"type":"string"}},
					"validation_status":{"type":"string","enum":["ok","follow-up","error"]},
					"mensagem":{"type":"string"},
					"extracted_data":{
						"type":"object",
						"additionalProperties":false,
						"properties":{
							"nome":{"type":"string"},
							"CPF":{"type":"string"},
							"telefone":{"type":"string"},
							"problema":{"type":"string"},
							"identificador":{"type":["string","null"]}
						},
						"required":["nome","CPF","telefone","problema","identificador"]
					}
				},
				"required":["reasoning","validation_status","mensagem","extracted_data"]
			}`),
		},
	}
}

func sendMessageTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        SendMessageTool,
			Description: "Envia uma mensagem de WhatsApp para um dos participantes da conversa.",
			Strict:      true,
			Parameters: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"message":{"type":"string","description":"Texto da mensagem, em português."},
					"to":{"type":"string","enum":["user","counterparty"],"description":"Destinatário: o usuário ou o atendimento."}
				},
				"required":["message","to"]
			}`),
		},
	}
}

func toOpenAIMessages(in []domain.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				part := openai.ChatMessagePart{Type: openai.ChatMessagePartType(p.Type), Text: p.Text}
				if p.ImageURL != nil {
					part.ImageURL = &openai.ChatMessageImageURL{
						URL:    p.ImageURL.URL,
						Detail: openai.ImageURLDetail(p.ImageURL.Detail),
					}
				}
				msg.MultiContent = append(msg.MultiContent, part)
			}
		} else {
			msg.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) domain.ChatMessage {
	out := domain.ChatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	if out.Role == "" {
		out.Role = domain.RoleAssistant
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: domain.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// wrapAPIError maps go-openai errors onto HTTPStatusError so callers can
// branch on HTTPStatusCode.
func wrapAPIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Body: string(reqErr.Body), Err: err}
	}
	return fmt.Errorf("openai: %s request failed: %w", op, err)
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
