// Package zapi is the outbound WhatsApp client for the Z-API platform.
package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wpp-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.z-api.io"
	maxMediaBytes  = 32 << 20
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Credentials is the JSON stored in SSM at <prefix>/zapi.
type Credentials struct {
	InstanceID    string `json:"instance_id"`
	InstanceToken string `json:"instance_token"`
	ClientToken   string `json:"client_token"`
}

// HTTPStatusError captures non-2xx responses from Z-API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("zapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// SendResult identifies an accepted outbound message.
type SendResult struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	limiter     *rate.Limiter

	credsOnce sync.Once
	creds     Credentials
	credsErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = strings.TrimRight(s, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit caps outbound sends per second. A non-positive value disables the cap.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithCredentials skips the SSM lookup.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) {
		c.credsOnce.Do(func() { c.creds = creds })
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("zapi: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("zapi: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		limiter:     rate.NewLimiter(5, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Credentials returns the instance credentials, read from SSM once.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	c.credsOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/zapi")
		if err != nil {
			c.credsErr = fmt.Errorf("zapi: fetch credentials: %w", err)
			return
		}
		var creds Credentials
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			c.credsErr = fmt.Errorf("zapi: unmarshal credentials: %w", err)
			return
		}
		if creds.InstanceID == "" || creds.InstanceToken == "" {
			c.credsErr = errors.New("zapi: credentials missing instance id or token")
			return
		}
		c.creds = creds
	})
	return c.creds, c.credsErr
}

// InstanceToken is the token Z-API sends back in the z-api-token webhook header.
func (c *Client) InstanceToken(ctx context.Context) (string, error) {
	creds, err := c.Credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.InstanceToken, nil
}

type textRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type imageRequest struct {
	Phone   string `json:"phone"`
	Image   string `json:"image"`
	Caption string `json:"caption,omitempty"`
}

type buttonListRequest struct {
	Phone      string     `json:"phone"`
	Message    string     `json:"message"`
	ButtonList buttonList `json:"buttonList"`
}

type buttonList struct {
	Image   string       `json:"image,omitempty"`
	Buttons []listButton `json:"buttons"`
}

type listButton struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type buttonActionsRequest struct {
	Phone         string         `json:"phone"`
	Message       string         `json:"message"`
	ButtonActions []actionButton `json:"buttonActions"`
}

type actionButton struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// OptionList is the menu shown by SendOptionList.
type OptionList struct {
	Title       string       `json:"title"`
	ButtonLabel string       `json:"buttonLabel"`
	Options     []ListOption `json:"options"`
}

type ListOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type optionListRequest struct {
	Phone      string     `json:"phone"`
	Message    string     `json:"message"`
	OptionList OptionList `json:"optionList"`
}

func (c *Client) SendText(ctx context.Context, phone, message string) (SendResult, error) {
	return c.send(ctx, "send-text", textRequest{Phone: phone, Message: message})
}

// SendImage sends an image by URL or data URI with an optional caption.
func (c *Client) SendImage(ctx context.Context, phone, image, caption string) (SendResult, error) {
	return c.send(ctx, "send-image", imageRequest{Phone: phone, Image: image, Caption: caption})
}

// SendButtonList sends reply buttons; ids are the 1-based button positions.
func (c *Client) SendButtonList(ctx context.Context, phone, message string, buttons []string, image string) (SendResult, error) {
	req := buttonListRequest{Phone: phone, Message: message, ButtonList: buttonList{Image: image}}
	for i, label := range buttons {
		req.ButtonList.Buttons = append(req.ButtonList.Buttons, listButton{ID: fmt.Sprint(i + 1), Label: label})
	}
	return c.send(ctx, "send-button-list", req)
}

// SendButtonActions sends call/URL/reply action buttons.
func (c *Client) SendButtonActions(ctx context.Context, phone, message string, actions []domain.ButtonAction) (SendResult, error) {
	req := buttonActionsRequest{Phone: phone, Message: message}
	for i, a := range actions {
		typ := a.Type
		if typ == "" {
			typ = "REPLY"
		}
		req.ButtonActions = append(req.ButtonActions, actionButton{ID: fmt.Sprint(i + 1), Type: typ, Label: a.Label, URL: a.URL})
	}
	return c.send(ctx, "send-button-actions", req)
}

func (c *Client) SendOptionList(ctx context.Context, phone, message string, list OptionList) (SendResult, error) {
	return c.send(ctx, "send-option-list", optionListRequest{Phone: phone, Message: message, OptionList: list})
}

// Deliver sends out through the capability selected by its kind.
func (c *Client) Deliver(ctx context.Context, out domain.Outbound) error {
	var err error
	switch out.Kind {
	case domain.OutboundText, "":
		_, err = c.SendText(ctx, out.To, out.Text)
	case domain.OutboundImage:
		_, err = c.SendImage(ctx, out.To, out.Image, out.Text)
	case domain.OutboundButtonList:
		_, err = c.SendButtonList(ctx, out.To, out.Text, out.Buttons, out.Image)
	case domain.OutboundButtonActions:
		_, err = c.SendButtonActions(ctx, out.To, out.Text, out.Actions)
	default:
		err = fmt.Errorf("zapi: unsupported outbound kind %q", out.Kind)
	}
	return err
}

func (c *Client) send(ctx context.Context, endpoint string, payload any) (SendResult, error) {
	creds, err := c.Credentials(ctx)
	if err != nil {
		return SendResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("zapi: rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("zapi: marshal %s request: %w", endpoint, err)
	}
	url := fmt.Sprintf("%s/instances/%s/token/%s/%s", c.baseURL, creds.InstanceID, creds.InstanceToken, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("zapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.ClientToken != "" {
		req.Header.Set("client-token", creds.ClientToken)
	}

	raw, err := c.do(req, endpoint)
	if err != nil {
		return SendResult{}, fmt.Errorf("zapi: %s failed: %w", endpoint, err)
	}
	var out SendResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return SendResult{}, fmt.Errorf("zapi: decode %s response: %w", endpoint, err)
		}
	}
	return out, nil
}

// Download fetches inbound media (image, audio, document) by URL.
func (c *Client) Download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("zapi: create download request: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("zapi: download: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, "", &HTTPStatusError{StatusCode: res.StatusCode, URL: mediaURL, Body: string(buf)}
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("zapi: read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("zapi: media exceeds %d bytes", maxMediaBytes)
	}
	return data, res.Header.Get("Content-Type"), nil
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		// The instance token is part of the path; keep it out of errors and logs.
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
