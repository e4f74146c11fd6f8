// Package handler exposes the WhatsApp webhook over API Gateway (Lambda) and
// plain HTTP. Both paths share Handle.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wpp-relay/internal/domain"
	"wpp-relay/internal/usecase"
)

const (
	msgProcessed  = "Mensagem processada com sucesso!"
	msgDuplicate  = "Message already processed"
	msgGroup      = "Group messages are not supported"
	msgDenied     = "Permission Denied"
	msgBadPayload = "Invalid payload"
	msgInternal   = "Internal server error"

	tokenHeader       = "z-api-token"
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Receiver is the ingestion entry point the webhook feeds.
type Receiver interface {
	Receive(ctx context.Context, ev domain.Event) (usecase.Outcome, error)
}

// TokenSource yields the instance token Z-API sends in the z-api-token header.
type TokenSource interface {
	InstanceToken(ctx context.Context) (string, error)
}

type Handler struct {
	receiver Receiver
	tokens   TokenSource
	logger   *slog.Logger
}

func NewHandler(r Receiver, tokens TokenSource, logger *slog.Logger) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: receiver must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("handler: token source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{receiver: r, tokens: tokens, logger: logger}, nil
}

// Handle serves one API Gateway request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if req.HTTPMethod == http.MethodGet && strings.HasSuffix(req.Path, "/ping") {
		return jsonResponse(http.StatusOK, "pong", correlationID), nil
	}

	if !h.authorized(ctx, logger, header(req.Headers, tokenHeader)) {
		return jsonResponse(http.StatusForbidden, msgDenied, correlationID), nil
	}

	ev, err := domain.ParseEvent([]byte(req.Body))
	if err != nil {
		logger.Warn("invalid webhook payload", "err", err)
		return jsonResponse(http.StatusBadRequest, msgBadPayload, correlationID), nil
	}
	logger = logger.With("message_id", ev.ID, "phone", ev.Phone)

	outcome, err := h.receiver.Receive(ctx, ev)
	if err != nil {
		return errorResponse(logger, err, correlationID), nil
	}
	logger.Info("webhook handled", "outcome", outcome.String(), "kind", string(ev.Kind()))
	if outcome == usecase.Duplicate {
		return jsonResponse(http.StatusOK, msgDuplicate, correlationID), nil
	}
	return jsonResponse(http.StatusOK, msgProcessed, correlationID), nil
}

func (h *Handler) authorized(ctx context.Context, logger *slog.Logger, got string) bool {
	want, err := h.tokens.InstanceToken(ctx)
	if err != nil {
		logger.Error("failed to load instance token", "err", err)
		return false
	}
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func errorResponse(logger *slog.Logger, err error, correlationID string) events.APIGatewayProxyResponse {
	switch usecase.CodeOf(err) {
	case usecase.ErrorUnsupportedInput:
		logger.Info("webhook rejected", "err", err)
		return jsonResponse(http.StatusBadRequest, msgGroup, correlationID)
	case usecase.ErrorInvalidInput:
		logger.Warn("webhook rejected", "err", err)
		return jsonResponse(http.StatusBadRequest, msgBadPayload, correlationID)
	default:
		logger.Error("webhook processing failed", "err", err)
		return jsonResponse(http.StatusInternalServerError, msgInternal, correlationID)
	}
}

// jsonResponse encodes message as a bare JSON string, which is what the
// Z-API webhook has always received.
func jsonResponse(status int, message, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(message)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ServeHTTP adapts a net/http request to Handle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeResponse(w, jsonResponse(http.StatusBadRequest, msgBadPayload, uuid.NewString()))
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		writeResponse(w, jsonResponse(http.StatusInternalServerError, msgInternal, headers[correlationHeader]))
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// RegisterRoutes mounts the webhook and health check on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/wpp_webhook", h.ServeHTTP)
	r.Get("/ping", h.ServeHTTP)
}
