package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-proxy/internal/usecase"
)

const (
	correlationIDHeader = "X-Correlation-Id"
	appSecretParameter  = "/app-secret"
)

// chatService is the orchestration boundary consumed by the handler.
type chatService interface {
	Send(ctx context.Context, in usecase.ChatInput) (string, error)
	Stream(ctx context.Context, in usecase.ChatInput, sink func(fragment string) error) error
}

// SecretGetter resolves the shared app secret from the parameter store.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type chatRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Stream         bool   `json:"stream"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Handler serves chat requests behind a Lambda Function URL. Batch requests
// answer with a JSON reply; streamed requests write raw text fragments to
// the response body as the gateway produces them.
type Handler struct {
	chat        chatService
	params      SecretGetter
	paramPrefix string
	logger      *slog.Logger

	secretOnce sync.Once
	secret     string
	secretErr  error
}

// NewHandler creates a Handler. The app secret is fetched from SSM on the
// first request and cached for the process lifetime.
func NewHandler(chat chatService, params SecretGetter, paramPrefix string, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if params == nil {
		return nil, errors.New("handler: secret getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, params: params, paramPrefix: paramPrefix, logger: logger}, nil
}

// Handle processes one Function URL request.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationID(req.Headers)

	if req.RequestContext.HTTP.Method != http.MethodPost {
		return jsonError(http.StatusMethodNotAllowed, "Method Not Allowed", "", corrID), nil
	}
	if !h.authorized(ctx, req.Headers) {
		return jsonError(http.StatusUnauthorized, "Unauthorized", "", corrID), nil
	}

	body, err := requestBody(req)
	if err != nil {
		return jsonError(http.StatusBadRequest, "Invalid request body", "", corrID), nil
	}
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return jsonError(http.StatusBadRequest, "Invalid request body", "", corrID), nil
	}

	chatIn := usecase.ChatInput{
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Message:        in.Message,
	}
	if in.Stream {
		return h.streamResponse(ctx, chatIn, corrID), nil
	}

	reply, err := h.chat.Send(ctx, chatIn)
	if err != nil {
		return h.errorToResponse(err, corrID), nil
	}
	return jsonResponse(http.StatusOK, chatResponse{Reply: reply}, corrID), nil
}

// streamResponse opens the streamed reply. The first fragment (or terminal
// error) is awaited before committing to a status code: failures before any
// output surface as a 500 envelope, failures after the first fragment
// terminate the stream.
func (h *Handler) streamResponse(ctx context.Context, in usecase.ChatInput, corrID string) *events.LambdaFunctionURLStreamingResponse {
	pr, pw := io.Pipe()
	first := make(chan error, 1)

	go func() {
		started := false
		err := h.chat.Stream(ctx, in, func(fragment string) error {
			if !started {
				started = true
				first <- nil
			}
			_, werr := io.WriteString(pw, fragment)
			return werr
		})
		if err != nil {
			h.logger.Warn("stream ended with error", "conversationId", in.ConversationID, "err", err)
		}
		if !started {
			first <- err
		}
		pw.CloseWithError(err)
	}()

	if err := <-first; err != nil {
		_ = pr.Close()
		return h.errorToResponse(err, corrID)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":      "text/event-stream",
			"Cache-Control":     "no-cache",
			correlationIDHeader: corrID,
		},
		Body: pr,
	}
}

// authorized reports whether the request carries the exact bearer secret.
// A missing or unloadable server secret rejects every request.
func (h *Handler) authorized(ctx context.Context, headers map[string]string) bool {
	secret, err := h.resolveSecret(ctx)
	if err != nil {
		h.logger.Error("app secret unavailable, rejecting request", "err", err)
		return false
	}
	return headerValue(headers, "Authorization") == "Bearer "+secret
}

func (h *Handler) resolveSecret(ctx context.Context) (string, error) {
	h.secretOnce.Do(func() {
		h.secret, h.secretErr = h.params.GetParameter(ctx, h.paramPrefix+appSecretParameter)
		if h.secretErr == nil && h.secret == "" {
			h.secretErr = errors.New("handler: app secret is empty")
		}
	})
	return h.secret, h.secretErr
}

func (h *Handler) errorToResponse(err error, corrID string) *events.LambdaFunctionURLStreamingResponse {
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) {
		switch usecaseErr.Code {
		case usecase.ErrorInvalidRequest:
			return jsonError(http.StatusBadRequest, invalidRequestMessage(usecaseErr.Reason), "", corrID)
		default:
			return jsonError(http.StatusInternalServerError, "Internal Server Error", usecaseErr.Reason, corrID)
		}
	}
	h.logger.Error("unexpected handler error", "err", err)
	return jsonError(http.StatusInternalServerError, "Internal Server Error", "", corrID)
}

func invalidRequestMessage(reason string) string {
	switch reason {
	case "missing_conversation_id":
		return "Conversation ID is required"
	case "missing_message":
		return "Message is required"
	default:
		return "Invalid request"
	}
}

func requestBody(req events.LambdaFunctionURLRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

// correlationID returns the caller-provided correlation header, matched
// case-insensitively, or a fresh one.
func correlationID(headers map[string]string) string {
	if v := headerValue(headers, correlationIDHeader); v != "" {
		return v
	}
	return uuid.NewString()
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, payload any, corrID string) *events.LambdaFunctionURLStreamingResponse {
	buf, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"Internal Server Error"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			correlationIDHeader: corrID,
		},
		Body: bytes.NewReader(buf),
	}
}

func jsonError(status int, message, details, corrID string) *events.LambdaFunctionURLStreamingResponse {
	return jsonResponse(status, errorResponse{Error: message, Details: details}, corrID)
}
