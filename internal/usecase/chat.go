package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"chat-proxy/internal/domain"
)

// Gateway is the model boundary consumed by the chat service. The streamed
// variant delivers an ordered, finite sequence of text fragments whose
// concatenation is the full reply; it may fail before the first fragment or
// mid-stream.
type Gateway interface {
	Generate(ctx context.Context, contents []domain.Content) (string, error)
	GenerateStream(ctx context.Context, contents []domain.Content, fn func(fragment string) error) error
}

// HistoryStore provides per-conversation sliding-window persistence.
type HistoryStore interface {
	GetHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
	AddMessage(ctx context.Context, userID, conversationID string, role domain.Role, text string) error
	Clear(ctx context.Context, userID, conversationID string) error
}

// ChatInput is one inbound chat turn.
type ChatInput struct {
	UserID         string
	ConversationID string
	Message        string
}

// ChatService orchestrates a chat turn: load history, persist the user
// turn, generate, persist the model turn. History persistence is
// best-effort: store failures are logged and the request proceeds, so a
// degraded backend costs context rather than availability.
type ChatService struct {
	gateway Gateway
	store   HistoryStore
	logger  *slog.Logger
}

// NewChatService creates a ChatService.
func NewChatService(gateway Gateway, store HistoryStore, logger *slog.Logger) (*ChatService, error) {
	if gateway == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{gateway: gateway, store: store, logger: logger}, nil
}

// Send runs one batch chat turn and returns the full assistant reply.
func (s *ChatService) Send(ctx context.Context, in ChatInput) (string, error) {
	in, err := s.validate(in)
	if err != nil {
		return "", err
	}

	contents := buildContents(s.loadHistory(ctx, in), in.Message)
	s.recordTurn(ctx, in, domain.RoleUser, in.Message)

	reply, err := s.gateway.Generate(ctx, contents)
	if err != nil {
		return "", newError(ErrorUpstream, "gateway_error", err)
	}

	s.recordTurn(ctx, in, domain.RoleModel, reply)
	return reply, nil
}

// Stream runs one streamed chat turn, forwarding each fragment to sink as
// it arrives. The model turn is persisted only after the stream completes
// cleanly; a mid-stream gateway failure or sink failure leaves no partial
// assistant turn behind.
func (s *ChatService) Stream(ctx context.Context, in ChatInput, sink func(fragment string) error) error {
	in, err := s.validate(in)
	if err != nil {
		return err
	}
	if sink == nil {
		return newError(ErrorInternal, "nil_sink", nil)
	}

	contents := buildContents(s.loadHistory(ctx, in), in.Message)
	s.recordTurn(ctx, in, domain.RoleUser, in.Message)

	var reply strings.Builder
	err = s.gateway.GenerateStream(ctx, contents, func(fragment string) error {
		if sinkErr := sink(fragment); sinkErr != nil {
			return &sinkFailure{err: sinkErr}
		}
		reply.WriteString(fragment)
		return nil
	})
	if err != nil {
		var sf *sinkFailure
		if errors.As(err, &sf) {
			return newError(ErrorInternal, "client_write_error", sf.err)
		}
		return newError(ErrorUpstream, "gateway_stream_error", err)
	}

	s.recordTurn(ctx, in, domain.RoleModel, reply.String())
	return nil
}

// Reset deletes the conversation history outright.
func (s *ChatService) Reset(ctx context.Context, userID, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return newError(ErrorInvalidRequest, "missing_conversation_id", nil)
	}
	if err := s.store.Clear(ctx, userID, conversationID); err != nil {
		return newError(ErrorInternal, "history_clear_error", err)
	}
	return nil
}

func (s *ChatService) validate(in ChatInput) (ChatInput, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.Message = strings.TrimSpace(in.Message)

	if in.ConversationID == "" {
		return ChatInput{}, newError(ErrorInvalidRequest, "missing_conversation_id", nil)
	}
	if in.Message == "" {
		return ChatInput{}, newError(ErrorInvalidRequest, "missing_message", nil)
	}
	return in, nil
}

// loadHistory returns the stored turns for the key, or an empty history
// when the store is unavailable.
func (s *ChatService) loadHistory(ctx context.Context, in ChatInput) []domain.Message {
	history, err := s.store.GetHistory(ctx, in.UserID, in.ConversationID)
	if err != nil {
		s.logger.Warn("history read failed, continuing with empty history",
			"conversationId", in.ConversationID, "err", err)
		return nil
	}
	return history
}

// recordTurn appends one turn, logging instead of failing when the store is
// unavailable.
func (s *ChatService) recordTurn(ctx context.Context, in ChatInput, role domain.Role, text string) {
	if err := s.store.AddMessage(ctx, in.UserID, in.ConversationID, role, text); err != nil {
		s.logger.Warn("history write failed, turn not persisted",
			"conversationId", in.ConversationID, "role", string(role), "err", err)
	}
}

// sinkFailure marks errors raised by the caller-facing sink so they are not
// misreported as gateway failures.
type sinkFailure struct {
	err error
}

func (e *sinkFailure) Error() string {
	return "sink failure: " + e.err.Error()
}

func (e *sinkFailure) Unwrap() error {
	return e.err
}
