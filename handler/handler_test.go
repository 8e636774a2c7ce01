package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-proxy/internal/usecase"
)

type stubChat struct {
	reply     string
	sendErr   error
	fragments []string
	streamErr error // returned after all fragments were delivered

	sendCalls   int
	streamCalls int
	lastInput   usecase.ChatInput
}

func (s *stubChat) Send(_ context.Context, in usecase.ChatInput) (string, error) {
	s.sendCalls++
	s.lastInput = in
	return s.reply, s.sendErr
}

func (s *stubChat) Stream(_ context.Context, in usecase.ChatInput, sink func(string) error) error {
	s.streamCalls++
	s.lastInput = in
	for _, f := range s.fragments {
		if err := sink(f); err != nil {
			return err
		}
	}
	return s.streamErr
}

type stubSecrets struct {
	secret string
	err    error
}

func (s *stubSecrets) GetParameter(_ context.Context, _ string) (string, error) {
	return s.secret, s.err
}

func makeEvent(method, body string) events.LambdaFunctionURLRequest {
	return events.LambdaFunctionURLRequest{
		Headers: map[string]string{
			"content-type":  "application/json",
			"authorization": "Bearer app-secret",
		},
		RequestContext: events.LambdaFunctionURLRequestContext{
			HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{Method: method},
		},
		Body: body,
	}
}

func newTestHandler(t *testing.T, chat chatService) *Handler {
	t.Helper()
	h, err := NewHandler(chat, &stubSecrets{secret: "app-secret"}, "/chat-proxy", nil)
	require.NoError(t, err)
	return h
}

func readBody(t *testing.T, resp *events.LambdaFunctionURLStreamingResponse) string {
	t.Helper()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(buf)
}

func parseBody[T any](t *testing.T, resp *events.LambdaFunctionURLStreamingResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubSecrets{}, "/chat-proxy", nil)
	require.Error(t, err)

	_, err = NewHandler(&stubChat{}, nil, "/chat-proxy", nil)
	require.Error(t, err)

	_, err = NewHandler(&stubChat{}, &stubSecrets{}, " ", nil)
	require.Error(t, err)
}

func TestHandle_BatchHappyPath(t *testing.T) {
	chat := &stubChat{reply: "hello"}
	h := newTestHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"userId":"u1","conversationId":"c1","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Equal(t, usecase.ChatInput{UserID: "u1", ConversationID: "c1", Message: "hi"}, chat.lastInput)

	out := parseBody[chatResponse](t, resp)
	require.Equal(t, "hello", out.Reply)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_RejectsNonPost(t *testing.T) {
	chat := &stubChat{}
	h := newTestHandler(t, chat)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp, err := h.Handle(context.Background(), makeEvent(method, `{}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

		out := parseBody[errorResponse](t, resp)
		require.Equal(t, "Method Not Allowed", out.Error)
	}
	require.Zero(t, chat.sendCalls)
}

func TestHandle_Unauthorized(t *testing.T) {
	cases := []struct {
		name string
		auth string
	}{
		{name: "wrong secret", auth: "Bearer wrong"},
		{name: "no bearer prefix", auth: "app-secret"},
		{name: "missing header", auth: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &stubChat{}
			h := newTestHandler(t, chat)

			event := makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`)
			if tc.auth == "" {
				delete(event.Headers, "authorization")
			} else {
				event.Headers["authorization"] = tc.auth
			}

			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			out := parseBody[errorResponse](t, resp)
			require.Equal(t, "Unauthorized", out.Error)
			require.Zero(t, chat.sendCalls, "history and gateway must stay untouched")
		})
	}
}

func TestHandle_FailsClosedWhenSecretUnavailable(t *testing.T) {
	chat := &stubChat{reply: "hello"}
	h, err := NewHandler(chat, &stubSecrets{err: errors.New("ssm down")}, "/chat-proxy", nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, chat.sendCalls)
}

func TestHandle_FailsClosedWhenSecretEmpty(t *testing.T) {
	chat := &stubChat{reply: "hello"}
	h, err := NewHandler(chat, &stubSecrets{secret: ""}, "/chat-proxy", nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubChat{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp)
	require.Equal(t, "Invalid request body", out.Error)
}

func TestHandle_Base64Body(t *testing.T) {
	chat := &stubChat{reply: "ok"}
	h := newTestHandler(t, chat)

	event := makeEvent(http.MethodPost, base64.StdEncoding.EncodeToString([]byte(`{"conversationId":"c1","message":"hi"}`)))
	event.IsBase64Encoded = true

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", chat.lastInput.Message)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "missing message", err: &usecase.Error{Code: usecase.ErrorInvalidRequest, Reason: "missing_message"}, status: http.StatusBadRequest, message: "Message is required"},
		{name: "missing conversation", err: &usecase.Error{Code: usecase.ErrorInvalidRequest, Reason: "missing_conversation_id"}, status: http.StatusBadRequest, message: "Conversation ID is required"},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gateway_error"}, status: http.StatusInternalServerError, message: "Internal Server Error"},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "history_clear_error"}, status: http.StatusInternalServerError, message: "Internal Server Error"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, message: "Internal Server Error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubChat{sendErr: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp)
			require.Equal(t, tc.message, out.Error)
		})
	}
}

func TestHandle_UpstreamErrorCarriesDetails(t *testing.T) {
	h := newTestHandler(t, &stubChat{sendErr: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gateway_error"}})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`))
	require.NoError(t, err)

	out := parseBody[errorResponse](t, resp)
	require.Equal(t, "gateway_error", out.Details)
}

func TestHandle_StreamHappyPath(t *testing.T) {
	chat := &stubChat{fragments: []string{"Hel", "lo wo", "rld"}}
	h := newTestHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi","stream":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Headers["Content-Type"])
	require.Equal(t, "no-cache", resp.Headers["Cache-Control"])
	require.Equal(t, "Hello world", readBody(t, resp))
	require.Equal(t, 1, chat.streamCalls)
	require.Zero(t, chat.sendCalls)
}

func TestHandle_StreamErrorBeforeFirstFragment(t *testing.T) {
	chat := &stubChat{streamErr: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gateway_stream_error"}}
	h := newTestHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi","stream":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	out := parseBody[errorResponse](t, resp)
	require.Equal(t, "Internal Server Error", out.Error)
}

func TestHandle_StreamErrorAfterFirstFragment_TerminatesStream(t *testing.T) {
	chat := &stubChat{fragments: []string{"partial"}, streamErr: errors.New("stream cut")}
	h := newTestHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi","stream":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "status is committed once bytes have been sent")

	buf, readErr := io.ReadAll(resp.Body)
	require.Error(t, readErr, "a mid-stream failure must not look like a clean end")
	require.Equal(t, "partial", string(buf))
}

func TestHandle_StreamValidationErrorYields400(t *testing.T) {
	chat := &stubChat{streamErr: &usecase.Error{Code: usecase.ErrorInvalidRequest, Reason: "missing_message"}}
	h := newTestHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"conversationId":"c1","message":"","stream":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp)
	require.Equal(t, "Message is required", out.Error)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubChat{reply: "ok"})

	event := makeEvent(http.MethodPost, `{"conversationId":"c1","message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
