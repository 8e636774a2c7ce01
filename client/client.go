// Package client is the caller-side wrapper for the chat proxy. It attaches
// the shared secret and JSON body, and surfaces server-supplied error
// messages; it does not retry or cache.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const genericErrorMessage = "Failed to connect"

type chatRequest struct {
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Stream         bool   `json:"stream,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// APIError is a non-success response from the proxy, carrying the server's
// error message when one was supplied.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Details)
}

// Client talks to one chat proxy deployment.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a Client for the given base URL and shared app secret.
func New(baseURL, secret string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base URL must not be empty")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("client: secret must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendMessage sends one batch chat turn and returns the assistant reply.
func (c *Client) SendMessage(ctx context.Context, userID, conversationID, text string) (string, error) {
	res, err := c.post(ctx, chatRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Message:        text,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	var out chatResponse
	if decErr := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); decErr != nil {
		return "", fmt.Errorf("client: decode reply: %w", decErr)
	}
	return out.Reply, nil
}

// StreamMessage sends one streamed chat turn, invoking fn per received
// chunk, and returns the concatenated reply. A premature close of the
// stream is reported as an error alongside whatever was received.
func (c *Client) StreamMessage(ctx context.Context, userID, conversationID, text string, fn func(chunk string) error) (string, error) {
	res, err := c.post(ctx, chatRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Message:        text,
		Stream:         true,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	var reply strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			reply.WriteString(chunk)
			if fn != nil {
				if cbErr := fn(chunk); cbErr != nil {
					return reply.String(), cbErr
				}
			}
		}
		if readErr == io.EOF {
			return reply.String(), nil
		}
		if readErr != nil {
			return reply.String(), fmt.Errorf("client: stream interrupted: %w", readErr)
		}
	}
}

func (c *Client) post(ctx context.Context, in chatRequest) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("client: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("client: %s: %w", genericErrorMessage, doErr)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, errorFromResponse(res)
	}
	return res, nil
}

// errorFromResponse turns a non-success response into an APIError carrying
// the server's message, falling back to a generic one when the body is
// absent or unreadable.
func errorFromResponse(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode, Message: genericErrorMessage}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return apiErr
	}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		apiErr.Message = body.Error
		apiErr.Details = body.Details
	}
	return apiErr
}
