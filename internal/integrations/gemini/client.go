package gemini

import (
	"bufio"
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

	"chat-proxy/internal/domain"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"

	// Generation settings carried over from the mobile backend this proxy
	// replaces.
	maxOutputTokens = 2048
	temperature     = 0.7
	topP            = 0.8
)

// generateRequest is the minimal request shape for the generateContent and
// streamGenerateContent endpoints.
type generateRequest struct {
	Contents         []domain.Content `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
}

// generateResponse is the minimal response shape; streamed chunks use the
// same layout, one JSON document per SSE event.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Role  string        `json:"role"`
			Parts []domain.Part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused Generative Language API client for batch and streamed
// content generation.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = strings.TrimSpace(model)
		}
	}
}

// NewClient creates a new Client backed by the given paramstore Getter for
// API key retrieval. The key is fetched from SSM on the first call to
// Generate or GenerateStream and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.keyParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) keyParameterName() string {
	return c.paramPrefix + "/gemini-api-key"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func generateURL(baseURL, model string) string {
	return modelURL(baseURL, model) + ":generateContent"
}

func streamURL(baseURL, model string) string {
	return modelURL(baseURL, model) + ":streamGenerateContent?alt=sse"
}

func modelURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/v1beta/models/" + model
}

// Generate runs a batch generateContent call and returns the full text of
// the first candidate.
func (c *Client) Generate(ctx context.Context, contents []domain.Content) (string, error) {
	if len(contents) == 0 {
		return "", errors.New("gemini: contents must not be empty")
	}

	url := generateURL(c.baseURL, c.model)
	res, err := c.post(ctx, url, contents)
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response body: %w", err)
	}

	var payload generateResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("gemini: decode response: %w", decErr)
	}
	text := candidateText(payload)
	if text == "" {
		return "", errors.New("gemini: no candidates in response")
	}
	return text, nil
}

// GenerateStream runs a streamGenerateContent call and invokes fn once per
// non-empty text fragment in arrival order. An error from fn stops
// consumption and is returned as-is; the concatenation of all fragments
// delivered by a clean stream is the full reply.
func (c *Client) GenerateStream(ctx context.Context, contents []domain.Content, fn func(fragment string) error) error {
	if len(contents) == 0 {
		return errors.New("gemini: contents must not be empty")
	}
	if fn == nil {
		return errors.New("gemini: fragment callback must not be nil")
	}

	url := streamURL(c.baseURL, c.model)
	res, err := c.post(ctx, url, contents)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk generateResponse
		if decErr := json.Unmarshal([]byte(data), &chunk); decErr != nil {
			return fmt.Errorf("gemini: decode stream chunk: %w", decErr)
		}
		text := candidateText(chunk)
		if text == "" {
			continue
		}
		if cbErr := fn(text); cbErr != nil {
			return cbErr
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return fmt.Errorf("gemini: read stream: %w", scanErr)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, contents []domain.Content) (*http.Response, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: maxOutputTokens,
			Temperature:     temperature,
			TopP:            topP,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("gemini: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", doErr)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	return res, nil
}

func candidateText(payload generateResponse) string {
	if len(payload.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range payload.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("gemini: paramstore getter is nil")
	}

	key, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("gemini: fetch API key from paramstore: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("gemini: API key is empty")
	}
	return key, nil
}
