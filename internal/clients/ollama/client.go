// Package ollama provides a client for the local inference runtime API.
package ollama

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
	"time"

	"golang.org/x/time/rate"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
)

const (
	DefaultBaseURL   = "http://localhost:11434"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 10 // requests per second for control-plane calls

	// maxLineBytes bounds a single NDJSON line from the runtime.
	maxLineBytes = 1 << 20
)

// Client implements the interfaces.RuntimeClient contract against the
// Ollama HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the control-plane rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithHTTPClient replaces the underlying HTTP client. Streaming calls need
// a client without a global timeout, so tests usually inject one here.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new runtime client. The HTTP client carries no global
// timeout: generate and pull streams stay open for minutes, and per-call
// deadlines arrive through the context.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a runtime API error.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runtime API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// do performs a rate-limited request and decodes the JSON response.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("Runtime API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   path,
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Tags lists the models on the runtime's disk.
func (c *Client) Tags(ctx context.Context) ([]interfaces.RuntimeModel, error) {
	var out struct {
		Models []interfaces.RuntimeModel `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Ps lists the models currently loaded in runtime memory.
func (c *Client) Ps(ctx context.Context) ([]interfaces.RuntimeProcess, error) {
	var out struct {
		Models []interfaces.RuntimeProcess `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ps", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// generateBody is the wire shape of POST /api/generate.
type generateBody struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Stream    bool            `json:"stream"`
	KeepAlive int64           `json:"keep_alive"`
	Options   generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Generate opens a streaming generate request. The returned stream must be
// closed; cancelling ctx aborts the upstream request.
func (c *Client) Generate(ctx context.Context, req interfaces.GenerateRequest) (interfaces.GenerateStream, error) {
	body := generateBody{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Stream:    true,
		KeepAlive: int64(req.KeepAlive / time.Second),
		Options: generateOptions{
			Temperature: req.Options.Temperature,
			NumPredict:  req.Options.NumPredict,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("model", req.Model).Int("prompt_len", len(req.Prompt)).Msg("Opening generate stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open generate stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   "/api/generate",
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	return &generateStream{body: resp.Body, scanner: sc}, nil
}

// generateStream reads newline-delimited JSON chunks. The scanner buffers
// across network reads, so partial JSON lines never surface to callers.
type generateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *generateStream) Next() (*interfaces.GenerateChunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk interfaces.GenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Malformed line; skip rather than kill the stream.
			continue
		}
		return &chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *generateStream) Close() error {
	return s.body.Close()
}

// Pull downloads a model, streaming upstream status lines to onProgress.
func (c *Client) Pull(ctx context.Context, name string, onProgress func(interfaces.PullProgress) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	data, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return fmt.Errorf("failed to marshal pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open pull stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   "/api/pull",
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var progress interfaces.PullProgress
		if err := json.Unmarshal(line, &progress); err != nil {
			continue
		}

		if onProgress != nil {
			if err := onProgress(progress); err != nil {
				return err
			}
		}

		if strings.Contains(progress.Status, "success") {
			return nil
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("pull stream interrupted: %w", err)
	}
	return fmt.Errorf("pull stream ended without success status")
}

// Delete removes a model from the runtime. A 404 is tolerated so deleting
// an already-missing model stays idempotent.
func (c *Client) Delete(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/api/delete", map[string]string{"name": name}, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Debug().Str("model", name).Msg("Delete: model not present upstream")
			return nil
		}
		return err
	}
	return nil
}

// Tokenize counts tokens for text. Runtimes without /api/tokenize answer
// 404; those fall back to the ceil(len/4) estimate.
func (c *Client) Tokenize(ctx context.Context, model, text string) (int, error) {
	var out struct {
		Tokens []int `json:"tokens"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tokenize", map[string]string{"model": model, "content": text}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return EstimateTokens(text), nil
		}
		return 0, err
	}
	return len(out.Tokens), nil
}

// EstimateTokens approximates the token count as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Compile-time check
var _ interfaces.RuntimeClient = (*Client)(nil)
