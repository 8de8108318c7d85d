package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/report-relay/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultUserAgent = "report-relay/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client is a minimal HTTP client for OpenAI-compatible chat completions.
type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new client authenticating with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChatCompletion sends a non-streaming chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	req.Stream = false

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrUpstreamStatus(http.StatusBadGateway, "upstream returned an unreadable response").WithCause(err)
	}

	return &result, nil
}

// StreamChatCompletion sends a streaming request. The caller must Close the
// returned stream; closing releases the upstream connection.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*Stream, error) {
	req.Stream = true

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, statusError(resp.StatusCode, respBody)
	}

	return newStream(ctx, resp.Body), nil
}

func (c *Client) do(ctx context.Context, req *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return resp, nil
}

// Stream reads server-sent chat completion chunks one at a time. It is not
// safe for concurrent use.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	return &Stream{ctx: ctx, body: body, scanner: scanner}
}

// Recv returns the next chunk. It returns io.EOF after the [DONE] marker or
// when the upstream closes the body cleanly. Once Recv fails, every later call
// returns the same error.
func (s *Stream) Recv() (*ChatCompletionChunk, error) {
	if s.err != nil {
		return nil, s.err
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Skip empty lines, comments and non-data fields
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if data == "[DONE]" {
			s.err = io.EOF
			return nil, s.err
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.err = domain.ErrUpstreamStatus(http.StatusBadGateway, "failed to decode stream chunk").WithCause(err)
			return nil, s.err
		}

		if chunk.Error != nil {
			s.err = chunk.Error.ToCanonical(http.StatusBadGateway)
			return nil, s.err
		}

		return &chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.err = transportError(s.ctx, fmt.Errorf("stream read error: %w", err))
		return nil, s.err
	}

	s.err = io.EOF
	return nil, s.err
}

// Close releases the upstream response body.
func (s *Stream) Close() error {
	if s.err == nil {
		s.err = io.EOF
	}
	return s.body.Close()
}
