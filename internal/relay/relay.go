// Package relay issues chat-completion calls to configured providers and
// exposes streamed replies as a pull-based sequence of fragments.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/report-relay/internal/api/openai"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/provider"
)

// AudioInput is an inline audio payload sent alongside the prompt.
type AudioInput struct {
	Data   []byte
	Format string
}

// Request describes one relay call.
type Request struct {
	SystemPrompt string
	UserMessage  string

	// StructuredOutput asks for a JSON object reply. Providers with JSON
	// output disabled always receive unstructured requests.
	StructuredOutput bool

	// Audio, when set, replaces the system/user turns with a single user turn
	// holding the audio and SystemPrompt as text.
	Audio *AudioInput
}

// Fragment is one incremental piece of a streamed reply.
type Fragment struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// KeySelector picks the credential for a rotating provider.
type KeySelector interface {
	NextKey(ctx context.Context, p provider.Provider) (string, error)
}

// Relay talks to upstream providers. It is safe for concurrent use.
type Relay struct {
	httpClient *http.Client
	keys       KeySelector
	logger     *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.httpClient = c }
}

// WithKeySelector sets the rotator used for providers that require rotation.
func WithKeySelector(k KeySelector) Option {
	return func(r *Relay) { r.keys = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New creates a Relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		httpClient: NewHTTPClient(""),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewHTTPClient returns a traced client for upstream calls. A non-empty
// proxyURL routes every call through that proxy; otherwise the standard proxy
// environment variables apply. The client has no overall timeout because
// streams may run for minutes; callers bound calls with their context.
func NewHTTPClient(proxyURL string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// StreamChat starts a streaming call. The returned Stream must be closed.
func (r *Relay) StreamChat(ctx context.Context, p provider.Provider, req Request) (*Stream, error) {
	client, err := r.client(ctx, p)
	if err != nil {
		return nil, err
	}

	chatReq := buildRequest(p, req)
	r.logger.Debug("starting upstream stream",
		slog.String("provider", p.Name),
		slog.String("model", p.Model),
		slog.Bool("structured", chatReq.ResponseFormat != nil),
		slog.Bool("audio", req.Audio != nil))

	upstream, err := client.StreamChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	return &Stream{upstream: upstream}, nil
}

// Complete performs one non-streaming call and returns the reply text.
func (r *Relay) Complete(ctx context.Context, p provider.Provider, req Request) (string, error) {
	client, err := r.client(ctx, p)
	if err != nil {
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, buildRequest(p, req))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", domain.ErrUpstreamStatus(http.StatusBadGateway, "upstream returned no choices")
	}

	r.logger.Debug("upstream completion finished",
		slog.String("provider", p.Name),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))

	return resp.Choices[0].Message.Content, nil
}

func (r *Relay) client(ctx context.Context, p provider.Provider) (*openai.Client, error) {
	if !p.Usable() {
		return nil, domain.ErrConfigMissing(fmt.Sprintf("provider %s has no credential or endpoint", p.Name))
	}

	key := p.StaticKey()
	if p.RequiresRotation {
		if r.keys == nil {
			return nil, domain.ErrConfigMissing(fmt.Sprintf("provider %s requires key rotation but no rotator is configured", p.Name))
		}
		var err error
		if key, err = r.keys.NextKey(ctx, p); err != nil {
			return nil, err
		}
	}

	return openai.NewClient(key,
		openai.WithBaseURL(p.BaseURL),
		openai.WithHTTPClient(r.httpClient),
	), nil
}

func buildRequest(p provider.Provider, req Request) *openai.ChatCompletionRequest {
	chatReq := &openai.ChatCompletionRequest{Model: p.Model}

	if req.StructuredOutput && !p.JSONFormatDisabled {
		chatReq.ResponseFormat = openai.JSONObjectFormat
	}

	if req.Audio != nil {
		encoded := base64.StdEncoding.EncodeToString(req.Audio.Data)
		chatReq.Messages = []openai.ChatCompletionMessage{{
			Role: "user",
			Content: openai.PartsContent(
				openai.AudioPart(encoded, req.Audio.Format),
				openai.TextPart(req.SystemPrompt),
			),
		}}
		chatReq.Modalities = []string{"text"}
		return chatReq
	}

	if req.SystemPrompt != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: openai.TextContent(req.SystemPrompt),
		})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:    "user",
		Content: openai.TextContent(req.UserMessage),
	})
	return chatReq
}

// Stream is a single-pass, forward-only sequence of fragments. Each call to
// Next reads at most one upstream chunk.
type Stream struct {
	upstream *openai.Stream
	closed   bool
}

// Next returns the next fragment. It returns io.EOF when the upstream reply
// is complete. Any other error ends the stream.
func (s *Stream) Next() (Fragment, error) {
	if s.closed {
		return Fragment{}, io.EOF
	}
	for {
		chunk, err := s.upstream.Recv()
		if err != nil {
			return Fragment{}, err
		}
		// Usage-only chunks carry no choices.
		if len(chunk.Choices) == 0 {
			continue
		}
		d := chunk.Choices[0].Delta
		return Fragment{Role: d.Role, Content: d.Content, ReasoningContent: d.ReasoningContent}, nil
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.upstream.Close()
}

// IsEnd reports whether err marks the normal end of a stream.
func IsEnd(err error) bool {
	return errors.Is(err, io.EOF)
}
