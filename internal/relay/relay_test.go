package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/tjfontaine/report-relay/internal/api/openai"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/provider"
)

type fakeUpstream struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	keys     []string
	deltas   []string
	reply    string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.keys = append(f.keys, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":%q}}]}`, f.reply)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
	for _, d := range f.deltas {
		fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":5,\"total_tokens\":8}}\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeUpstream) request(i int) openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeUpstream) key(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[i]
}

func newProvider(t *testing.T, baseURL string, cfg config.ProviderConfig) provider.Provider {
	t.Helper()
	cfg.BaseURL = baseURL
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	p, err := provider.NewRegistry([]config.ProviderConfig{cfg}).Get(cfg.Name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func quietRelay(opts ...Option) *Relay {
	opts = append([]Option{
		WithHTTPClient(http.DefaultClient),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(opts...)
}

func drain(t *testing.T, s *Stream) []Fragment {
	t.Helper()
	defer s.Close()
	var out []Fragment
	for {
		f, err := s.Next()
		if IsEnd(err) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, f)
	}
}

func TestStreamChat_ForwardsFragmentsInOrder(t *testing.T) {
	up := &fakeUpstream{deltas: []string{"one", "two", "three", "four", "five"}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	p := newProvider(t, srv.URL, config.ProviderConfig{APIKey: "sk-1"})
	s, err := quietRelay().StreamChat(context.Background(), p, Request{SystemPrompt: "sys", UserMessage: "hi"})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	frags := drain(t, s)
	if len(frags) != 6 {
		t.Fatalf("got %d fragments, want 6 (role + 5 content)", len(frags))
	}
	if frags[0].Role != "assistant" {
		t.Errorf("first fragment role = %q", frags[0].Role)
	}
	for i, want := range up.deltas {
		if frags[i+1].Content != want {
			t.Errorf("fragment %d = %q, want %q", i+1, frags[i+1].Content, want)
		}
	}

	req := up.request(0)
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content.Text != "hi" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if up.key(0) != "Bearer sk-1" {
		t.Errorf("auth = %q", up.key(0))
	}
}

func TestStreamChat_ResponseFormat(t *testing.T) {
	f := false
	tests := []struct {
		name       string
		jsonFormat *bool
		structured bool
		want       bool
	}{
		{"requested", nil, true, true},
		{"not requested", nil, false, false},
		{"disabled by provider", &f, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			srv := httptest.NewServer(up)
			defer srv.Close()

			p := newProvider(t, srv.URL, config.ProviderConfig{APIKey: "k", JSONFormat: tt.jsonFormat})
			s, err := quietRelay().StreamChat(context.Background(), p, Request{UserMessage: "x", StructuredOutput: tt.structured})
			if err != nil {
				t.Fatal(err)
			}
			drain(t, s)

			got := up.request(0).ResponseFormat != nil
			if got != tt.want {
				t.Errorf("response_format present = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamChat_AudioRequest(t *testing.T) {
	up := &fakeUpstream{deltas: []string{"transcript"}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	p := newProvider(t, srv.URL, config.ProviderConfig{APIKey: "k"})
	s, err := quietRelay().StreamChat(context.Background(), p, Request{
		SystemPrompt: "transcribe this",
		Audio:        &AudioInput{Data: []byte("ABC"), Format: "wav"},
	})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, s)

	req := up.request(0)
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	parts := req.Messages[0].Content.Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].Type != "input_audio" || parts[0].InputAudio.Data != "QUJD" || parts[0].InputAudio.Format != "wav" {
		t.Errorf("audio part = %+v", parts[0])
	}
	if parts[1].Type != "text" || parts[1].Text != "transcribe this" {
		t.Errorf("text part = %+v", parts[1])
	}
	if len(req.Modalities) != 1 || req.Modalities[0] != "text" {
		t.Errorf("modalities = %v", req.Modalities)
	}
}

type sequenceSelector struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceSelector) NextKey(_ context.Context, p provider.Provider) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := p.Keys()
	k := keys[s.next%len(keys)]
	s.next++
	return k, nil
}

func TestComplete_UsesRotation(t *testing.T) {
	up := &fakeUpstream{reply: `{"ok":true}`}
	srv := httptest.NewServer(up)
	defer srv.Close()

	p := newProvider(t, srv.URL, config.ProviderConfig{APIKeys: []string{"a", "b"}, Rotate: true})
	r := quietRelay(WithKeySelector(&sequenceSelector{}))

	for i := 0; i < 3; i++ {
		reply, err := r.Complete(context.Background(), p, Request{UserMessage: "q"})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if reply != `{"ok":true}` {
			t.Errorf("reply = %q", reply)
		}
	}

	want := []string{"Bearer a", "Bearer b", "Bearer a"}
	for i, k := range want {
		if up.key(i) != k {
			t.Errorf("call %d auth = %q, want %q", i, up.key(i), k)
		}
	}
}

func TestRelay_ConfigErrors(t *testing.T) {
	r := quietRelay()

	unusable := newProvider(t, "", config.ProviderConfig{APIKey: "k"})
	if _, err := r.StreamChat(context.Background(), unusable, Request{}); domain.TypeOf(err) != domain.ErrorTypeConfigMissing {
		t.Errorf("unusable provider error = %v", err)
	}

	rotating := newProvider(t, "https://example.invalid", config.ProviderConfig{APIKeys: []string{"a"}, Rotate: true})
	if _, err := r.Complete(context.Background(), rotating, Request{}); domain.TypeOf(err) != domain.ErrorTypeConfigMissing {
		t.Errorf("missing rotator error = %v", err)
	}
}

func TestStream_UpstreamStatusBeforeFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, config.ProviderConfig{APIKey: "k"})
	_, err := quietRelay().StreamChat(context.Background(), p, Request{UserMessage: "x"})
	apiErr, ok := domain.AsAPIError(err)
	if !ok || apiErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want mirrored 503", err)
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	up := &fakeUpstream{deltas: []string{"a", "b"}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	p := newProvider(t, srv.URL, config.ProviderConfig{APIKey: "k"})
	s, err := quietRelay().StreamChat(context.Background(), p, Request{UserMessage: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after Close = %v, want io.EOF", err)
	}
}
