package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/testutil"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func TestStreamChatCompletion_ForwardsChunksInOrder(t *testing.T) {
	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{"content":"part-%d"}}]}`, i))
	}
	lines = append(lines, ": keep-alive comment", "data: [DONE]")

	srv := sseServer(t, lines)
	defer srv.Close()

	client := NewClient("sk-test", WithBaseURL(srv.URL))
	stream, err := client.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		got = append(got, chunk.Choices[0].Delta.Content)
	}

	want := []string{"part-0", "part-1", "part-2", "part-3", "part-4"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("chunks = %v, want %v", got, want)
	}

	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after end = %v, want io.EOF", err)
	}
}

func TestStreamChatCompletion_SendsRequest(t *testing.T) {
	var captured ChatCompletionRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient("sk-secret", WithBaseURL(srv.URL+"/"))
	stream, err := client.StreamChatCompletion(context.Background(), &ChatCompletionRequest{
		Model: "gpt-4o-audio",
		Messages: []ChatCompletionMessage{{
			Role:    "user",
			Content: PartsContent(AudioPart("QUJD", "wav"), TextPart("transcribe")),
		}},
		Modalities:     []string{"text"},
		ResponseFormat: JSONObjectFormat,
	})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	stream.Close()

	if auth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if !captured.Stream {
		t.Error("stream flag not set")
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", captured.ResponseFormat)
	}
	parts := captured.Messages[0].Content.Parts
	if len(parts) != 2 || parts[0].InputAudio == nil || parts[0].InputAudio.Format != "wav" || parts[1].Text != "transcribe" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestMessageContent_JSON(t *testing.T) {
	text, _ := json.Marshal(TextContent("hi"))
	if string(text) != `"hi"` {
		t.Errorf("text content = %s", text)
	}

	parts, _ := json.Marshal(PartsContent(TextPart("hi")))
	if string(parts) != `[{"type":"text","text":"hi"}]` {
		t.Errorf("parts content = %s", parts)
	}

	var decoded MessageContent
	if err := json.Unmarshal([]byte(`[{"type":"input_audio","input_audio":{"data":"AA==","format":"mp3"}}]`), &decoded); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	if len(decoded.Parts) != 1 || decoded.Parts[0].InputAudio.Format != "mp3" {
		t.Errorf("decoded = %+v", decoded)
	}
	if err := json.Unmarshal([]byte(`42`), &decoded); err == nil {
		t.Error("expected error for numeric content")
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantType   domain.ErrorType
		wantStatus int
		wantCode   domain.ErrorCode
	}{
		{
			name:       "rate limited by status",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"slow down","type":"requests"}}`,
			wantType:   domain.ErrorTypeUpstreamRateLimited,
			wantStatus: http.StatusTooManyRequests,
			wantCode:   domain.ErrorCodeRateLimitExceeded,
		},
		{
			name:       "unauthorized mirrored",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantType:   domain.ErrorTypeUpstreamStatus,
			wantStatus: http.StatusUnauthorized,
			wantCode:   domain.ErrorCodeInvalidAPIKey,
		},
		{
			name:       "plain text body",
			status:     http.StatusBadGateway,
			body:       "upstream exploded",
			wantType:   domain.ErrorTypeUpstreamStatus,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "numeric code",
			status:     http.StatusBadRequest,
			body:       `{"error":{"message":"bad audio","code":400}}`,
			wantType:   domain.ErrorTypeUpstreamStatus,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := NewClient("k", WithBaseURL(srv.URL))
			_, err := client.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
			apiErr, ok := domain.AsAPIError(err)
			if !ok {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", apiErr.Type, tt.wantType)
			}
			if apiErr.HTTPStatusCode() != tt.wantStatus {
				t.Errorf("status = %d, want %d", apiErr.HTTPStatusCode(), tt.wantStatus)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.wantCode)
			}

			_, err = client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
			if domain.TypeOf(err) != tt.wantType {
				t.Errorf("non-streaming Type = %s, want %s", domain.TypeOf(err), tt.wantType)
			}
		})
	}
}

func TestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient("k", WithBaseURL(url))
	_, err := client.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	apiErr, ok := domain.AsAPIError(err)
	if !ok || apiErr.Type != domain.ErrorTypeUpstreamConnection {
		t.Fatalf("err = %v, want upstream connection failure", err)
	}
	if !apiErr.Retryable() {
		t.Error("connection failure should be retryable")
	}
}

func TestStream_MidStreamError(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`data: {"error":{"message":"quota exhausted","type":"rate_limit_error"}}`,
	})
	defer srv.Close()

	stream, err := NewClient("k", WithBaseURL(srv.URL)).StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv() error = %v", err)
	}
	_, err = stream.Recv()
	if domain.TypeOf(err) != domain.ErrorTypeUpstreamRateLimited {
		t.Errorf("mid-stream error type = %s", domain.TypeOf(err))
	}
}

func TestStream_CloseStopsReading(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewClient("k", WithBaseURL(srv.URL)).StreamChatCompletion(ctx, &ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after Close = %v, want io.EOF", err)
	}
}

func TestStreamChatCompletion_VCR(t *testing.T) {
	client := NewClient("sk-test", WithHTTPClient(testutil.ReplayClient(t, "chat_completion_stream")))
	stream, err := client.StreamChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatCompletionMessage{{Role: "user", Content: TextContent("say hello")}},
	})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer stream.Close()

	var role, text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if len(chunk.Choices) > 0 {
			role.WriteString(chunk.Choices[0].Delta.Role)
			text.WriteString(chunk.Choices[0].Delta.Content)
		}
	}

	if role.String() != "assistant" {
		t.Errorf("role = %q", role.String())
	}
	if text.String() != "Hello there" {
		t.Errorf("text = %q, want %q", text.String(), "Hello there")
	}
}

func TestCreateChatCompletion_VCR(t *testing.T) {
	client := NewClient("sk-test", WithHTTPClient(testutil.ReplayClient(t, "chat_completion")))
	resp, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:          "gpt-4o-mini",
		Messages:       []ChatCompletionMessage{{Role: "user", Content: TextContent("extract")}},
		ResponseFormat: JSONObjectFormat,
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion() error = %v", err)
	}

	if got := resp.Choices[0].Message.Content; got != `{"school":"North High"}` {
		t.Errorf("content = %q", got)
	}
	if resp.Usage.TotalTokens != 28 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}
