// Package frontdoor serves the relay's HTTP API. Handlers decode requests,
// call the workflow packages and hand every failure to codec.WriteError.
package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/codec"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/metrics"
	"github.com/tjfontaine/report-relay/internal/provider"
	"github.com/tjfontaine/report-relay/internal/ratelimit"
	"github.com/tjfontaine/report-relay/internal/relay"
	"github.com/tjfontaine/report-relay/internal/server"
	"github.com/tjfontaine/report-relay/internal/storage"
	"github.com/tjfontaine/report-relay/internal/tokens"
	"github.com/tjfontaine/report-relay/internal/transcribe"
)

const (
	// DefaultMaxUploadBytes bounds multipart uploads when Deps leaves it unset.
	DefaultMaxUploadBytes = 50 << 20

	maxJSONBytes = 10 << 20
)

// Relayer issues upstream model calls.
type Relayer interface {
	StreamChat(ctx context.Context, p provider.Provider, req relay.Request) (*relay.Stream, error)
	Complete(ctx context.Context, p provider.Provider, req relay.Request) (string, error)
}

// Transcriber starts audio transcriptions.
type Transcriber interface {
	Transcribe(ctx context.Context, objectName, providerName string) (*transcribe.Transcript, error)
}

// Extractor turns a transcript into report fields.
type Extractor interface {
	Extract(ctx context.Context, objectName, transcription string) (map[string]any, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Providers   *provider.Source
	Relay       Relayer
	Transcriber Transcriber
	Extractor   Extractor
	Reports     storage.ReportStore
	Audio       audio.ObjectStore
	Tokens      *tokens.Registry
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	MaxUploadBytes int64
}

type Handler struct {
	providers   *provider.Source
	relay       Relayer
	transcriber Transcriber
	extractor   Extractor
	reports     storage.ReportStore
	audio       audio.ObjectStore
	tokens      *tokens.Registry
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxUpload   int64
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		providers:   d.Providers,
		relay:       d.Relay,
		transcriber: d.Transcriber,
		extractor:   d.Extractor,
		reports:     d.Reports,
		audio:       d.Audio,
		tokens:      d.Tokens,
		metrics:     d.Metrics,
		logger:      d.Logger,
		maxUpload:   d.MaxUploadBytes,
	}
	if h.tokens == nil {
		h.tokens = tokens.NewRegistry()
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.maxUpload <= 0 {
		h.maxUpload = DefaultMaxUploadBytes
	}
	return h
}

// Route is one endpoint. An empty Class is not rate limited.
type Route struct {
	Method  string
	Path    string
	Class   ratelimit.Class
	Handler http.HandlerFunc
}

// Routes lists every endpoint with its rate-limit class.
func (h *Handler) Routes() []Route {
	return []Route{
		{http.MethodGet, "/fetchModels", ratelimit.ClassGeneral, h.handleFetchModels},
		{http.MethodPost, "/query_stream", ratelimit.ClassGeneral, h.handleQueryStream},
		{http.MethodPost, "/query", ratelimit.ClassGeneral, h.handleQuery},

		{http.MethodGet, "/api/generate-audio-url", ratelimit.ClassGeneral, h.handleGenerateAudioURL},
		{http.MethodPost, "/api/upload-audio", ratelimit.ClassUpload, h.handleUploadAudio},
		{http.MethodPost, "/api/transcribe-audio", ratelimit.ClassTranscribe, h.handleTranscribeAudio},
		{http.MethodGet, "/api/get-audio-file", ratelimit.ClassGeneral, h.handleGetAudioFile},

		{http.MethodPost, "/api/analyze-report", ratelimit.ClassAnalyze, h.handleAnalyzeReport},
		{http.MethodPost, "/api/submit-final-report", ratelimit.ClassSubmit, h.handleSubmitFinalReport},
		{http.MethodGet, "/api/reports", ratelimit.ClassGeneral, h.handleListReports},
		{http.MethodGet, "/api/get-timestamps", ratelimit.ClassGeneral, h.handleGetTimestamps},
		{http.MethodGet, "/api/get-report-details", ratelimit.ClassGeneral, h.handleGetReportDetails},

		{http.MethodGet, "/healthz", "", h.handleHealth},
		{http.MethodGet, "/metrics", "", h.metrics.Handler().ServeHTTP},
	}
}

// Mount registers every route on r. Limited routes pass through limiter
// first; a nil limiter disables rate limiting.
func (h *Handler) Mount(r chi.Router, limiter *ratelimit.Limiter) {
	r.Group(func(r chi.Router) {
		r.Use(h.metrics.Middleware)
		for _, rt := range h.Routes() {
			var handler http.Handler = rt.Handler
			if rt.Class != "" && limiter != nil {
				handler = limiter.Middleware(rt.Class, h.logger, h.onReject)(handler)
			}
			r.Method(rt.Method, rt.Path, handler)
		}
	})
}

func (h *Handler) onReject(class ratelimit.Class) {
	h.metrics.RateLimited(string(class))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(h.providers.Registry().ListAvailable()),
	})
}

// fail writes err and records it on the request log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	apiErr := codec.ToCanonicalError(err)
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("type", string(apiErr.Type)),
			slog.String("error", err.Error()))
	}
	codec.WriteError(w, apiErr)
}

// lookupModel resolves a usable provider by name.
func (h *Handler) lookupModel(name string) (provider.Provider, error) {
	if name == "" {
		return provider.Provider{}, domain.ErrValidation("missing model")
	}
	reg := h.providers.Registry()
	if !reg.Available(name) {
		return provider.Provider{}, domain.ErrInvalidModel(name)
	}
	return reg.Get(name)
}

func (h *Handler) recordUpstream(p provider.Provider, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(codec.ToCanonicalError(err).Type)
	}
	h.metrics.UpstreamCall(p.Name, outcome)
}

func (h *Handler) countPrompt(ctx context.Context, p provider.Provider, system, user string) {
	est := h.tokens.CountPrompt(p.Model, system, user)
	h.metrics.PromptTokens(p.Name, est.Tokens)
	server.AddLogField(ctx, "model", p.Name)
	server.AddLogField(ctx, "prompt_tokens", strconv.Itoa(est.Tokens))
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrValidation("request body too large").WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		if errors.Is(err, io.EOF) {
			return domain.ErrValidation("request body must be JSON")
		}
		return domain.ErrValidation("request body must be valid JSON").WithCause(err)
	}
	return nil
}
