package frontdoor

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/report-relay/internal/codec"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/relay"
	"github.com/tjfontaine/report-relay/internal/server"
)

// QueryRequest is the body of /query_stream and /query. On /query the
// prompt and msg are base64-encoded UTF-8.
type QueryRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Msg    string `json:"msg"`
}

func (h *Handler) handleFetchModels(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, h.providers.Registry().ListAvailable())
}

// handleQueryStream relays a chat reply as newline-delimited JSON fragments.
// A prompt mentioning "json" asks the provider for a JSON object reply.
func (h *Handler) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.lookupModel(req.Model)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.countPrompt(ctx, p, req.Prompt, req.Msg)

	stream, err := h.relay.StreamChat(ctx, p, relay.Request{
		SystemPrompt:     req.Prompt,
		UserMessage:      req.Msg,
		StructuredOutput: strings.Contains(req.Prompt, "json"),
	})
	if err != nil {
		h.recordUpstream(p, err)
		h.fail(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	fragments := 0
	for {
		f, err := stream.Next()
		if relay.IsEnd(err) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Info("client went away mid-stream",
					slog.String("request_id", server.GetRequestID(ctx)),
					slog.Int("fragments", fragments))
				return
			}
			h.recordUpstream(p, err)
			server.AddError(ctx, err)
			w.Write(codec.StreamErrorLine(err))
			rc.Flush()
			return
		}
		if err := enc.Encode(f); err != nil {
			return
		}
		rc.Flush()
		fragments++
	}
	h.recordUpstream(p, nil)
}

// handleQuery is the non-streaming form. The reply is written as a JSON
// string holding the model's text.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.lookupModel(req.Model)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	prompt, err := base64.StdEncoding.DecodeString(req.Prompt)
	if err != nil {
		h.fail(w, r, domain.ErrValidation("prompt is not valid base64"))
		return
	}
	msg, err := base64.StdEncoding.DecodeString(req.Msg)
	if err != nil {
		h.fail(w, r, domain.ErrValidation("msg is not valid base64"))
		return
	}
	h.countPrompt(r.Context(), p, string(prompt), string(msg))

	reply, err := h.relay.Complete(r.Context(), p, relay.Request{
		SystemPrompt:     string(prompt),
		UserMessage:      string(msg),
		StructuredOutput: true,
	})
	h.recordUpstream(p, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, reply)
}
