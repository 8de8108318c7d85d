package frontdoor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/codec"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/relay"
	"github.com/tjfontaine/report-relay/internal/server"
)

const defaultAudioContentType = "audio/mpeg"

type AudioURLResponse struct {
	Status     string `json:"status"` // exists, new
	ObjectName string `json:"object_name"`
}

type UploadResponse struct {
	Message    string `json:"message"`
	ObjectName string `json:"object_name"`
}

type TranscribeRequest struct {
	ObjectName string `json:"object_name"`
	Model      string `json:"model"`
}

// handleGenerateAudioURL names the object for a file hash and reports
// whether it is already stored, so clients can skip re-uploading.
func (h *Handler) handleGenerateAudioURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contentType := q.Get("contentType")
	if contentType == "" {
		contentType = defaultAudioContentType
	}
	hash := q.Get("fileHash")
	if hash == "" {
		h.fail(w, r, domain.ErrValidation("missing fileHash"))
		return
	}

	name := audio.ObjectName(hash, contentType)
	if err := audio.ValidateName(name); err != nil {
		h.fail(w, r, err)
		return
	}
	exists, err := h.audio.Exists(r.Context(), name)
	if err != nil {
		h.fail(w, r, domain.ErrStorage("failed to check audio object", err))
		return
	}

	status := "new"
	if exists {
		status = "exists"
	}
	codec.WriteJSON(w, http.StatusOK, AudioURLResponse{Status: status, ObjectName: name})
}

func (h *Handler) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, domain.ErrValidation(fmt.Sprintf("upload exceeds %d bytes", h.maxUpload)).
				WithStatusCode(http.StatusRequestEntityTooLarge))
			return
		}
		h.fail(w, r, domain.ErrValidation("missing file part"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, domain.ErrValidation("missing file part"))
		return
	}
	defer file.Close()

	name := r.FormValue("object_name")
	if name == "" {
		h.fail(w, r, domain.ErrValidation("missing object_name"))
		return
	}
	if header.Filename == "" {
		h.fail(w, r, domain.ErrValidation("no file selected"))
		return
	}
	if err := audio.ValidateName(name); err != nil {
		h.fail(w, r, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = audio.ContentType(name)
	}
	if err := h.audio.Put(r.Context(), name, file, contentType); err != nil {
		h.fail(w, r, domain.ErrStorage("failed to save audio object", err))
		return
	}

	server.AddLogField(r.Context(), "object_name", name)
	h.logger.Info("audio uploaded",
		slog.String("object_name", name),
		slog.Int64("bytes", header.Size))
	codec.WriteJSON(w, http.StatusOK, UploadResponse{Message: "upload complete", ObjectName: name})
}

// handleTranscribeAudio streams transcript text as it arrives. Failures
// after the first byte append an in-band marker and set the
// X-Stream-Error trailer.
func (h *Handler) handleTranscribeAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TranscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(ctx, "object_name", req.ObjectName)
	server.AddLogField(ctx, "model", req.Model)

	transcript, err := h.transcriber.Transcribe(ctx, req.ObjectName, req.Model)
	if err != nil {
		if t := domain.TypeOf(err); t != domain.ErrorTypeValidation && t != domain.ErrorTypeInvalidModel &&
			t != domain.ErrorTypeNotFound {
			h.metrics.UpstreamCall(req.Model, string(t))
		}
		h.fail(w, r, err)
		return
	}
	defer transcript.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Trailer", codec.StreamErrorHeader)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		text, err := transcript.Next()
		if relay.IsEnd(err) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			apiErr := codec.ToCanonicalError(err)
			h.metrics.UpstreamCall(req.Model, string(apiErr.Type))
			server.AddError(ctx, err)
			w.Write([]byte(codec.TextStreamMarker(apiErr)))
			w.Header().Set(codec.StreamErrorHeader, apiErr.Message)
			rc.Flush()
			return
		}
		if _, err := w.Write([]byte(text)); err != nil {
			return
		}
		rc.Flush()
	}
	h.metrics.UpstreamCall(req.Model, "ok")
}

// handleGetAudioFile serves a stored recording. Range requests are honoured.
func (h *Handler) handleGetAudioFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("object_name")
	if name == "" {
		h.fail(w, r, domain.ErrValidation("missing object_name"))
		return
	}
	if err := audio.ValidateName(name); err != nil {
		h.fail(w, r, err)
		return
	}

	data, err := h.audio.Get(r.Context(), name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		h.fail(w, r, domain.ErrNotFound("audio file not found: "+name).WithCause(err))
		return
	case errors.Is(err, fs.ErrPermission):
		h.fail(w, r, domain.ErrPermission("no permission to read audio file").WithCause(err))
		return
	case err != nil:
		h.fail(w, r, domain.ErrStorage("failed to read audio file", err))
		return
	}

	w.Header().Set("Content-Type", audio.ContentType(name))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}
