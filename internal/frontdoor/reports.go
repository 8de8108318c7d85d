package frontdoor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/report-relay/internal/codec"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/server"
)

type AnalyzeRequest struct {
	ObjectName        string `json:"object_name"`
	TranscriptionText string `json:"transcription_text"`
}

type SubmitResponse struct {
	Status              string `json:"status"`
	Message             string `json:"message"`
	SubmissionTimestamp string `json:"submission_timestamp"`
}

type TimestampsResponse struct {
	Timestamps []string `json:"timestamps"`
}

func (h *Handler) handleAnalyzeReport(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "object_name", req.ObjectName)

	fields, err := h.extractor.Extract(r.Context(), req.ObjectName, req.TranscriptionText)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, fields)
}

// handleSubmitFinalReport stores a new report version. The body is any JSON
// object carrying object_name; known fields are copied as text and the rest
// is ignored.
func (h *Handler) handleSubmitFinalReport(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(w, r, &body); err != nil || body == nil {
		h.fail(w, r, domain.ErrValidation("request body must be a JSON object"))
		return
	}

	rep := &domain.Report{
		ObjectName:        textField(body, "object_name"),
		School:            textField(body, "school"),
		Method:            textField(body, "method"),
		Phone:             textField(body, "phone"),
		Time:              textField(body, "time"),
		TranscriptionText: textField(body, "transcription_text"),
	}
	if rep.ObjectName == "" {
		h.fail(w, r, domain.ErrValidation("missing object_name"))
		return
	}

	if err := h.reports.SaveReport(r.Context(), rep); err != nil {
		h.fail(w, r, err)
		return
	}
	h.metrics.ReportSaved()
	server.AddLogField(r.Context(), "object_name", rep.ObjectName)
	h.logger.Info("report saved",
		slog.String("object_name", rep.ObjectName),
		slog.String("submission_timestamp", rep.SubmissionTimestamp))

	codec.WriteJSON(w, http.StatusOK, SubmitResponse{
		Status:              "success",
		Message:             fmt.Sprintf("report saved for %s", rep.ObjectName),
		SubmissionTimestamp: rep.SubmissionTimestamp,
	})
}

// textField renders body[key] as text. Strings pass through, null and
// missing keys become "", anything else is kept as its JSON encoding.
func textField(body map[string]any, key string) string {
	switch v := body[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.ListLatestReports(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, reports)
}

func (h *Handler) handleGetTimestamps(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("object_name")
	if name == "" {
		h.fail(w, r, domain.ErrValidation("missing object_name"))
		return
	}
	timestamps, err := h.reports.ListTimestamps(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, TimestampsResponse{Timestamps: timestamps})
}

// handleGetReportDetails returns one version. Without a timestamp it returns
// the latest.
func (h *Handler) handleGetReportDetails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("object_name")
	if name == "" {
		h.fail(w, r, domain.ErrValidation("missing object_name"))
		return
	}
	rep, err := h.reports.GetReport(r.Context(), name, q.Get("timestamp"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, rep)
}
