// Package codec translates canonical domain errors into HTTP responses and
// in-band stream markers. It is the only place error types become statuses.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/report-relay/internal/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string           `json:"error"`
	Type  domain.ErrorType `json:"type,omitempty"`
	Code  domain.ErrorCode `json:"code,omitempty"`

	// RawResponse carries unparsed model output for malformed-output errors.
	RawResponse string `json:"raw_response,omitempty"`
}

// ErrorResponse is a formatted error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// Errors that were never classified become ErrorTypeUnknown so that raw
// collaborator messages are not exposed to callers.
func ToCanonicalError(err error) *domain.APIError {
	if apiErr, ok := domain.AsAPIError(err); ok {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamConnection(err)
	}
	return domain.ErrUnknown(err)
}

// FormatBody builds the JSON error body for err.
func FormatBody(err error) ErrorBody {
	apiErr := ToCanonicalError(err)
	return ErrorBody{
		Error:       apiErr.Message,
		Type:        apiErr.Type,
		Code:        apiErr.Code,
		RawResponse: apiErr.Raw,
	}
}

// FormatError formats err as a complete HTTP error response.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)
	body, _ := json.Marshal(FormatBody(apiErr))
	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StreamErrorLine returns the newline-terminated JSON marker written into a
// fragment stream that fails after its first byte.
func StreamErrorLine(err error) []byte {
	b, _ := json.Marshal(FormatBody(err))
	return append(b, '\n')
}

// StreamErrorHeader is announced as a trailer on plain-text streams and set
// when the stream fails after the first byte.
const StreamErrorHeader = "X-Stream-Error"

// TextStreamMarker is appended to plain-text streams that fail mid-way.
func TextStreamMarker(err error) string {
	return "\n[error] " + ToCanonicalError(err).Message + "\n"
}
