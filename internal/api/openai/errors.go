package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tjfontaine/report-relay/internal/domain"
)

const maxErrorBody = 512

// ToCanonical converts the upstream error to a domain error for the given HTTP status.
func (e *APIError) ToCanonical(status int) *domain.APIError {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	var apiErr *domain.APIError
	if status == http.StatusTooManyRequests || isRateLimitType(e.Type, e.CodeString()) {
		apiErr = domain.ErrUpstreamRateLimited(msg)
	} else {
		if status == 0 {
			status = http.StatusBadGateway
		}
		apiErr = domain.ErrUpstreamStatus(status, msg)
	}

	switch e.CodeString() {
	case "invalid_api_key":
		apiErr.WithCode(domain.ErrorCodeInvalidAPIKey)
	case "model_not_found":
		apiErr.WithCode(domain.ErrorCodeModelNotFound)
	}
	return apiErr
}

func isRateLimitType(errType, code string) bool {
	switch {
	case errType == "rate_limit_error", errType == "rate_limit_exceeded":
		return true
	case code == "rate_limit_exceeded", code == "429":
		return true
	case strings.EqualFold(errType, "RESOURCE_EXHAUSTED"):
		return true
	}
	return false
}

// statusError builds the domain error for a non-200 upstream reply.
func statusError(status int, body []byte) *domain.APIError {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToCanonical(status)
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests {
		return domain.ErrUpstreamRateLimited(msg)
	}
	return domain.ErrUpstreamStatus(status, msg)
}

// transportError classifies a failure to reach or keep reading from the upstream.
// Cancellation by the caller is returned unchanged.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.ErrUpstreamConnection(err)
}
