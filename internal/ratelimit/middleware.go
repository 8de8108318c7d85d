package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/report-relay/internal/codec"
	"github.com/tjfontaine/report-relay/internal/domain"
)

// RejectHook is notified of every rejected call.
type RejectHook func(class Class)

// Middleware gates a route class. Over-budget calls get a 429 JSON error
// before the wrapped handler runs. Store failures fail open.
func (l *Limiter) Middleware(class Class, logger *slog.Logger, onReject RejectHook) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientKey(r)
			d, err := l.Allow(r.Context(), client, class)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					slog.String("class", string(class)),
					slog.String("client", client),
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			writeHeaders(w.Header(), d, l.now())
			if !d.Allowed {
				if onReject != nil {
					onReject(class)
				}
				logger.Info("rate limit exceeded",
					slog.String("class", string(class)),
					slog.String("client", client),
					slog.Int("limit", d.Limit))
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
				codec.WriteError(w, domain.ErrRateLimited(fmt.Sprintf(
					"rate limit exceeded: %d per %s, retry in %ds",
					d.Limit, formatWindow(l.window), retrySeconds(d.RetryAfter))))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by network address. Forwarding headers
// count only when the server is configured to trust them.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeHeaders sets x-ratelimit-{limit,remaining,reset}-requests.
func writeHeaders(h http.Header, d Decision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(d.Limit))
	// 0 is a meaningful remaining value once a limit is known.
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		h.Set("x-ratelimit-reset-requests", strconv.Itoa(retrySeconds(d.Reset.Sub(now)))+"s")
	}
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func formatWindow(w time.Duration) string {
	switch {
	case w == time.Hour:
		return "hour"
	case w == time.Minute:
		return "minute"
	default:
		return w.String()
	}
}
