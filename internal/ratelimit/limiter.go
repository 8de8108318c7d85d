// Package ratelimit enforces rolling-window call budgets per client address
// and route class.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/report-relay/internal/pkg/config"
)

// Class groups routes that share one budget.
type Class string

const (
	ClassGeneral    Class = "general"
	ClassUpload     Class = "upload"
	ClassTranscribe Class = "transcribe"
	ClassAnalyze    Class = "analyze"
	ClassSubmit     Class = "submit"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int

	// RetryAfter is how long until the oldest counted call leaves the
	// window. Zero when the call was allowed.
	RetryAfter time.Duration
	Reset      time.Time
}

// Store records calls inside a rolling window. Implementations must make the
// count-and-record step atomic per key. Rejected calls are not recorded.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error)
}

// Limiter applies per-class budgets on top of a Store.
type Limiter struct {
	store   Store
	window  time.Duration
	budgets map[Class]int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. A class with a budget of zero or less is unlimited.
func New(store Store, window time.Duration, budgets map[Class]int, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	l := &Limiter{store: store, window: window, budgets: budgets, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BudgetsFromConfig maps configured budgets onto route classes.
func BudgetsFromConfig(b config.BudgetConfig) map[Class]int {
	return map[Class]int{
		ClassGeneral:    b.General,
		ClassUpload:     b.Upload,
		ClassTranscribe: b.Transcribe,
		ClassAnalyze:    b.Analyze,
		ClassSubmit:     b.Submit,
	}
}

// Budget returns the configured budget for class.
func (l *Limiter) Budget(class Class) int {
	return l.budgets[class]
}

// Window returns the rolling window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow counts one call by clientKey against class and reports whether it is
// within budget.
func (l *Limiter) Allow(ctx context.Context, clientKey string, class Class) (Decision, error) {
	limit := l.budgets[class]
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	d, err := l.store.Hit(ctx, storeKey(class, clientKey), l.now(), l.window, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s/%s: %w", class, clientKey, err)
	}
	return d, nil
}

func storeKey(class Class, clientKey string) string {
	return string(class) + ":" + clientKey
}
