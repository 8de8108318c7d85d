package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/provider"
	"github.com/tjfontaine/report-relay/internal/ratelimit"
	"github.com/tjfontaine/report-relay/internal/rotation"
	"github.com/tjfontaine/report-relay/internal/storage"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		a.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from path plus environment overrides.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithProviders uses source instead of reading the providers file.
func WithProviders(source *provider.Source) Option {
	return func(a *App) error {
		a.providers = source
		return nil
	}
}

// WithReportStore sets the report store. The caller keeps ownership and
// closes it.
func WithReportStore(store storage.ReportStore) Option {
	return func(a *App) error {
		a.reports = store
		return nil
	}
}

// WithCounterStore sets where rotation counters are kept.
func WithCounterStore(store rotation.CounterStore) Option {
	return func(a *App) error {
		a.counters = store
		return nil
	}
}

// WithAudioStore sets the audio object store.
func WithAudioStore(store audio.ObjectStore) Option {
	return func(a *App) error {
		a.audio = store
		return nil
	}
}

// WithRateLimitStore sets the rate limit backend.
func WithRateLimitStore(store ratelimit.Store) Option {
	return func(a *App) error {
		a.limitStore = store
		return nil
	}
}

// WithHTTPClient sets the client used for upstream and S3 calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) error {
		a.httpClient = c
		return nil
	}
}

// WithTraceWriter sends exported spans to w instead of stdout.
func WithTraceWriter(w io.Writer) Option {
	return func(a *App) error {
		a.traceOut = w
		return nil
	}
}
