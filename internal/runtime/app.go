// Package runtime assembles the relay from configuration and manages its
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tjfontaine/report-relay/internal/adapters/config/file"
	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/frontdoor"
	"github.com/tjfontaine/report-relay/internal/metrics"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/prompts"
	"github.com/tjfontaine/report-relay/internal/provider"
	"github.com/tjfontaine/report-relay/internal/ratelimit"
	"github.com/tjfontaine/report-relay/internal/relay"
	"github.com/tjfontaine/report-relay/internal/report"
	"github.com/tjfontaine/report-relay/internal/rotation"
	"github.com/tjfontaine/report-relay/internal/server"
	"github.com/tjfontaine/report-relay/internal/storage"
	"github.com/tjfontaine/report-relay/internal/telemetry"
	"github.com/tjfontaine/report-relay/internal/tokens"
	"github.com/tjfontaine/report-relay/internal/transcribe"
)

// sweepSchedule is how often idle in-memory rate-limit entries are dropped.
const sweepSchedule = "@every 5m"

// App is a fully wired relay. Build it with New, then Start and Shutdown.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Injected or built from cfg.
	providers  *provider.Source
	reports    storage.ReportStore
	counters   rotation.CounterStore
	audio      audio.ObjectStore
	limitStore ratelimit.Store
	httpClient *http.Client
	traceOut   io.Writer

	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	handler *frontdoor.Handler
	server  *server.Server
	watcher *file.Watcher
	janitor *cron.Cron

	closers        []func() error
	tracerShutdown telemetry.ShutdownFunc

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New builds an App. Without WithConfig or WithConfigFile, config.yaml in
// the working directory is read.
func New(ctx context.Context, opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}

	if err := a.build(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	if a.providers == nil {
		a.providers = provider.NewSource(provider.Load(cfg.ProvidersFile, a.logger))
	}
	if a.httpClient == nil {
		proxy := ""
		if cfg.LocalMode() {
			proxy = cfg.ProxyURL
			a.logger.Info("local mode, routing upstream calls through proxy", slog.String("proxy", proxy))
		}
		a.httpClient = relay.NewHTTPClient(proxy)
	}

	if a.reports == nil {
		store, err := OpenReportStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open report store: %w", err)
		}
		a.reports = store
		a.closers = append(a.closers, store.Close)
	}

	if a.counters == nil {
		counters, closer, err := a.openCounterStore(ctx)
		if err != nil {
			return fmt.Errorf("open rotation store: %w", err)
		}
		a.counters = counters
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	if a.limitStore == nil {
		store, closer, err := openLimitStore(ctx, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("open rate limit store: %w", err)
		}
		a.limitStore = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	if a.audio == nil {
		store, err := openAudioStore(ctx, cfg.Audio, a.httpClient)
		if err != nil {
			return fmt.Errorf("open audio store: %w", err)
		}
		a.audio = store
	}

	a.limiter = ratelimit.New(a.limitStore, cfg.RateLimit.Window, ratelimit.BudgetsFromConfig(cfg.RateLimit.Budgets))
	a.metrics = metrics.New()

	loader := prompts.NewLoader(cfg.Prompts.Dir)
	rl := relay.New(
		relay.WithHTTPClient(a.httpClient),
		relay.WithKeySelector(rotation.New(a.counters, a.logger)),
		relay.WithLogger(a.logger),
	)

	a.handler = frontdoor.NewHandler(frontdoor.Deps{
		Providers:      a.providers,
		Relay:          rl,
		Transcriber:    transcribe.New(a.providers, rl, a.audio, loader, transcribe.WithLogger(a.logger)),
		Extractor:      report.NewExtractor(a.providers, rl, loader, cfg.Extraction.Provider, a.logger),
		Reports:        a.reports,
		Audio:          a.audio,
		Tokens:         tokens.NewRegistry(),
		Metrics:        a.metrics,
		Logger:         a.logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	a.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,

		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}, a.logger)
	a.handler.Mount(a.server.Router, a.limiter)

	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Router
}

// Providers exposes the live provider registry.
func (a *App) Providers() *provider.Source {
	return a.providers
}

// Reports exposes the report store.
func (a *App) Reports() storage.ReportStore {
	return a.reports
}

// Start brings up tracing, background jobs and the HTTP listener. It returns
// once the listener goroutine is running; listener failures are logged.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.startBackground(); err != nil {
		return err
	}

	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Error("server failed", slog.String("error", err.Error()))
		}
	}()

	a.logger.Info("relay started",
		slog.Int("port", a.cfg.Server.Port),
		slog.Int("providers", a.providers.Registry().Len()),
		slog.Int("available", len(a.providers.Registry().ListAvailable())),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.String("audio", a.cfg.Audio.Backend),
		slog.String("ratelimit", a.cfg.RateLimit.Backend))
	return nil
}

// startBackground starts everything except the listener.
func (a *App) startBackground() error {
	shutdown, err := telemetry.InitTracer(telemetry.Config{
		ServiceName: "report-relay",
		Enabled:     a.cfg.Telemetry.Enabled,
		Writer:      a.traceOut,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = shutdown

	if a.cfg.WatchProviders {
		if err := a.watchProviders(); err != nil {
			a.logger.Warn("providers watch disabled", slog.String("error", err.Error()))
		}
	}

	if mem, ok := a.limitStore.(*ratelimit.MemoryStore); ok {
		if err := a.startJanitor(mem); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
	}
	return nil
}

func (a *App) watchProviders() error {
	w, err := file.NewWatcher(a.cfg.ProvidersFile, a.providers, a.logger)
	if err != nil {
		return err
	}
	onChange := func(r *provider.Registry) {
		a.logger.Info("provider registry reloaded",
			slog.Int("providers", r.Len()),
			slog.Int("available", len(r.ListAvailable())))
	}
	if err := w.Watch(a.ctx, onChange); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

func (a *App) startJanitor(mem *ratelimit.MemoryStore) error {
	window := a.limiter.Window()
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, func() {
		if n := mem.Sweep(time.Now(), window); n > 0 {
			a.logger.Debug("swept idle rate limit entries", slog.Int("removed", n))
		}
	}); err != nil {
		return err
	}
	c.Start()
	a.janitor = c
	return nil
}

// Shutdown stops the listener, waits for in-flight requests and releases
// every backend.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down relay")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.janitor != nil {
		<-a.janitor.Stop().Done()
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.logger.Error("failed to close providers watch", slog.String("error", err.Error()))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}

	errs = append(errs, a.closeAll())

	a.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}

// closeAll releases backends in reverse order of opening.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close backend", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
