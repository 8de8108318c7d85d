package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/ratelimit"
	"github.com/tjfontaine/report-relay/internal/rotation"
	"github.com/tjfontaine/report-relay/internal/storage"
	"github.com/tjfontaine/report-relay/internal/storage/memory"
	"github.com/tjfontaine/report-relay/internal/storage/sqldb"
)

// OpenReportStore opens the configured report backend. SQLite databases
// get their parent directory created.
func OpenReportStore(cfg config.StorageConfig) (storage.ReportStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3":
		if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	return sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
}

// openCounterStore picks where rotation counters live. The sql backend
// shares the report database and falls back to memory when reports are not
// stored in SQL.
func (a *App) openCounterStore(ctx context.Context) (rotation.CounterStore, func() error, error) {
	cfg := a.cfg.Rotation
	switch strings.ToLower(cfg.Backend) {
	case "", "sql":
		if counters, ok := a.reports.(storage.CounterStore); ok {
			return counters, nil, nil
		}
		a.logger.Warn("report store keeps no counters, rotation state will not survive restarts")
		return rotation.NewMemoryStore(), nil, nil
	case "redis":
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rotation.NewRedisStore(client, "rotation:"), client.Close, nil
	case "memory":
		return rotation.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown rotation backend %q", cfg.Backend)
	}
}

func openLimitStore(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Store, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return ratelimit.NewMemoryStore(), nil, nil
	case "redis":
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewRedisStore(client, "ratelimit:"), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func openAudioStore(ctx context.Context, cfg config.AudioConfig, httpClient *http.Client) (audio.ObjectStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return audio.NewLocalStore(cfg.Dir)
	case "s3":
		return audio.NewS3Store(ctx, cfg.S3, httpClient)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}
