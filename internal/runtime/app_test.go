package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/ratelimit"
	"github.com/tjfontaine/report-relay/internal/rotation"
	"github.com/tjfontaine/report-relay/internal/storage/memory"
	"github.com/tjfontaine/report-relay/internal/storage/sqldb"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeConfig lays out a config file, a providers file and their data
// directories under a fresh temp dir and returns the config path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	providers := filepath.Join(dir, "providers.yaml")
	writeFile(t, providers, `
providers:
  - name: alpha
    api_key: sk-alpha
    base_url: http://127.0.0.1:1
    model: alpha-model
  - name: beta
    base_url: http://127.0.0.1:1
    model: beta-model
`)

	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, fmt.Sprintf(`
providers_file: %s
server:
  port: 0
storage:
  driver: sqlite
  dsn: %s
audio:
  dir: %s
prompts:
  dir: %s
%s`, providers, filepath.Join(dir, "db", "reports.db"), filepath.Join(dir, "audio"), dir, extra))
	return configPath, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func shutdown(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_WiresConfiguredBackends(t *testing.T) {
	configPath, dir := writeConfig(t, "")

	a, err := New(context.Background(), WithConfigFile(configPath), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer shutdown(t, a)

	store, ok := a.reports.(*sqldb.Store)
	if !ok {
		t.Fatalf("reports = %T, want *sqldb.Store", a.reports)
	}
	if a.counters != rotation.CounterStore(store) {
		t.Error("sql rotation backend should share the report database")
	}
	if _, ok := a.limitStore.(*ratelimit.MemoryStore); !ok {
		t.Errorf("limit store = %T", a.limitStore)
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("database directory not created: %v", err)
	}
	if got := a.Providers().Registry().ListAvailable(); len(got) != 1 || got[0] != "alpha" {
		t.Errorf("available = %v", got)
	}
}

func TestNew_UnknownBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"audio", func(c *config.Config) { c.Audio.Backend = "tape" }, "unknown audio backend"},
		{"ratelimit", func(c *config.Config) { c.RateLimit.Backend = "etcd" }, "unknown rate limit backend"},
		{"rotation", func(c *config.Config) { c.Rotation.Backend = "zookeeper" }, "unknown rotation backend"},
		{"storage", func(c *config.Config) { c.Storage.Driver = "oracle" }, "unsupported database driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath, _ := writeConfig(t, "")
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)

			_, err = New(context.Background(), WithConfig(cfg), WithLogger(quietLogger()))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNew_InjectedStores(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	reports := memory.New()
	counters := rotation.NewMemoryStore()

	a, err := New(context.Background(),
		WithConfigFile(configPath),
		WithLogger(quietLogger()),
		WithReportStore(reports),
		WithCounterStore(counters),
		WithRateLimitStore(ratelimit.NewMemoryStore()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer shutdown(t, a)

	if a.Reports() != reports {
		t.Error("injected report store not used")
	}
	if len(a.closers) != 0 {
		t.Errorf("injected stores must not be closed by the app, got %d closers", len(a.closers))
	}
}

func TestApp_ServesReportLifecycle(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	a, err := New(context.Background(), WithConfigFile(configPath), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer shutdown(t, a)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/submit-final-report", "application/json",
		strings.NewReader(`{"object_name":"call.mp3","school":"North"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request id middleware not applied")
	}

	resp, err = http.Get(srv.URL + "/api/get-report-details?object_name=call.mp3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rep struct {
		School string `json:"school"`
	}
	json.NewDecoder(resp.Body).Decode(&rep)
	if rep.School != "North" {
		t.Errorf("school = %q", rep.School)
	}

	resp, err = http.Get(srv.URL + "/fetchModels")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var models []string
	json.NewDecoder(resp.Body).Decode(&models)
	if len(models) != 1 || models[0] != "alpha" {
		t.Errorf("models = %v", models)
	}
}

func TestApp_StartAndShutdown(t *testing.T) {
	configPath, _ := writeConfig(t, "watch_providers: true\n")
	a, err := New(context.Background(), WithConfigFile(configPath), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.janitor == nil {
		t.Error("memory rate limit store should start the sweep job")
	}
	if a.watcher == nil {
		t.Error("providers watch not started")
	}
	if a.tracerShutdown == nil {
		t.Error("tracer not initialised")
	}

	shutdown(t, a)
}

func TestApp_ReloadsProvidersFile(t *testing.T) {
	configPath, dir := writeConfig(t, "watch_providers: true\n")
	a, err := New(context.Background(), WithConfigFile(configPath), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer shutdown(t, a)

	writeFile(t, filepath.Join(dir, "providers.yaml"), `
providers:
  - name: gamma
    api_key: sk-gamma
    base_url: http://127.0.0.1:1
    model: gamma-model
`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.Providers().Registry().Available("gamma") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("registry not reloaded, available = %v", a.Providers().Registry().ListAvailable())
}
