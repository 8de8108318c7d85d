package provider_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/provider"
)

func boolPtr(b bool) *bool { return &b }

func testConfigs() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "gpt-4o", APIKey: "sk-1", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		{Name: "no-key", BaseURL: "https://example.invalid/v1", Model: "m"},
		{Name: "no-endpoint", APIKey: "sk-2", Model: "m"},
		{Name: "deepseek", APIKey: "sk-3", BaseURL: "https://api.deepseek.com", Model: "deepseek-chat", JSONFormat: boolPtr(false)},
		{Name: "rotating", APIKeys: []string{"a", "b", "c"}, BaseURL: "https://example.invalid/v1", Model: "m", Rotate: true},
		{Name: "gpt-4o", APIKey: "sk-dup", BaseURL: "https://dup.invalid", Model: "dup"},
	}
}

func TestRegistry_ListAvailable(t *testing.T) {
	r := provider.NewRegistry(testConfigs())

	got := r.ListAvailable()
	want := []string{"gpt-4o", "deepseek", "rotating"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListAvailable() = %v, want %v", got, want)
	}
	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}
	if r.Available("no-key") {
		t.Error("provider without credential should not be available")
	}
}

func TestRegistry_Get(t *testing.T) {
	r := provider.NewRegistry(testConfigs())

	tests := []struct {
		name         string
		lookup       string
		wantErr      bool
		wantModel    string
		wantNoJSON   bool
		wantRotation bool
		wantKeys     []string
	}{
		{name: "first entry wins", lookup: "gpt-4o", wantModel: "gpt-4o", wantKeys: []string{"sk-1"}},
		{name: "json disabled", lookup: "deepseek", wantModel: "deepseek-chat", wantNoJSON: true, wantKeys: []string{"sk-3"}},
		{name: "rotating", lookup: "rotating", wantModel: "m", wantRotation: true, wantKeys: []string{"a", "b", "c"}},
		{name: "unknown", lookup: "missing", wantErr: true},
		{name: "case sensitive", lookup: "GPT-4O", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Get(tt.lookup)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get(%q) error = %v, wantErr %v", tt.lookup, err, tt.wantErr)
			}
			if tt.wantErr {
				if domain.TypeOf(err) != domain.ErrorTypeInvalidModel {
					t.Errorf("error type = %s, want invalid_model", domain.TypeOf(err))
				}
				return
			}
			if p.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", p.Model, tt.wantModel)
			}
			if p.JSONFormatDisabled != tt.wantNoJSON {
				t.Errorf("JSONFormatDisabled = %v", p.JSONFormatDisabled)
			}
			if p.RequiresRotation != tt.wantRotation {
				t.Errorf("RequiresRotation = %v", p.RequiresRotation)
			}
			if !reflect.DeepEqual(p.Keys(), tt.wantKeys) {
				t.Errorf("Keys() = %v, want %v", p.Keys(), tt.wantKeys)
			}
		})
	}
}

func TestProvider_KeysIsCopy(t *testing.T) {
	r := provider.NewRegistry(testConfigs())
	p, _ := r.Get("rotating")

	keys := p.Keys()
	keys[0] = "mutated"

	again, _ := r.Get("rotating")
	if again.Keys()[0] != "a" {
		t.Error("mutating Keys() result changed the registry")
	}
}

func TestLoad_DegradesToEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	missing := provider.Load(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	if missing.Len() != 0 || len(missing.ListAvailable()) != 0 {
		t.Error("missing file should produce an empty registry")
	}

	malformed := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(malformed, []byte("providers: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := provider.Load(malformed, logger); r.Len() != 0 {
		t.Error("malformed file should produce an empty registry")
	}
}

func TestSource_Swap(t *testing.T) {
	src := provider.NewSource(provider.NewRegistry(testConfigs()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n := len(src.Registry().ListAvailable())
				if n != 3 && n != 1 {
					t.Errorf("observed partial registry with %d providers", n)
					return
				}
			}
		}()
	}

	src.Store(provider.NewRegistry([]config.ProviderConfig{
		{Name: "solo", APIKey: "k", BaseURL: "https://solo.invalid"},
	}))
	wg.Wait()

	if got := src.Registry().ListAvailable(); !reflect.DeepEqual(got, []string{"solo"}) {
		t.Errorf("after swap ListAvailable() = %v", got)
	}

	src.Store(nil)
	if src.Registry().Len() != 0 {
		t.Error("storing nil should install an empty registry")
	}
}
