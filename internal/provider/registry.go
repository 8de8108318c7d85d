// Package provider holds the immutable set of upstream model configurations.
package provider

import (
	"log/slog"
	"sync/atomic"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/pkg/config"
)

// Provider is one configured upstream model. It is never mutated after load.
type Provider struct {
	Name    string
	BaseURL string
	Model   string

	// JSONFormatDisabled forces unstructured output even when a caller asks for JSON.
	JSONFormatDisabled bool

	// RequiresRotation selects keys through the credential rotator.
	RequiresRotation bool

	keys []string
}

// Keys returns a copy of the provider's credentials in configured order.
func (p Provider) Keys() []string {
	return append([]string(nil), p.keys...)
}

// StaticKey returns the single credential of a non-rotating provider.
func (p Provider) StaticKey() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[0]
}

// Usable reports whether the provider has both a credential and an endpoint.
func (p Provider) Usable() bool {
	return len(p.keys) > 0 && p.BaseURL != ""
}

func fromConfig(cfg config.ProviderConfig) Provider {
	p := Provider{
		Name:               cfg.Name,
		BaseURL:            cfg.BaseURL,
		Model:              cfg.Model,
		JSONFormatDisabled: cfg.JSONFormat != nil && !*cfg.JSONFormat,
		RequiresRotation:   cfg.Rotate,
	}

	// A rotating provider cycles api_keys only; otherwise api_key comes first.
	var keys []string
	if cfg.APIKey != "" && !(cfg.Rotate && len(cfg.APIKeys) > 0) {
		keys = append(keys, cfg.APIKey)
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	p.keys = keys
	return p
}

// Registry is an immutable snapshot of configured providers.
type Registry struct {
	order  []string
	byName map[string]Provider
}

// NewRegistry builds a registry preserving config order. When a name repeats,
// the first entry wins.
func NewRegistry(configs []config.ProviderConfig) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(configs))}
	for _, cfg := range configs {
		if cfg.Name == "" {
			continue
		}
		if _, dup := r.byName[cfg.Name]; dup {
			continue
		}
		r.byName[cfg.Name] = fromConfig(cfg)
		r.order = append(r.order, cfg.Name)
	}
	return r
}

// Load reads the providers file. Any failure yields an empty registry so the
// service keeps running and reports "no provider configured" per request.
func Load(path string, logger *slog.Logger) *Registry {
	configs, err := config.LoadProviders(path)
	if err != nil {
		logger.Warn("provider config unavailable, starting with no providers",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return NewRegistry(nil)
	}

	r := NewRegistry(configs)
	logger.Info("providers loaded",
		slog.String("path", path),
		slog.Int("configured", len(r.order)),
		slog.Int("available", len(r.ListAvailable())))
	return r
}

// ListAvailable returns the usable provider names in config order.
func (r *Registry) ListAvailable() []string {
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.byName[name].Usable() {
			names = append(names, name)
		}
	}
	return names
}

// Available reports whether name is configured and usable.
func (r *Registry) Available(name string) bool {
	p, ok := r.byName[name]
	return ok && p.Usable()
}

// Get looks up a provider by exact name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return Provider{}, domain.ErrInvalidModel(name)
	}
	return p, nil
}

// Len returns the number of configured providers, usable or not.
func (r *Registry) Len() int {
	return len(r.order)
}

// Source hands out the current registry snapshot. Reloads replace the whole
// snapshot; readers never observe a partially updated registry.
type Source struct {
	current atomic.Pointer[Registry]
}

// NewSource creates a Source serving r.
func NewSource(r *Registry) *Source {
	s := &Source{}
	s.Store(r)
	return s
}

// Registry returns the current snapshot.
func (s *Source) Registry() *Registry {
	return s.current.Load()
}

// Store replaces the current snapshot.
func (s *Source) Store(r *Registry) {
	if r == nil {
		r = NewRegistry(nil)
	}
	s.current.Store(r)
}
