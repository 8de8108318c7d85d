package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/zalando/go-keyring"
)

const (
	// DefaultPath is the service config file read by Load.
	DefaultPath = "config.yaml"

	// EnvPrefix prefixes environment overrides; "__" separates nested keys,
	// so RELAY_SERVER__PORT sets server.port.
	EnvPrefix = "RELAY_"

	// DefaultExtractionProvider is the provider used by report extraction.
	DefaultExtractionProvider = "gemini-2.5-flash-preview-04-17"

	keyringPrefix = "keyring:"
)

type Config struct {
	// Env selects the deployment mode. "local" routes upstream calls through ProxyURL.
	Env            string `koanf:"env"`
	ProxyURL       string `koanf:"proxy_url"`
	ProvidersFile  string `koanf:"providers_file"`
	WatchProviders bool   `koanf:"watch_providers"`

	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
	Audio      AudioConfig      `koanf:"audio"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
	Rotation   RotationConfig   `koanf:"rotation"`
	Prompts    PromptsConfig    `koanf:"prompts"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql, memory
	DSN    string `koanf:"dsn"`
}

type AudioConfig struct {
	Backend string   `koanf:"backend"` // local, s3
	Dir     string   `koanf:"dir"`
	S3      S3Config `koanf:"s3"`
}

type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	ForcePathStyle  bool   `koanf:"force_path_style"`
}

type RateLimitConfig struct {
	Backend  string        `koanf:"backend"` // memory, redis
	RedisURL string        `koanf:"redis_url"`
	Window   time.Duration `koanf:"window"`
	Budgets  BudgetConfig  `koanf:"budgets"`
}

// BudgetConfig holds the per-window call budget of each route class.
type BudgetConfig struct {
	General    int `koanf:"general"`
	Upload     int `koanf:"upload"`
	Transcribe int `koanf:"transcribe"`
	Analyze    int `koanf:"analyze"`
	Submit     int `koanf:"submit"`
}

type RotationConfig struct {
	Backend  string `koanf:"backend"` // sql, redis, memory
	RedisURL string `koanf:"redis_url"`
}

type PromptsConfig struct {
	Dir string `koanf:"dir"`
}

type ExtractionConfig struct {
	Provider string `koanf:"provider"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ProviderConfig identifies one upstream model.
type ProviderConfig struct {
	Name    string   `koanf:"name"`
	APIKey  string   `koanf:"api_key"`
	APIKeys []string `koanf:"api_keys"`
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	// JSONFormat set to false disables structured output for this provider.
	JSONFormat *bool `koanf:"json_format"`
	// Rotate cycles through APIKeys using a durable per-provider counter.
	Rotate bool `koanf:"rotate"`
}

type providersFile struct {
	Providers []ProviderConfig `koanf:"providers"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"env":                          "production",
	"proxy_url":                    "http://127.0.0.1:7890",
	"providers_file":               "providers.yaml",
	"server.port":                  5000,
	"server.request_timeout":       "10m",
	"server.max_upload_bytes":      int64(50 << 20),
	"server.cors_origins":          []string{"*"},
	"server.trust_proxy_headers":   false,
	"log.level":                    "info",
	"log.format":                   "json",
	"storage.driver":               "sqlite",
	"storage.dsn":                  "./data/reports.db",
	"audio.backend":                "local",
	"audio.dir":                    "./data/audio",
	"audio.s3.region":              "us-east-1",
	"ratelimit.backend":            "memory",
	"ratelimit.window":             "1h",
	"ratelimit.budgets.general":    300,
	"ratelimit.budgets.upload":     120,
	"ratelimit.budgets.transcribe": 60,
	"ratelimit.budgets.analyze":    60,
	"ratelimit.budgets.submit":     60,
	"rotation.backend":             "sql",
	"prompts.dir":                  "./prompts",
	"extraction.provider":          DefaultExtractionProvider,
}

// Load reads config.yaml from the working directory, then environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the config at path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Audio.S3.AccessKeyID = substituteEnvVars(cfg.Audio.S3.AccessKeyID)
	cfg.Audio.S3.SecretAccessKey = substituteEnvVars(cfg.Audio.S3.SecretAccessKey)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	return &cfg, nil
}

// LocalMode reports whether outbound upstream calls go through ProxyURL.
func (c *Config) LocalMode() bool {
	return strings.EqualFold(c.Env, "local")
}

// LoadProviders reads the ordered provider list from path. Credentials may
// reference environment variables as ${VAR} or the OS keyring as
// keyring:<service>/<user>.
func LoadProviders(path string) ([]ProviderConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load providers from %s: %w", path, err)
	}

	var pf providersFile
	if err := k.Unmarshal("", &pf); err != nil {
		return nil, fmt.Errorf("parse providers from %s: %w", path, err)
	}

	for i := range pf.Providers {
		p := &pf.Providers[i]
		key, err := resolveSecret(p.APIKey)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		p.APIKey = key
		for j, raw := range p.APIKeys {
			key, err := resolveSecret(raw)
			if err != nil {
				return nil, fmt.Errorf("provider %s: key %d: %w", p.Name, j, err)
			}
			p.APIKeys[j] = key
		}
		p.BaseURL = substituteEnvVars(p.BaseURL)
	}

	return pf.Providers, nil
}

func resolveSecret(s string) (string, error) {
	ref, ok := strings.CutPrefix(s, keyringPrefix)
	if !ok {
		return substituteEnvVars(s), nil
	}
	service, user, ok := strings.Cut(ref, "/")
	if !ok || service == "" || user == "" {
		return "", fmt.Errorf("keyring reference %q must be keyring:<service>/<user>", s)
	}
	secret, err := keyring.Get(service, user)
	if err != nil {
		return "", fmt.Errorf("keyring %s/%s: %w", service, user, err)
	}
	return secret, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
