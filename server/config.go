package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"idgate/store"
)

// Hardcoded session and verification defaults
const (
	DefaultSessionTTLHours = 24
	DefaultSessionAlg      = "HS256"
	DefaultVerifyTimeout   = 15 * time.Second
	DefaultMinTokenLength  = 100

	// insecureDefaultSecret is only accepted in dev mode.
	insecureDefaultSecret = "idgate-insecure-dev-secret-change-me"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Supported identity providers.
const (
	ProviderFirebase = "firebase"
	ProviderGoogle   = "google"
)

// Supported storage drivers.
const (
	StoragePostgres = store.DriverPostgres
	StorageSQLite   = store.DriverSQLite
	StorageMemory   = store.DriverMemory
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Identity IdentityConfig `yaml:"identity"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string     `yaml:"dev_listen_addr" env:"LISTEN_ADDR"`
	HTTPListenAddr  string     `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string     `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool       `yaml:"dev_mode" env:"DEV_MODE"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"TLS_DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"TLS_EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"TLS_CACHE_DIR"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SessionConfig controls how session tokens are signed.
type SessionConfig struct {
	Secret    string `yaml:"secret" env:"SESSION_SECRET"`
	Algorithm string `yaml:"algorithm" env:"SESSION_ALGORITHM"`
	TTLHours  int    `yaml:"ttl_hours" env:"SESSION_TTL_HOURS"`
	Issuer    string `yaml:"issuer" env:"SESSION_ISSUER"`
}

// IdentityConfig selects and configures the upstream identity provider.
type IdentityConfig struct {
	Provider string `yaml:"provider" env:"IDENTITY_PROVIDER"`
	// Credentials is a file path, inline JSON or base64 encoded JSON of a
	// service account. Empty disables verification.
	Credentials    string        `yaml:"credentials" env:"IDENTITY_PROVIDER_CREDENTIALS"`
	ProjectID      string        `yaml:"project_id" env:"IDENTITY_PROJECT_ID"`
	GoogleClientID string        `yaml:"google_client_id" env:"GOOGLE_CLIENT_ID"`
	JWKSURL        string        `yaml:"jwks_url" env:"IDENTITY_JWKS_URL"`
	Timeout        time.Duration `yaml:"timeout" env:"IDENTITY_TIMEOUT"`
	MinTokenLength int           `yaml:"min_token_length" env:"IDENTITY_MIN_TOKEN_LENGTH"`
}

// StorageConfig selects the user store.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" env:"DATABASE_URL"`
}

// SessionTTL returns the configured session lifetime.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Session.Secret == "" && cfg.Server.DevMode {
		slog.Warn("SESSION_SECRET not set, using insecure development secret")
		cfg.Session.Secret = insecureDefaultSecret
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8000",
			DevListenAddr:   "127.0.0.1:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Session: SessionConfig{
			Algorithm: DefaultSessionAlg,
			TTLHours:  DefaultSessionTTLHours,
			Issuer:    "idgate",
		},
		Identity: IdentityConfig{
			Provider:       ProviderFirebase,
			Timeout:        DefaultVerifyTimeout,
			MinTokenLength: DefaultMinTokenLength,
		},
		Storage: StorageConfig{
			Driver: StorageSQLite,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides replaces values for every environment variable that is
// set; unset variables leave the YAML or default value in place.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	// DATABASE_URL alone implies the managed store.
	if _, ok := os.LookupEnv("STORAGE_DRIVER"); !ok && os.Getenv("DATABASE_URL") != "" {
		cfg.Storage.Driver = StoragePostgres
	}
	return nil
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if c.Session.Secret == "" {
		slog.Error("Missing required configuration", "field", "session.secret", "env", "SESSION_SECRET")
		return errors.New("session.secret (SESSION_SECRET) is required")
	}
	if !c.Server.DevMode && c.Session.Secret == insecureDefaultSecret {
		slog.Error("Insecure session secret in production", "field", "session.secret")
		return errors.New("session.secret must not use the development default in production")
	}

	if !slices.Contains(supportedSessionAlgs, c.Session.Algorithm) {
		slog.Error("Unsupported session algorithm", "field", "session.algorithm", "value", c.Session.Algorithm, "valid_values", supportedSessionAlgs)
		return fmt.Errorf("session.algorithm must be one of %s, got: %s", strings.Join(supportedSessionAlgs, ", "), c.Session.Algorithm)
	}

	if c.Session.TTLHours <= 0 {
		slog.Error("Invalid session ttl", "field", "session.ttl_hours", "value", c.Session.TTLHours)
		return fmt.Errorf("session.ttl_hours must be positive, got: %d", c.Session.TTLHours)
	}

	switch c.Identity.Provider {
	case ProviderFirebase, ProviderGoogle:
	default:
		slog.Error("Unknown identity provider", "field", "identity.provider", "value", c.Identity.Provider)
		return fmt.Errorf("identity.provider must be %q or %q, got: %s", ProviderFirebase, ProviderGoogle, c.Identity.Provider)
	}

	if c.Identity.Timeout <= 0 {
		slog.Error("Invalid verification timeout", "field", "identity.timeout", "value", c.Identity.Timeout)
		return fmt.Errorf("identity.timeout must be positive, got: %s", c.Identity.Timeout)
	}

	if c.Identity.MinTokenLength < 0 {
		slog.Error("Invalid minimum token length", "field", "identity.min_token_length", "value", c.Identity.MinTokenLength)
		return fmt.Errorf("identity.min_token_length must not be negative, got: %d", c.Identity.MinTokenLength)
	}

	switch c.Storage.Driver {
	case StoragePostgres:
		if c.Storage.DSN == "" {
			slog.Error("Missing required configuration", "field", "storage.dsn", "env", "DATABASE_URL")
			return errors.New("storage.dsn (DATABASE_URL) is required for the postgres driver")
		}
	case StorageSQLite, StorageMemory:
	default:
		slog.Error("Unknown storage driver", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be one of postgres, sqlite, memory, got: %s", c.Storage.Driver)
	}

	return nil
}

// InferCORSOrigins returns the configured origins plus the public URL origin.
func (c Config) InferCORSOrigins() []string {
	origins := append([]string{}, c.Server.CORS.AllowedOrigins...)
	if origin := extractOrigin(c.Server.PublicURL); origin != "" && !slices.Contains(origins, origin) {
		origins = append(origins, origin)
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	idx := strings.Index(urlStr, "://")
	if idx == -1 {
		return ""
	}
	scheme, rest := urlStr[:idx], urlStr[idx+3:]
	if slash := strings.Index(rest, "/"); slash != -1 {
		rest = rest[:slash]
	}
	if scheme == "" || rest == "" {
		return ""
	}
	return scheme + "://" + rest
}
