package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and upstream defaults
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultHSTSMaxAge      = 31536000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Modulbank ModulbankConfig `yaml:"modulbank"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
	HSTSMaxAge      int       `yaml:"hsts_max_age"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// ModulbankConfig holds the bank application credentials.
type ModulbankConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RedirectURI defaults to public_url + /callback.
	RedirectURI string `yaml:"redirect_uri"`
	Sandbox     bool   `yaml:"sandbox"`
	APIBaseURL  string `yaml:"api_base_url"`
	Timeout     string `yaml:"timeout"`
}

// SessionsConfig controls browser sessions.
type SessionsConfig struct {
	TTL string `yaml:"ttl"`
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

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:  []string{"localhost"},
				CacheDir: "autocert-cache",
			},
			HSTSMaxAge: DefaultHSTSMaxAge,
		},
		Modulbank: ModulbankConfig{
			Sandbox:    true,
			APIBaseURL: "https://api.modulbank.ru/v1",
			Timeout:    DefaultUpstreamTimeout.String(),
		},
		Sessions: SessionsConfig{
			TTL: DefaultSessionTTL.String(),
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

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MODULBANK_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"MODULBANK_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"MODULBANK_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"MODULBANK_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MODULBANK_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MODULBANK_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"MODULBANK_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MODULBANK_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"MODULBANK_CLIENT_ID":                func(v string) { cfg.Modulbank.ClientID = v },
		"MODULBANK_CLIENT_SECRET":            func(v string) { cfg.Modulbank.ClientSecret = v },
		"MODULBANK_REDIRECT_URI":             func(v string) { cfg.Modulbank.RedirectURI = v },
		"MODULBANK_SANDBOX":                  func(v string) { cfg.Modulbank.Sandbox = parseBool(v, cfg.Modulbank.Sandbox) },
		"MODULBANK_API_BASE_URL":             func(v string) { cfg.Modulbank.APIBaseURL = v },
		"MODULBANK_TIMEOUT":                  func(v string) { cfg.Modulbank.Timeout = v },
		"MODULBANK_SESSION_TTL":              func(v string) { cfg.Sessions.TTL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RedirectURI is the callback registered with the bank.
func (c Config) RedirectURI() string {
	if c.Modulbank.RedirectURI != "" {
		return c.Modulbank.RedirectURI
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}

// SessionTTL returns sessions.ttl or the default when unset or invalid.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Sessions.TTL, DefaultSessionTTL)
}

// UpstreamTimeout returns modulbank.timeout or the default when unset or invalid.
func (c Config) UpstreamTimeout() time.Duration {
	return parseDuration(c.Modulbank.Timeout, DefaultUpstreamTimeout)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.HSTSMaxAge < 0 {
		return fmt.Errorf("server.hsts_max_age must not be negative, got: %d", c.Server.HSTSMaxAge)
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	// Sandbox mode substitutes the bank's shared sandbox credentials.
	if !c.Modulbank.Sandbox {
		if c.Modulbank.ClientID == "" {
			slog.Error("Missing required configuration", "field", "modulbank.client_id", "reason", "required unless sandbox is on")
			return errors.New("modulbank.client_id is required unless modulbank.sandbox is true")
		}
		if c.Modulbank.ClientSecret == "" {
			slog.Error("Missing required configuration", "field", "modulbank.client_secret", "reason", "required unless sandbox is on")
			return errors.New("modulbank.client_secret is required unless modulbank.sandbox is true")
		}
	}

	if c.Modulbank.RedirectURI != "" && !isHTTPURL(c.Modulbank.RedirectURI) {
		return fmt.Errorf("modulbank.redirect_uri must start with http:// or https://, got: %s", c.Modulbank.RedirectURI)
	}

	if c.Modulbank.APIBaseURL != "" && !isHTTPURL(c.Modulbank.APIBaseURL) {
		return fmt.Errorf("modulbank.api_base_url must start with http:// or https://, got: %s", c.Modulbank.APIBaseURL)
	}

	if c.Modulbank.Timeout != "" {
		if _, err := time.ParseDuration(c.Modulbank.Timeout); err != nil {
			slog.Error("Invalid upstream timeout", "field", "modulbank.timeout", "value", c.Modulbank.Timeout, "error", err)
			return fmt.Errorf("modulbank.timeout: invalid duration '%s': %w", c.Modulbank.Timeout, err)
		}
	}

	if c.Sessions.TTL != "" {
		d, err := time.ParseDuration(c.Sessions.TTL)
		if err != nil {
			slog.Error("Invalid session TTL", "field", "sessions.ttl", "value", c.Sessions.TTL, "error", err)
			return fmt.Errorf("sessions.ttl: invalid duration '%s': %w", c.Sessions.TTL, err)
		}
		if d <= 0 {
			return fmt.Errorf("sessions.ttl must be positive, got: %s", c.Sessions.TTL)
		}
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// hostOf strips scheme, port and path from a URL.
func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
