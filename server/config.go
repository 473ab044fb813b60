package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded gateway defaults
const (
	DefaultProviderTimeout = 5 * time.Second
	DefaultRefreshWindow   = 60 * time.Second
	DefaultSessionTTL      = 8 * time.Hour
	DefaultCallbackPath    = "/auth/callback"
	DefaultLegacyLoginPath = "/account/login"
	DefaultResponseMode    = "query"

	minSessionSecretLen = 32
)

// Session store kinds.
const (
	StoreCookie = "cookie"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var DefaultScopes = []string{"openid", "profile"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	OIDC     OIDCConfig    `yaml:"oidc"`
	Claims   MapperConfig  `yaml:"claims"`
	Sessions SessionConfig `yaml:"sessions"`
	Proxy    ProxyConfig   `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	LegacyLoginPath string    `yaml:"legacy_login_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines optional autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// OIDCConfig describes the upstream identity provider and the login handshake.
type OIDCConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Authority            string        `yaml:"authority"`
	ClientID             string        `yaml:"client_id"`
	ClientSecret         string        `yaml:"client_secret"`
	RequireHTTPSMetadata *bool         `yaml:"require_https_metadata"`
	Scopes               []string      `yaml:"scopes"`
	ResponseMode         string        `yaml:"response_mode"`
	SaveTokens           *bool         `yaml:"save_tokens"`
	CallbackPath         string        `yaml:"callback_path"`
	PostLogoutPath       string        `yaml:"post_logout_path"`
	Timeout              time.Duration `yaml:"timeout"`
	RefreshWindow        time.Duration `yaml:"refresh_window"`
	RemapClaimsOnRefresh bool          `yaml:"remap_claims_on_refresh"`
}

// SessionConfig selects and configures the session store.
type SessionConfig struct {
	Store  string        `yaml:"store"`
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared session cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProxyConfig defines upstream routes for the protected application.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a path prefix to a backend target.
type ProxyRoute struct {
	PathPrefix          string   `yaml:"path_prefix"`
	Target              string   `yaml:"target"`
	RequireAuth         bool     `yaml:"require_auth"`
	RequiredPermissions []string `yaml:"required_permissions"`
	StripPrefix         bool     `yaml:"strip_prefix"`
	PreserveHost        bool     `yaml:"preserve_host"`
	Timeout             string   `yaml:"timeout"`
	InjectAccessToken   bool     `yaml:"inject_access_token"`
}

// RequireHTTPS reports the effective HTTPS-for-metadata flag (default true).
func (c OIDCConfig) RequireHTTPS() bool {
	return c.RequireHTTPSMetadata == nil || *c.RequireHTTPSMetadata
}

// KeepTokens reports the effective token persistence flag (default true).
func (c OIDCConfig) KeepTokens() bool {
	return c.SaveTokens == nil || *c.SaveTokens
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("%w: invalid config: %w (check for typos or deprecated fields)", ErrConfig, err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("%w: parse config: %w", ErrConfig, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

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
			ListenAddr:      "127.0.0.1:8080",
			HTTPSListenAddr: ":443",
			LegacyLoginPath: DefaultLegacyLoginPath,
			TLS:             TLSConfig{CacheDir: ".secrets/tls"},
		},
		OIDC: OIDCConfig{
			Scopes:        append([]string(nil), DefaultScopes...),
			ResponseMode:  DefaultResponseMode,
			CallbackPath:  DefaultCallbackPath,
			Timeout:       DefaultProviderTimeout,
			RefreshWindow: DefaultRefreshWindow,
		},
		Sessions: SessionConfig{
			Store: StoreCookie,
			TTL:   DefaultSessionTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func (c *Config) applyDefaults() {
	if len(c.OIDC.Scopes) == 0 {
		c.OIDC.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.OIDC.ResponseMode == "" {
		c.OIDC.ResponseMode = DefaultResponseMode
	}
	if c.OIDC.CallbackPath == "" {
		c.OIDC.CallbackPath = DefaultCallbackPath
	}
	if c.OIDC.Timeout <= 0 {
		c.OIDC.Timeout = DefaultProviderTimeout
	}
	if c.OIDC.RefreshWindow < 0 {
		c.OIDC.RefreshWindow = DefaultRefreshWindow
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = StoreCookie
	}
	if c.Sessions.TTL <= 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Server.LegacyLoginPath == "" {
		c.Server.LegacyLoginPath = DefaultLegacyLoginPath
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCGW_SERVER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"OIDCGW_SERVER_LISTEN_ADDR":          func(v string) { cfg.Server.ListenAddr = v },
		"OIDCGW_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCGW_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCGW_OIDC_ENABLED":                func(v string) { cfg.OIDC.Enabled = parseBool(v, cfg.OIDC.Enabled) },
		"OIDCGW_OIDC_AUTHORITY":              func(v string) { cfg.OIDC.Authority = v },
		"OIDCGW_OIDC_CLIENT_ID":              func(v string) { cfg.OIDC.ClientID = v },
		"OIDCGW_OIDC_CLIENT_SECRET":          func(v string) { cfg.OIDC.ClientSecret = v },
		"OIDCGW_OIDC_SCOPES":                 func(v string) { cfg.OIDC.Scopes = splitAndTrim(v) },
		"OIDCGW_OIDC_TIMEOUT":                func(v string) { cfg.OIDC.Timeout = parseDuration(v, cfg.OIDC.Timeout) },
		"OIDCGW_SESSIONS_SECRET":             func(v string) { cfg.Sessions.Secret = v },
		"OIDCGW_SESSIONS_STORE":              func(v string) { cfg.Sessions.Store = v },
		"OIDCGW_SESSIONS_REDIS_ADDR":         func(v string) { cfg.Sessions.Redis.Addr = v },
		"OIDCGW_SESSIONS_REDIS_PASSWORD":     func(v string) { cfg.Sessions.Redis.Password = v },
		"OIDCGW_OIDC_REQUIRE_HTTPS_METADATA": func(v string) { cfg.OIDC.RequireHTTPSMetadata = boolPtr(parseBool(v, cfg.OIDC.RequireHTTPS())) },
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

func boolPtr(b bool) *bool {
	return &b
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

func configError(field, format string, args ...any) error {
	slog.Error("Invalid configuration value", "field", field, "reason", fmt.Sprintf(format, args...))
	return fmt.Errorf("%w: %s: %s", ErrConfig, field, fmt.Sprintf(format, args...))
}

// Validate performs startup checks. Every error wraps ErrConfig and is fatal.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return configError("server.public_url", "is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return configError("server.public_url", "must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !strings.HasPrefix(c.Server.LegacyLoginPath, "/") {
		return configError("server.legacy_login_path", "must be an absolute path, got: %s", c.Server.LegacyLoginPath)
	}

	if err := c.validateOIDC(); err != nil {
		return err
	}
	if err := c.validateSessions(); err != nil {
		return err
	}
	return c.validateProxy()
}

func (c Config) validateOIDC() error {
	o := c.OIDC
	if !o.Enabled {
		return nil
	}
	if o.Authority == "" {
		return configError("oidc.authority", "is required when oidc.enabled is true")
	}
	if o.ClientID == "" {
		return configError("oidc.client_id", "is required when oidc.enabled is true")
	}
	u, err := url.Parse(o.Authority)
	if err != nil || u.Host == "" {
		return configError("oidc.authority", "must be an absolute URL, got: %s", o.Authority)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if o.RequireHTTPS() {
			return configError("oidc.authority", "must use https while require_https_metadata is true, got: %s", o.Authority)
		}
	default:
		return configError("oidc.authority", "unsupported scheme %q", u.Scheme)
	}
	if !o.RequireHTTPS() && !c.Server.DevMode {
		return configError("oidc.require_https_metadata", "may only be disabled in dev_mode")
	}
	if !slices.Contains(o.Scopes, "openid") {
		return configError("oidc.scopes", "must include openid, got: %v", o.Scopes)
	}
	if o.ResponseMode != DefaultResponseMode {
		return configError("oidc.response_mode", "only %q is supported, got: %s", DefaultResponseMode, o.ResponseMode)
	}
	if !strings.HasPrefix(o.CallbackPath, "/") {
		return configError("oidc.callback_path", "must be an absolute path, got: %s", o.CallbackPath)
	}
	if o.PostLogoutPath != "" && !strings.HasPrefix(o.PostLogoutPath, "/") {
		return configError("oidc.post_logout_path", "must be an absolute path, got: %s", o.PostLogoutPath)
	}
	if o.RemapClaimsOnRefresh && !o.KeepTokens() {
		return configError("oidc.remap_claims_on_refresh", "requires save_tokens")
	}
	return nil
}

func (c Config) validateSessions() error {
	s := c.Sessions
	if c.OIDC.Enabled && len(s.Secret) < minSessionSecretLen {
		return configError("sessions.secret", "must be at least %d bytes", minSessionSecretLen)
	}
	switch s.Store {
	case StoreCookie, StoreMemory:
	case StoreRedis:
		if s.Redis.Addr == "" {
			return configError("sessions.redis.addr", "is required for the redis store")
		}
	default:
		return configError("sessions.store", "must be one of cookie, memory, redis, got: %s", s.Store)
	}
	return nil
}

func (c Config) validateProxy() error {
	for i, route := range c.Proxy.Routes {
		if !strings.HasPrefix(route.PathPrefix, "/") {
			return configError(fmt.Sprintf("proxy.routes[%d].path_prefix", i), "must start with /, got: %q", route.PathPrefix)
		}
		if route.Target == "" {
			return configError(fmt.Sprintf("proxy.routes[%d].target", i), "is required")
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			return configError(fmt.Sprintf("proxy.routes[%d].target", i), "must start with http:// or https://, got: %s", route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				return configError(fmt.Sprintf("proxy.routes[%d].timeout", i), "invalid duration %q", route.Timeout)
			}
		}
		if len(route.RequiredPermissions) > 0 && !route.RequireAuth {
			return configError(fmt.Sprintf("proxy.routes[%d].required_permissions", i), "requires require_auth")
		}
	}
	return nil
}

// secure reports whether cookies should carry the Secure attribute.
func (c Config) secure() bool {
	return !c.Server.DevMode || strings.HasPrefix(c.Server.PublicURL, "https://")
}

// callbackURL is the absolute redirect URI registered with the provider.
func (c Config) callbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.OIDC.CallbackPath
}
