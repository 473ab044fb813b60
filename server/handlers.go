package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Identity  *IdentityConfig
	Provider  IdentityProvider
	Sessions  SessionStore
	Refresher *Refresher
	Flow      *Orchestrator
	Auth      *Authenticator
	Proxy     *ProxyManager
	Metrics   *Metrics

	challenge func(w http.ResponseWriter, r *http.Request, returnTo string)
}

type appOptions struct {
	provider IdentityProvider
	mapper   ClaimsMapper
	store    SessionStore
	metrics  *Metrics
}

// Option customises NewApp.
type Option func(*appOptions)

// WithProvider replaces provider discovery with p.
func WithProvider(p IdentityProvider) Option {
	return func(o *appOptions) { o.provider = p }
}

// WithClaimsMapper installs an application specific claims mapper.
func WithClaimsMapper(m ClaimsMapper) Option {
	return func(o *appOptions) { o.mapper = m }
}

// WithSessionStore replaces the configured session store.
func WithSessionStore(s SessionStore) Option {
	return func(o *appOptions) { o.store = s }
}

// WithMetrics shares a metrics registry with the embedding application.
func WithMetrics(m *Metrics) Option {
	return func(o *appOptions) { o.metrics = m }
}

// NewApp wires together the application state from configuration. With OIDC
// disabled only the legacy login switch is active.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: o.metrics,
	}

	if cfg.OIDC.Enabled {
		app.Identity = NewIdentityConfig(cfg)

		provider := o.provider
		if provider == nil {
			p, err := NewOIDCProvider(ctx, app.Identity, o.metrics, logger)
			if err != nil {
				return nil, err
			}
			provider = p
		}
		app.Provider = provider

		store := o.store
		if store == nil {
			s, err := NewSessionStore(cfg)
			if err != nil {
				return nil, err
			}
			store = s
		}
		app.Sessions = store

		mapper := o.mapper
		if mapper == nil {
			mapper = NewRoleMapper(cfg.Claims)
		}

		flow, err := NewOrchestrator(cfg, app.Identity, provider, mapper, store, o.metrics, logger)
		if err != nil {
			return nil, err
		}
		app.Flow = flow
		app.Refresher = NewRefresher(app.Identity, provider, mapper, o.metrics, logger)
		app.challenge = flow.Challenge
	} else {
		logger.Info("OIDC disabled, using legacy login", "path", cfg.Server.LegacyLoginPath)
		app.challenge = LegacyChallenge(cfg.Server.LegacyLoginPath)
	}
	app.Auth = NewAuthenticator(app.Sessions, app.Refresher, logger)

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, app.challenge, logger)
		if err != nil {
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		app.Proxy = proxy
	}

	return app, nil
}

// RequireAuth returns middleware that challenges anonymous requests, either
// through the provider or the legacy login page.
func (a *App) RequireAuth() func(http.Handler) http.Handler {
	return RequireAuth(a.challenge)
}

// Close releases the session backend.
func (a *App) Close() error {
	if s, ok := a.Sessions.(*ServerStore); ok {
		if c, ok := s.Backend().(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := SanitizeReturnTo(r.URL.Query().Get("return_to"))
	if SessionFromContext(r.Context()) != nil {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	a.Flow.Challenge(w, r, returnTo)
}

type statusResponse struct {
	State         string     `json:"state"`
	Authenticated bool       `json:"authenticated"`
	OIDC          bool       `json:"oidc"`
	Subject       string     `json:"subject,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	resp := statusResponse{
		State:         Anonymous.String(),
		Authenticated: sess != nil,
		OIDC:          a.Flow != nil,
	}
	if a.Flow != nil {
		resp.State = a.Flow.State(r, sess).String()
	}
	if sess != nil {
		resp.Subject = sess.Subject
		resp.ExpiresAt = &sess.ExpiresAt
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

type meResponse struct {
	Subject          string        `json:"subject"`
	Name             string        `json:"name,omitempty"`
	Permissions      []string      `json:"permissions"`
	Claims           []MappedClaim `json:"claims"`
	SessionExpiresAt time.Time     `json:"session_expires_at"`
	TokenExpiresAt   time.Time     `json:"token_expires_at"`
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}
	p := sess.Principal()
	perms := p.Values(ClaimPermission)
	if perms == nil {
		perms = []string{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, meResponse{
		Subject:          p.Subject,
		Name:             p.DisplayName,
		Permissions:      perms,
		Claims:           p.Claims,
		SessionExpiresAt: sess.ExpiresAt,
		TokenExpiresAt:   sess.Tokens.Expiry,
	})
}

var failedPage = template.Must(template.New("failed").Parse(`<!doctype html>
<html><head><title>Sign-in failed</title></head>
<body><h1>Sign-in failed</h1><p>{{.Reason}}</p><p><a href="/auth/login">Try again</a></p></body></html>
`))

func (a *App) handleFailed(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "unknown error"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	if err := failedPage.Execute(w, struct{ Reason string }{reason}); err != nil {
		a.Logger.Warn("render failed page", "error", err)
	}
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Flow.Logout(w, r)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s, ok := a.Sessions.(*ServerStore); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			a.Logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
