package server

import (
	"strings"
	"time"
)

// IdentityConfig is the immutable identity configuration built once at startup
// and shared by reference with the provider, refresher and orchestrator.
type IdentityConfig struct {
	authority      string
	clientID       string
	clientSecret   string
	requireHTTPS   bool
	scopes         []string
	responseMode   string
	saveTokens     bool
	redirectURL    string
	callbackPath   string
	postLogoutURL  string
	timeout        time.Duration
	refreshWindow  time.Duration
	remapOnRefresh bool
}

// NewIdentityConfig snapshots the OIDC section of a validated Config.
func NewIdentityConfig(cfg Config) *IdentityConfig {
	o := cfg.OIDC
	ic := &IdentityConfig{
		authority:      strings.TrimSuffix(o.Authority, "/"),
		clientID:       o.ClientID,
		clientSecret:   o.ClientSecret,
		requireHTTPS:   o.RequireHTTPS(),
		scopes:         append([]string(nil), o.Scopes...),
		responseMode:   o.ResponseMode,
		saveTokens:     o.KeepTokens(),
		redirectURL:    cfg.callbackURL(),
		callbackPath:   o.CallbackPath,
		timeout:        o.Timeout,
		refreshWindow:  o.RefreshWindow,
		remapOnRefresh: o.RemapClaimsOnRefresh,
	}
	if o.PostLogoutPath != "" {
		ic.postLogoutURL = strings.TrimSuffix(cfg.Server.PublicURL, "/") + o.PostLogoutPath
	}
	if ic.timeout <= 0 {
		ic.timeout = DefaultProviderTimeout
	}
	return ic
}

func (c *IdentityConfig) Authority() string            { return c.authority }
func (c *IdentityConfig) ClientID() string             { return c.clientID }
func (c *IdentityConfig) RequireHTTPS() bool           { return c.requireHTTPS }
func (c *IdentityConfig) ResponseMode() string         { return c.responseMode }
func (c *IdentityConfig) SaveTokens() bool             { return c.saveTokens }
func (c *IdentityConfig) RedirectURL() string          { return c.redirectURL }
func (c *IdentityConfig) CallbackPath() string         { return c.callbackPath }
func (c *IdentityConfig) PostLogoutURL() string        { return c.postLogoutURL }
func (c *IdentityConfig) Timeout() time.Duration       { return c.timeout }
func (c *IdentityConfig) RefreshWindow() time.Duration { return c.refreshWindow }
func (c *IdentityConfig) RemapOnRefresh() bool         { return c.remapOnRefresh }

// Scopes returns a copy of the requested scopes.
func (c *IdentityConfig) Scopes() []string {
	return append([]string(nil), c.scopes...)
}
