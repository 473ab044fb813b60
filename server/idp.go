package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// IdentityProvider represents the behaviour required from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, state, nonce, verifier string) (string, error)
	Exchange(ctx context.Context, code, verifier, expectedNonce string) (*ProviderTokens, error)
	Refresh(ctx context.Context, refreshToken string) (*ProviderTokens, error)
	EndSessionURL(ctx context.Context, postLogoutRedirect string) string
}

// ProviderTokens is a token endpoint response after ID token verification.
// Claims is nil when the response carried no ID token (allowed on refresh).
type ProviderTokens struct {
	Tokens  TokenSet
	Subject string
	Claims  map[string]any
}

// OIDCProvider talks to a single OpenID Connect provider. Discovery runs on
// first use and is cached once it succeeds; a failed attempt is retried by the
// next request.
type OIDCProvider struct {
	ident   *IdentityConfig
	client  *http.Client
	metrics *Metrics
	logger  *slog.Logger

	discovered atomic.Pointer[discovered]
	discovery  singleflight.Group
}

// discovered is the provider state derived from the metadata document.
type discovered struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	endSession  string
}

type discoveryClaims struct {
	JWKSURI            string `json:"jwks_uri"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// NewOIDCProvider validates the static configuration and attempts discovery.
// An unreachable provider is only logged; a provider that answers with
// metadata violating the HTTPS requirement is a configuration error.
func NewOIDCProvider(ctx context.Context, ident *IdentityConfig, metrics *Metrics, logger *slog.Logger) (*OIDCProvider, error) {
	p, err := newOIDCProvider(ident, metrics, logger)
	if err != nil {
		return nil, err
	}
	if _, err := p.ensure(ctx); err != nil {
		if errors.Is(err, ErrConfig) {
			return nil, err
		}
		p.logger.Warn("OIDC provider not reachable at startup, discovery retried on first login", "authority", ident.Authority(), "category", Category(err), "error", err)
	}
	return p, nil
}

func newOIDCProvider(ident *IdentityConfig, metrics *Metrics, logger *slog.Logger) (*OIDCProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ident.Authority() == "" {
		return nil, fmt.Errorf("%w: authority required", ErrConfig)
	}
	if ident.RequireHTTPS() && !isHTTPS(ident.Authority()) {
		return nil, fmt.Errorf("%w: authority %s is not https", ErrConfig, ident.Authority())
	}
	return &OIDCProvider{
		ident:   ident,
		client:  &http.Client{Timeout: ident.Timeout()},
		metrics: metrics,
		logger:  logger,
	}, nil
}

// ensure returns the discovered provider state, running discovery when no
// attempt has succeeded yet. Concurrent callers share one attempt; a caller
// whose ctx ends stops waiting while the attempt runs to its own timeout.
func (p *OIDCProvider) ensure(ctx context.Context) (*discovered, error) {
	if d := p.discovered.Load(); d != nil {
		return d, nil
	}
	ch := p.discovery.DoChan("discovery", func() (any, error) {
		return p.discover(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discover %s: %w: %w", p.ident.Authority(), ErrProviderUnreachable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*discovered), nil
	}
}

// discover fetches the metadata document, bounded by the configured timeout
// and never retried, and caches the result on success.
func (p *OIDCProvider) discover(ctx context.Context) (*discovered, error) {
	if d := p.discovered.Load(); d != nil {
		return d, nil
	}
	authority := p.ident.Authority()
	dctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.client), p.ident.Timeout())
	defer cancel()

	started := time.Now()
	op, err := oidc.NewProvider(dctx, authority)
	p.metrics.ObserveProvider("discovery", started)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w: %w", authority, classifyProviderError(err), err)
	}

	var meta discoveryClaims
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("discover %s: %w: %w", authority, ErrProviderError, err)
	}

	endpoint := op.Endpoint()
	if p.ident.RequireHTTPS() {
		for name, u := range map[string]string{
			"authorization_endpoint": endpoint.AuthURL,
			"token_endpoint":         endpoint.TokenURL,
			"jwks_uri":               meta.JWKSURI,
		} {
			if !isHTTPS(u) {
				p.logger.Error("Discovered endpoint is not https", "endpoint", name, "url", u)
				return nil, fmt.Errorf("%w: discovered %s %q is not https", ErrConfig, name, u)
			}
		}
	}
	if p.ident.clientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	d := &discovered{
		oauthConfig: &oauth2.Config{
			ClientID:     p.ident.ClientID(),
			ClientSecret: p.ident.clientSecret,
			RedirectURL:  p.ident.RedirectURL(),
			Endpoint:     endpoint,
			Scopes:       p.ident.Scopes(),
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: p.ident.ClientID()}),
		endSession: meta.EndSessionEndpoint,
	}
	p.discovered.Store(d)
	p.logger.Info("OIDC provider discovered", "issuer", authority, "end_session", meta.EndSessionEndpoint != "")
	return d, nil
}

// AuthCodeURL constructs the authorization request: code flow, query response
// mode, nonce and an S256 PKCE challenge derived from verifier.
func (p *OIDCProvider) AuthCodeURL(ctx context.Context, state, nonce, verifier string) (string, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_mode", p.ident.ResponseMode()),
		oidc.Nonce(nonce),
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return d.oauthConfig.AuthCodeURL(state, opts...), nil
}

// Exchange redeems the authorization code and verifies the returned ID token,
// including the nonce bound to the login attempt.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, expectedNonce string) (*ProviderTokens, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	started := time.Now()
	tok, err := d.oauthConfig.Exchange(ctx, code, opts...)
	p.metrics.ObserveProvider("exchange", started)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w: %w", classifyProviderError(err), err)
	}

	out, err := p.verifyResponse(ctx, d, tok, true)
	if err != nil {
		return nil, err
	}
	if nonce, _ := out.Claims["nonce"].(string); nonce != expectedNonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTokenValidation)
	}
	return out, nil
}

// Refresh redeems a refresh token. A response without an ID token keeps the
// previous identity and yields nil Claims.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*ProviderTokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefresh)
	}
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	started := time.Now()
	tok, err := d.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	p.metrics.ObserveProvider("refresh", started)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w: %w", classifyProviderError(err), err)
	}
	return p.verifyResponse(ctx, d, tok, false)
}

// EndSessionURL returns the RP-initiated logout URL, or "" when the provider
// does not advertise an end_session_endpoint or cannot be discovered. The ID
// token is never placed in the URL; client_id identifies the session's client.
func (p *OIDCProvider) EndSessionURL(ctx context.Context, postLogoutRedirect string) string {
	d, err := p.ensure(ctx)
	if err != nil || d.endSession == "" {
		return ""
	}
	u, err := url.Parse(d.endSession)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_id", p.ident.ClientID())
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *OIDCProvider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	return context.WithTimeout(ctx, p.ident.Timeout())
}

func (p *OIDCProvider) verifyResponse(ctx context.Context, d *discovered, tok *oauth2.Token, requireIDToken bool) (*ProviderTokens, error) {
	out := &ProviderTokens{
		Tokens: TokenSet{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		},
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if requireIDToken {
			return nil, fmt.Errorf("%w: id_token missing in response", ErrTokenValidation)
		}
	} else {
		idToken, err := d.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w: %w", ErrTokenValidation, err)
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("parse id_token claims: %w: %w", ErrTokenValidation, err)
		}
		out.Tokens.IDToken = rawIDToken
		out.Subject = idToken.Subject
		out.Claims = claims
		if out.Tokens.Expiry.IsZero() {
			out.Tokens.Expiry = accessTokenExpiry(tok.AccessToken, idToken.Expiry)
		}
	}

	if out.Tokens.Expiry.IsZero() {
		out.Tokens.Expiry = accessTokenExpiry(tok.AccessToken, time.Time{})
	}
	if out.Tokens.Expiry.IsZero() {
		return nil, fmt.Errorf("%w: token response has no expiry", ErrProviderError)
	}
	return out, nil
}

// accessTokenExpiry reads exp from a JWT access token without verifying it.
// The value only schedules refreshes; it never grants access.
func accessTokenExpiry(accessToken string, fallback time.Time) time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return fallback
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

// Discover runs provider discovery once for CLI validation and fails when the
// provider cannot be discovered.
func Discover(ctx context.Context, cfg Config, logger *slog.Logger) (*OIDCProvider, error) {
	if !cfg.OIDC.Enabled {
		return nil, errors.New("oidc is disabled")
	}
	p, err := newOIDCProvider(NewIdentityConfig(cfg), nil, logger)
	if err != nil {
		return nil, err
	}
	if _, err := p.ensure(ctx); err != nil {
		p.logger.Error("OIDC discovery failed", "authority", cfg.OIDC.Authority, "category", Category(err), "error", err)
		return nil, err
	}
	return p, nil
}
