package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"oidcgw/idptest"
)

func newTestProvider(t *testing.T, idp *idptest.Server) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), NewIdentityConfig(testConfig(idp)), nil, testLogger())
	require.NoError(t, err)
	return p
}

// authorize walks the authorization endpoint and returns the issued code.
func authorize(t *testing.T, p *OIDCProvider, nonce, verifier string) string {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	authURL, err := p.AuthCodeURL(context.Background(), "state-1", nonce, verifier)
	require.NoError(t, err)
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, loc.Query().Get("error"))
	return loc.Query().Get("code")
}

func TestOIDCProviderExchange(t *testing.T) {
	idp := idptest.New(t)
	idp.SetUser("user-7", map[string]any{"email": "u7@example.com"})
	p := newTestProvider(t, idp)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, p, "n-1", verifier)

	got, err := p.Exchange(context.Background(), code, verifier, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "user-7", got.Subject)
	assert.Equal(t, "u7@example.com", got.Claims["email"])
	assert.NotEmpty(t, got.Tokens.AccessToken)
	assert.NotEmpty(t, got.Tokens.RefreshToken)
	assert.NotEmpty(t, got.Tokens.IDToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.Tokens.Expiry, time.Minute)
}

func TestOIDCProviderExchangeRejections(t *testing.T) {
	idp := idptest.New(t)
	p := newTestProvider(t, idp)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, p, "n-1", verifier)
	_, err := p.Exchange(ctx, code, verifier, "n-other")
	assert.ErrorIs(t, err, ErrTokenValidation, "nonce mismatch")

	_, err = p.Exchange(ctx, code, verifier, "n-1")
	assert.ErrorIs(t, err, ErrCodeRejected, "code reuse")

	code = authorize(t, p, "n-2", verifier)
	_, err = p.Exchange(ctx, code, oauth2.GenerateVerifier(), "n-2")
	assert.ErrorIs(t, err, ErrCodeRejected, "wrong verifier")
}

func TestOIDCProviderExchangeTimeout(t *testing.T) {
	idp := idptest.New(t)
	p := newTestProvider(t, idp)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, p, "n-1", verifier)

	idp.SetTokenDelay(2 * time.Second)
	started := time.Now()
	_, err := p.Exchange(context.Background(), code, verifier, "n-1")
	require.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Less(t, time.Since(started), 1500*time.Millisecond)
	assert.Equal(t, "provider unreachable", Category(err))
}

func TestOIDCProviderRefresh(t *testing.T) {
	idp := idptest.New(t, idptest.WithRefreshRotation())
	p := newTestProvider(t, idp)
	ctx := context.Background()

	rt := idp.IssueRefreshToken("user-1", nil)
	got, err := p.Refresh(ctx, rt)
	require.NoError(t, err)
	assert.NotEqual(t, rt, got.Tokens.RefreshToken)
	assert.Equal(t, "user-1", got.Subject)

	_, err = p.Refresh(ctx, rt)
	assert.ErrorIs(t, err, ErrCodeRejected, "rotated token is spent")

	_, err = p.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrRefresh)

	idp.OmitIDTokenOnRefresh()
	got, err = p.Refresh(ctx, got.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, got.Tokens.IDToken)
	assert.Nil(t, got.Claims)
	assert.False(t, got.Tokens.Expiry.IsZero())
}

func TestNewOIDCProviderRequiresHTTPS(t *testing.T) {
	idp := idptest.New(t)
	cfg := testConfig(idp)
	cfg.OIDC.RequireHTTPSMetadata = nil

	_, err := NewOIDCProvider(context.Background(), NewIdentityConfig(cfg), nil, testLogger())
	require.ErrorIs(t, err, ErrConfig)
}

func TestNewOIDCProviderToleratesUnreachableProvider(t *testing.T) {
	idp := idptest.New(t)
	cfg := testConfig(idp)
	idp.Close()

	p, err := NewOIDCProvider(context.Background(), NewIdentityConfig(cfg), nil, testLogger())
	require.NoError(t, err)

	_, err = p.AuthCodeURL(context.Background(), "state-1", "n-1", "")
	require.ErrorIs(t, err, ErrProviderUnreachable)
	_, err = p.Exchange(context.Background(), "code", "", "n-1")
	require.ErrorIs(t, err, ErrProviderUnreachable)
	_, err = p.Refresh(context.Background(), "rt")
	require.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Empty(t, p.EndSessionURL(context.Background(), "https://app.example.com/"))
}

func TestOIDCProviderDiscoversOnceProviderIsUp(t *testing.T) {
	idp := idptest.New(t, idptest.Deferred())
	cfg := testConfig(idp)
	cfg.OIDC.Timeout = 300 * time.Millisecond

	p, err := NewOIDCProvider(context.Background(), NewIdentityConfig(cfg), nil, testLogger())
	require.NoError(t, err)
	_, err = p.AuthCodeURL(context.Background(), "state-1", "n-1", "")
	require.ErrorIs(t, err, ErrProviderUnreachable)

	idp.Start()
	authURL, err := p.AuthCodeURL(context.Background(), "state-1", "n-1", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, idp.URL+"/authorize?"))

	idp.Close()
	_, err = p.AuthCodeURL(context.Background(), "state-2", "n-2", "")
	require.NoError(t, err, "discovery result is cached")
	assert.NotEmpty(t, p.EndSessionURL(context.Background(), "https://app.example.com/"))
}

func TestEndSessionURL(t *testing.T) {
	idp := idptest.New(t)
	p := newTestProvider(t, idp)

	raw := p.EndSessionURL(context.Background(), "https://app.example.com/")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, idp.URL+"/logout?"))
	assert.Equal(t, idp.ClientID(), u.Query().Get("client_id"))
	assert.Equal(t, "https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))
	assert.False(t, u.Query().Has("id_token_hint"), "the ID token never travels in a URL")

	bare := newTestProvider(t, idptest.New(t, idptest.WithoutEndSession()))
	assert.Empty(t, bare.EndSessionURL(context.Background(), "https://app.example.com/"))
}

func TestAccessTokenExpiry(t *testing.T) {
	exp := time.Now().Add(20 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, exp.Equal(accessTokenExpiry(signed, time.Time{})))

	fallback := time.Now().Add(time.Hour)
	assert.Equal(t, fallback, accessTokenExpiry("opaque-token", fallback))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, fallback, accessTokenExpiry(noExp, fallback))
}
