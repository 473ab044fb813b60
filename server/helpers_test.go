package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oidcgw/idptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a dev-mode configuration pointing at idp.
func testConfig(idp *idptest.Server) Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Sessions.Secret = testSecret
	cfg.OIDC.Enabled = true
	cfg.OIDC.Timeout = 500 * time.Millisecond
	insecure := false
	cfg.OIDC.RequireHTTPSMetadata = &insecure
	if idp != nil {
		cfg.OIDC.Authority = idp.Issuer()
		cfg.OIDC.ClientID = idp.ClientID()
	}
	return cfg
}

// gateway is a running gateway wired to a mock provider.
type gateway struct {
	*httptest.Server
	app *App
	idp *idptest.Server
}

// newGateway starts the gateway. cfg.Server.PublicURL is set to the
// listener address before the app is built.
func newGateway(t *testing.T, idp *idptest.Server, mutate func(*Config), opts ...Option) *gateway {
	t.Helper()
	g := &gateway{idp: idp}
	var handler http.Handler
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(g.Close)

	cfg := testConfig(idp)
	cfg.Server.PublicURL = g.URL
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, testLogger(), opts...)
	require.NoError(t, err)
	g.app = app
	handler = app.Routes()
	return g
}

// browser returns a client with a cookie jar that follows redirects.
func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

// noFollow returns a client that stops at the first redirect.
func noFollow(c *http.Client) *http.Client {
	return &http.Client{
		Jar:     c.Jar,
		Timeout: c.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
