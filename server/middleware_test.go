package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcgw/idptest"
)

func TestAuthenticatorRefreshesNearExpiry(t *testing.T) {
	idp := idptest.New(t)
	idp.SetExpiresIn(30 * time.Second)
	g := newGateway(t, idp, nil)
	client := browser(t)
	login(t, g, client, "/")
	before := idp.RefreshCalls()

	idp.SetExpiresIn(time.Hour)
	status, me := getMe(t, g, client)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, before+1, idp.RefreshCalls())
	assert.True(t, me.TokenExpiresAt.After(time.Now().Add(50*time.Minute)), "token expiry %s", me.TokenExpiresAt)

	status, _ = getMe(t, g, client)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, before+1, idp.RefreshCalls(), "refreshed tokens were committed")
}

func TestAuthenticatorInvalidatesOnRevokedRefreshToken(t *testing.T) {
	idp := idptest.New(t)
	idp.SetExpiresIn(30 * time.Second)
	backend := newBackend(t)
	g := proxyGateway(t, idp, backend.URL)
	client := browser(t)
	login(t, g, client, "/")
	before := idp.RefreshCalls()

	idp.RevokeAll()
	resp, err := noFollow(client).Get(g.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "session cookie should be expired")

	resp, err = noFollow(client).Get(g.URL + "/app/page")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), idp.URL+"/authorize?"))
	assert.Equal(t, before+1, idp.RefreshCalls())
}

func TestAuthenticatorServerStoreRefresh(t *testing.T) {
	idp := idptest.New(t)
	idp.SetExpiresIn(30 * time.Second)
	g := newGateway(t, idp, func(c *Config) { c.Sessions.Store = StoreMemory })
	client := browser(t)
	login(t, g, client, "/")
	before := idp.RefreshCalls()

	idp.SetExpiresIn(time.Hour)
	const callers = 5
	var wg sync.WaitGroup
	statuses := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = getMe(t, g, client)
		}(i)
	}
	wg.Wait()

	for _, s := range statuses {
		assert.Equal(t, http.StatusOK, s)
	}
	assert.GreaterOrEqual(t, idp.RefreshCalls(), before+1)
	assert.LessOrEqual(t, idp.RefreshCalls(), before+callers)

	status, me := getMe(t, g, client)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, me.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))
}

// staleStore hands out an outdated copy on the first Load.
type staleStore struct {
	SessionStore
	mu    sync.Mutex
	stale *Session
}

func (s *staleStore) Load(r *http.Request) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale != nil {
		out := s.stale
		s.stale = nil
		return out, nil
	}
	return s.SessionStore.Load(r)
}

func TestAuthenticatorReloadsAfterConflict(t *testing.T) {
	cfg := testConfig(nil)
	store, err := NewServerStore(cfg, []byte(testSecret), NewMemoryBackend())
	require.NoError(t, err)

	sess := expiredSession()
	sess.ID = ""
	sess.Version = 0
	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	stale := sess.clone()

	winner := sess.clone()
	winner.Tokens = TokenSet{AccessToken: "winner", RefreshToken: "rt-2", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), winner))

	fake := &fakeRefresher{result: &ProviderTokens{Tokens: TokenSet{AccessToken: "loser", Expiry: time.Now().Add(time.Hour)}}}
	auth := NewAuthenticator(&staleStore{SessionStore: store, stale: stale}, newTestRefresher(cfg, fake), testLogger())

	var seen *Session
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), carryCookies(rec))

	require.NotNil(t, seen)
	assert.Equal(t, int64(1), fake.calls.Load())
	assert.Equal(t, "winner", seen.Tokens.AccessToken)
	assert.Equal(t, uint64(2), seen.Version)
}

type failingStore struct{ SessionStore }

func (failingStore) Load(*http.Request) (*Session, error) {
	return nil, context.DeadlineExceeded
}

func TestAuthenticatorStoreOutage(t *testing.T) {
	auth := NewAuthenticator(failingStore{}, nil, testLogger())
	rec := httptest.NewRecorder()
	auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireAuthChallengeAndReject(t *testing.T) {
	var challenged string
	mw := RequireAuth(func(w http.ResponseWriter, r *http.Request, returnTo string) {
		challenged = returnTo
		w.WriteHeader(http.StatusFound)
	})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports?year=2024", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/reports?year=2024", challenged)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reports", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reports", nil)
	req = req.WithContext(WithSession(req.Context(), expiredSession()))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRequirePermissions(t *testing.T) {
	h := RequirePermissions("admin-access")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithSession(req.Context(), expiredSession())))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sess := expiredSession()
	sess.Claims = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithSession(req.Context(), sess)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLegacyChallengeWhenOIDCDisabled(t *testing.T) {
	backend := newBackend(t)
	g := newGateway(t, nil, func(c *Config) {
		c.OIDC.Enabled = false
		c.Proxy.Routes = []ProxyRoute{{PathPrefix: "/app", Target: backend.URL, RequireAuth: true}}
	})
	client := noFollow(browser(t))

	resp, err := client.Get(g.URL + "/app/page?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/account/login?return_to=%2Fapp%2Fpage%3Fx%3D1", resp.Header.Get("Location"))

	st := getStatus(t, g, client)
	assert.False(t, st.OIDC)
	assert.Equal(t, Anonymous.String(), st.State)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	g := newGateway(t, idptest.New(t), func(c *Config) { c.Server.DevMode = true })
	resp, err := http.Get(g.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	h := SecurityHeadersMiddleware(hstsMaxAge)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://gateway.example.com/", nil))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
