package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// carryCookies builds a follow-up request holding the live cookies set on rec.
func carryCookies(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

func TestCookieStoreRoundTrip(t *testing.T) {
	store, err := NewCookieStore(testConfig(nil), []byte(testSecret))
	require.NoError(t, err)

	sess := sampleSession()
	sess.ExpiresAt = time.Now().Add(time.Hour)
	sess.Version = 0

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	assert.Equal(t, uint64(1), sess.Version)

	cookie := rec.Result().Cookies()[0]
	assert.Equal(t, sessionCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	got, err := store.Load(carryCookies(rec))
	require.NoError(t, err)
	assert.Equal(t, sess.Subject, got.Subject)
	assert.Equal(t, sess.Tokens.RefreshToken, got.Tokens.RefreshToken)
	assert.Equal(t, uint64(1), got.Version)
}

func TestCookieStoreSecureOutsideDevMode(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Server.DevMode = false
	cfg.Server.PublicURL = "https://app.example.com"
	store, err := NewCookieStore(cfg, []byte(testSecret))
	require.NoError(t, err)

	sess := sampleSession()
	sess.ExpiresAt = time.Now().Add(time.Hour)
	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestCookieStoreChunksLargeSessions(t *testing.T) {
	store, err := NewCookieStore(testConfig(nil), []byte(testSecret))
	require.NoError(t, err)

	sess := sampleSession()
	sess.ExpiresAt = time.Now().Add(time.Hour)
	sess.Tokens.AccessToken = strings.Repeat("a", 9000)

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))

	cookies := rec.Result().Cookies()
	require.GreaterOrEqual(t, len(cookies), 3)
	for _, c := range cookies {
		assert.LessOrEqual(t, len(c.Value), maxCookieChunk)
	}
	assert.Equal(t, sessionCookieName+"_1", cookies[1].Name)

	got, err := store.Load(carryCookies(rec))
	require.NoError(t, err)
	assert.Equal(t, sess.Tokens.AccessToken, got.Tokens.AccessToken)

	// A shorter value expires the chunks the browser still holds.
	req := carryCookies(rec)
	sess.Tokens.AccessToken = "short"
	rec2 := httptest.NewRecorder()
	require.NoError(t, store.Save(rec2, req, sess))
	var expired []string
	for _, c := range rec2.Result().Cookies() {
		if c.MaxAge < 0 {
			expired = append(expired, c.Name)
		}
	}
	assert.Contains(t, expired, sessionCookieName+"_1")
}

func TestCookieStoreRefusesSessionBeyondChunkLimit(t *testing.T) {
	store, err := NewCookieStore(testConfig(nil), []byte(testSecret))
	require.NoError(t, err)

	sess := sampleSession()
	sess.ExpiresAt = time.Now().Add(time.Hour)
	sess.Version = 3
	sess.Tokens.AccessToken = strings.Repeat("a", maxCookieChunk*maxCookieParts)

	rec := httptest.NewRecorder()
	err = store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess)
	require.ErrorIs(t, err, ErrCookieTooLarge)
	assert.Empty(t, rec.Result().Cookies(), "nothing the reader would truncate is written")
	assert.Equal(t, uint64(3), sess.Version)
}

func TestCookieStoreRejectsExpiredAndTampered(t *testing.T) {
	store, err := NewCookieStore(testConfig(nil), []byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "garbage"})
	_, err = store.Load(req)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = store.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoSession)

	sess := sampleSession()
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	assert.ErrorIs(t, store.Save(httptest.NewRecorder(), req, sess), ErrNoSession)
}

func TestCookieStoreDeleteExpiresCookie(t *testing.T) {
	store, err := NewCookieStore(testConfig(nil), []byte(testSecret))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, store.Delete(rec, httptest.NewRequest(http.MethodGet, "/", nil)))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestServerStoreCompareAndSwap(t *testing.T) {
	backend := NewMemoryBackend()
	store, err := NewServerStore(testConfig(nil), []byte(testSecret), backend)
	require.NoError(t, err)

	sess := sampleSession()
	sess.ID = ""
	sess.Version = 0
	sess.ExpiresAt = time.Now().Add(time.Hour)

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, uint64(1), sess.Version)
	assert.NotContains(t, rec.Result().Cookies()[0].Value, sess.ID)

	req := carryCookies(rec)
	a, err := store.Load(req)
	require.NoError(t, err)
	b, err := store.Load(req)
	require.NoError(t, err)

	a.Tokens.AccessToken = "from-a"
	require.NoError(t, store.Save(httptest.NewRecorder(), req, a))

	b.Tokens.AccessToken = "from-b"
	assert.ErrorIs(t, store.Save(httptest.NewRecorder(), req, b), ErrConflict)

	current, err := store.Load(req)
	require.NoError(t, err)
	assert.Equal(t, "from-a", current.Tokens.AccessToken)
	assert.Equal(t, uint64(2), current.Version)

	rec = httptest.NewRecorder()
	require.NoError(t, store.Delete(rec, req))
	_, err = backend.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemoryBackendConcurrentPutsOneWins(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	base := sampleSession()
	base.Version = 1
	base.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, backend.Put(ctx, base, 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := base.clone()
			next.Version = 2
			if backend.Put(ctx, next, 1) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryBackendSweep(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	live := sampleSession()
	live.ID = "live"
	live.Version = 1
	live.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, backend.Put(ctx, live, 0))

	stale := sampleSession()
	stale.ID = "stale"
	stale.Version = 1
	stale.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, backend.Put(ctx, stale, 0))

	backend.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := backend.Get(ctx, "live")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 2, backend.Sweep())
	assert.Equal(t, 0, backend.Len())
}

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	codec, err := NewCodec([]byte(testSecret), PurposeSession)
	require.NoError(t, err)
	return NewRedisBackend(client, "test:", codec), mr
}

func TestRedisBackendPutGetDelete(t *testing.T) {
	backend, mr := newTestRedisBackend(t)
	ctx := context.Background()

	sess := sampleSession()
	sess.Version = 1
	sess.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, backend.Put(ctx, sess, 0))

	require.True(t, mr.Exists("test:"+sess.ID))
	raw, err := mr.Get("test:" + sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, raw, sess.Tokens.RefreshToken)
	assert.Greater(t, mr.TTL("test:"+sess.ID), 59*time.Minute)

	got, err := backend.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Tokens.AccessToken, got.Tokens.AccessToken)
	assert.Equal(t, sess.Tokens.RefreshToken, got.Tokens.RefreshToken)
	assert.True(t, sess.Tokens.Expiry.Equal(got.Tokens.Expiry))
	assert.Equal(t, sess.Claims, got.Claims)

	require.NoError(t, backend.Delete(ctx, sess.ID))
	_, err = backend.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRedisBackendCompareAndSwap(t *testing.T) {
	backend, _ := newTestRedisBackend(t)
	ctx := context.Background()

	sess := sampleSession()
	sess.Version = 1
	sess.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, backend.Put(ctx, sess, 0))
	assert.ErrorIs(t, backend.Put(ctx, sess, 0), ErrConflict)

	next := sess.clone()
	next.Version = 2
	next.Tokens.AccessToken = "rotated"
	require.NoError(t, backend.Put(ctx, next, 1))

	stale := sess.clone()
	stale.Version = 2
	assert.ErrorIs(t, backend.Put(ctx, stale, 1), ErrConflict)

	got, err := backend.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Tokens.AccessToken)
	assert.Equal(t, uint64(2), got.Version)
}

func TestRedisBackendExpiresWithSession(t *testing.T) {
	backend, mr := newTestRedisBackend(t)
	ctx := context.Background()

	sess := sampleSession()
	sess.Version = 1
	sess.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, backend.Put(ctx, sess, 0))

	mr.FastForward(2 * time.Minute)
	_, err := backend.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestNewSessionStoreSelectsBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(nil)
	store, err := NewSessionStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &CookieStore{}, store)

	cfg.Sessions.Store = StoreMemory
	store, err = NewSessionStore(cfg)
	require.NoError(t, err)
	require.IsType(t, &ServerStore{}, store)
	assert.IsType(t, &MemoryBackend{}, store.(*ServerStore).Backend())

	cfg.Sessions.Store = StoreRedis
	cfg.Sessions.Redis.Addr = mr.Addr()
	store, err = NewSessionStore(cfg)
	require.NoError(t, err)
	require.IsType(t, &ServerStore{}, store)
	assert.NoError(t, store.(*ServerStore).Ping(context.Background()))
	assert.NoError(t, store.(*ServerStore).Backend().(*RedisBackend).Close())

	cfg.Sessions.Store = "sqlite"
	_, err = NewSessionStore(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}
