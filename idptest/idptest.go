// Package idptest runs an in-process OpenID Connect provider for tests. It
// supports discovery, JWKS, the authorization code flow with PKCE, refresh
// tokens and RP-initiated logout.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultClientID = "app-client"

// Server is a mock identity provider.
type Server struct {
	*httptest.Server

	clientID string
	key      *rsa.PrivateKey
	kid      string

	mu            sync.Mutex
	subject       string
	claims        map[string]any
	codes         map[string]authCode
	refresh       map[string]grant
	tokenDelay    time.Duration
	expiresIn     time.Duration
	rotate        bool
	omitRefreshID bool
	endSession    bool
	deferred      bool

	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
}

type authCode struct {
	redirectURI string
	nonce       string
	challenge   string
	subject     string
	claims      map[string]any
}

type grant struct {
	subject string
	claims  map[string]any
	revoked bool
}

// Option configures a Server.
type Option func(*Server)

// WithClientID sets the only client the provider accepts.
func WithClientID(id string) Option {
	return func(s *Server) { s.clientID = id }
}

// WithoutEndSession hides end_session_endpoint from discovery.
func WithoutEndSession() Option {
	return func(s *Server) { s.endSession = false }
}

// WithRefreshRotation issues a new refresh token on every refresh and revokes the old one.
func WithRefreshRotation() Option {
	return func(s *Server) { s.rotate = true }
}

// Deferred binds the listener but leaves the provider unstarted until Start is
// called. Until then requests hang, like a provider that is still booting.
func Deferred() Option {
	return func(s *Server) { s.deferred = true }
}

// New starts a provider and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &Server{
		clientID:   DefaultClientID,
		key:        key,
		kid:        randomString(6),
		subject:    "user-1",
		claims:     map[string]any{},
		codes:      make(map[string]authCode),
		refresh:    make(map[string]grant),
		expiresIn:  time.Hour,
		endSession: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/logout", s.handleLogout)
	if s.deferred {
		s.Server = httptest.NewUnstartedServer(mux)
	} else {
		s.Server = httptest.NewServer(mux)
	}
	t.Cleanup(s.Close)
	return s
}

// Issuer is the provider authority. It is known before a deferred provider starts.
func (s *Server) Issuer() string { return "http://" + s.Listener.Addr().String() }

// ClientID is the accepted client.
func (s *Server) ClientID() string { return s.clientID }

// SetUser sets the subject and extra ID token claims for subsequent logins.
func (s *Server) SetUser(subject string, claims map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
	s.claims = claims
}

// SetTokenDelay delays every token endpoint response by d.
func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// SetExpiresIn sets the access token lifetime for new tokens.
func (s *Server) SetExpiresIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = d
}

// OmitIDTokenOnRefresh makes refresh responses carry no id_token.
func (s *Server) OmitIDTokenOnRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitRefreshID = true
}

// IssueRefreshToken registers a refresh token for subject.
func (s *Server) IssueRefreshToken(subject string, claims map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := randomString(24)
	s.refresh[rt] = grant{subject: subject, claims: claims}
	return rt
}

// Revoke invalidates a refresh token.
func (s *Server) Revoke(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.refresh[refreshToken]; ok {
		g.revoked = true
		s.refresh[refreshToken] = g
	}
}

// RevokeAll invalidates every refresh token issued so far.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rt, g := range s.refresh {
		g.revoked = true
		s.refresh[rt] = g
	}
}

// RefreshCalls reports how many refresh grants reached the token endpoint.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// ExchangeCalls reports how many authorization code grants reached the token endpoint.
func (s *Server) ExchangeCalls() int { return int(s.exchangeCalls.Load()) }

// SignIDToken signs an ID token for the accepted client with the given claims
// merged over the standard ones.
func (s *Server) SignIDToken(subject, nonce string, extra map[string]any, exp time.Time) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.URL,
		"sub": subject,
		"aud": s.clientID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range extra {
		claims[k] = v
	}
	return s.sign(claims)
}

func (s *Server) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	}
	if s.endSession {
		doc["end_session_endpoint"] = s.URL + "/logout"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		back := redirect.Query()
		back.Set("error", "invalid_request")
		back.Set("state", q.Get("state"))
		redirect.RawQuery = back.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
		return
	}

	code := randomString(16)
	s.mu.Lock()
	s.codes[code] = authCode{
		redirectURI: q.Get("redirect_uri"),
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		subject:     s.subject,
		claims:      s.claims,
	}
	s.mu.Unlock()

	back := redirect.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	delay := s.tokenDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	clientID := r.PostForm.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		clientID = user
	}
	if clientID != s.clientID {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCalls.Add(1)
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refreshCalls.Add(1)
		s.refreshToken(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	s.mu.Lock()
	ac, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()
	if !ok || ac.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != ac.challenge {
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	rt := s.IssueRefreshToken(ac.subject, ac.claims)
	s.writeTokens(w, ac.subject, ac.nonce, ac.claims, rt, true)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")
	s.mu.Lock()
	g, ok := s.refresh[rt]
	valid := ok && !g.revoked
	rotate := s.rotate
	withID := !s.omitRefreshID
	if valid && rotate {
		g.revoked = true
		s.refresh[rt] = g
	}
	s.mu.Unlock()
	if !valid {
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	next := rt
	if rotate {
		next = s.IssueRefreshToken(g.subject, g.claims)
	}
	s.writeTokens(w, g.subject, "", g.claims, next, withID)
}

func (s *Server) writeTokens(w http.ResponseWriter, subject, nonce string, claims map[string]any, refreshToken string, withIDToken bool) {
	s.mu.Lock()
	expiresIn := s.expiresIn
	s.mu.Unlock()
	exp := time.Now().Add(expiresIn)

	access, err := s.sign(jwt.MapClaims{
		"iss": s.URL,
		"sub": subject,
		"aud": "api",
		"exp": exp.Unix(),
		"jti": randomString(8),
	})
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(expiresIn.Seconds()),
		"refresh_token": refreshToken,
	}
	if withIDToken {
		idToken, err := s.SignIDToken(subject, nonce, claims, exp)
		if err != nil {
			tokenError(w, http.StatusInternalServerError, "server_error")
			return
		}
		resp["id_token"] = idToken
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func tokenError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
