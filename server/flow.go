package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// correlationTTL bounds how long a login attempt may wait for the callback.
const correlationTTL = 10 * time.Minute

// FlowState is the position of a browser in the login flow.
type FlowState int

const (
	Anonymous FlowState = iota
	AwaitingProviderRedirect
	ExchangingCode
	Authenticated
)

func (s FlowState) String() string {
	switch s {
	case AwaitingProviderRedirect:
		return "awaiting_provider_redirect"
	case ExchangingCode:
		return "exchanging_code"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Orchestrator drives the authorization code flow: challenge, callback,
// session creation and logout.
type Orchestrator struct {
	ident       *IdentityConfig
	provider    IdentityProvider
	mapper      ClaimsMapper
	store       SessionStore
	correlation *Codec
	jar         cookieJar
	publicURL   string
	sessionTTL  time.Duration
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	exchanging map[string]struct{}
}

// NewOrchestrator wires the flow. A nil mapper selects the default RoleMapper.
func NewOrchestrator(cfg Config, ident *IdentityConfig, provider IdentityProvider, mapper ClaimsMapper, store SessionStore, metrics *Metrics, logger *slog.Logger) (*Orchestrator, error) {
	codec, err := NewCodec([]byte(cfg.Sessions.Secret), PurposeCorrelation)
	if err != nil {
		return nil, err
	}
	if mapper == nil {
		mapper = NewRoleMapper(cfg.Claims)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ident:       ident,
		provider:    provider,
		mapper:      mapper,
		store:       store,
		correlation: codec,
		jar:         newCookieJar(cfg, correlationCookieName),
		publicURL:   strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		sessionTTL:  cfg.Sessions.TTL,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		exchanging:  make(map[string]struct{}),
	}, nil
}

// Challenge starts a login: it records state, nonce and PKCE verifier in the
// correlation cookie and redirects to the authorization endpoint. A provider
// that cannot be discovered fails the attempt like any other login failure.
func (o *Orchestrator) Challenge(w http.ResponseWriter, r *http.Request, returnTo string) {
	login := LoginState{
		State:        oauth2.GenerateVerifier(),
		Nonce:        oauth2.GenerateVerifier(),
		CodeVerifier: oauth2.GenerateVerifier(),
		ReturnTo:     SanitizeReturnTo(returnTo),
		CreatedAt:    o.now(),
	}
	authURL, err := o.provider.AuthCodeURL(r.Context(), login.State, login.Nonce, login.CodeVerifier)
	if err != nil {
		o.finish(w, r, Failed(err), login)
		return
	}
	sealed, err := o.correlation.Seal(login)
	if err != nil {
		o.logger.Error("Failed to seal login state", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	if err := o.jar.write(w, r, sealed, correlationTTL); err != nil {
		o.logger.Error("Failed to store login state", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback validates the redirect back from the provider, completes the
// exchange and either establishes a session or redirects to the failure page.
func (o *Orchestrator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	login, code, err := o.readCallback(r)
	o.jar.clear(w, r)
	if err != nil {
		o.finish(w, r, Failed(err), LoginState{})
		return
	}
	o.finish(w, r, o.Complete(ctx, code, login), login)
}

func (o *Orchestrator) readCallback(r *http.Request) (LoginState, string, error) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return LoginState{}, "", fmt.Errorf("%w: %s: %s", ErrProviderError, e, q.Get("error_description"))
	}

	raw, ok := o.jar.read(r)
	if !ok {
		return LoginState{}, "", fmt.Errorf("%w: missing correlation cookie", ErrInvalidState)
	}
	var login LoginState
	if err := o.correlation.Open(raw, &login); err != nil {
		return LoginState{}, "", err
	}
	if o.now().Sub(login.CreatedAt) > correlationTTL {
		return LoginState{}, "", fmt.Errorf("%w: login attempt expired", ErrInvalidState)
	}
	state := q.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(login.State)) != 1 {
		return LoginState{}, "", fmt.Errorf("%w: state mismatch", ErrInvalidState)
	}
	code := q.Get("code")
	if code == "" {
		return LoginState{}, "", fmt.Errorf("%w: missing code", ErrProviderError)
	}
	return login, code, nil
}

// Complete exchanges code, verifies the ID token against login and maps its
// claims. It never panics; every failure becomes a Failed outcome.
func (o *Orchestrator) Complete(ctx context.Context, code string, login LoginState) (out Outcome) {
	if !o.beginExchange(login.State) {
		return Failed(fmt.Errorf("%w: exchange already in progress", ErrInvalidState))
	}
	defer o.endExchange(login.State)

	defer func() {
		if rec := recover(); rec != nil {
			out = Failed(fmt.Errorf("%w: panic: %v", ErrProviderError, rec))
		}
	}()

	pt, err := o.provider.Exchange(ctx, code, login.CodeVerifier, login.Nonce)
	if err != nil {
		return Failed(err)
	}

	mapped, err := mapClaimsSafely(o.mapper, FlattenClaims(pt.Claims))
	if err != nil {
		return Failed(err)
	}

	principal := &Principal{
		Subject:     pt.Subject,
		DisplayName: mapped.DisplayName,
		Claims:      mapped.Claims,
	}
	tokens := pt.Tokens
	if !o.ident.SaveTokens() {
		tokens = TokenSet{Expiry: pt.Tokens.Expiry}
	}
	return AuthenticatedOutcome(principal, tokens)
}

func (o *Orchestrator) finish(w http.ResponseWriter, r *http.Request, out Outcome, login LoginState) {
	requestID := RequestIDFromContext(r.Context())

	if out.Succeeded() {
		now := o.now()
		sess := &Session{
			ID:          NewSessionID(),
			Subject:     out.Principal.Subject,
			DisplayName: out.Principal.DisplayName,
			Claims:      out.Principal.Claims,
			Tokens:      out.Tokens,
			CreatedAt:   now,
			ExpiresAt:   now.Add(o.sessionTTL),
		}
		if err := o.store.Save(w, r, sess); err != nil {
			out = Failed(fmt.Errorf("persist session: %w", err))
		} else {
			o.metrics.LoginOutcome("success")
			o.logger.Info("Login succeeded", "subject", sess.Subject, "request_id", requestID)
			http.Redirect(w, r, login.ReturnTo, http.StatusFound)
			return
		}
	}

	if r.Context().Err() != nil {
		o.logger.Info("Login abandoned by client", "request_id", requestID)
		return
	}
	o.metrics.LoginOutcome(out.Reason)
	o.logger.Error("Login failed", "category", out.Reason, "request_id", requestID, "error", out.Err)
	http.Redirect(w, r, "/auth/failed?reason="+url.QueryEscape(out.Reason), http.StatusFound)
}

// Logout removes the local session and, when the provider supports it, ends
// the provider session too.
func (o *Orchestrator) Logout(w http.ResponseWriter, r *http.Request) {
	var subject string
	if sess, err := o.store.Load(r); err == nil {
		subject = sess.Subject
	}
	if err := o.store.Delete(w, r); err != nil {
		o.logger.Warn("Session delete failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}

	postLogout := o.ident.PostLogoutURL()
	if postLogout == "" {
		postLogout = o.publicURL + "/"
	}
	target := o.provider.EndSessionURL(r.Context(), postLogout)
	if target == "" {
		target = postLogout
	}
	o.logger.Info("Logout", "subject", subject, "provider_logout", target != postLogout)
	http.Redirect(w, r, target, http.StatusFound)
}

// State reports the flow position of the requesting browser.
func (o *Orchestrator) State(r *http.Request, sess *Session) FlowState {
	if sess != nil {
		return Authenticated
	}
	raw, ok := o.jar.read(r)
	if !ok {
		return Anonymous
	}
	var login LoginState
	if err := o.correlation.Open(raw, &login); err != nil || o.now().Sub(login.CreatedAt) > correlationTTL {
		return Anonymous
	}
	o.mu.Lock()
	_, busy := o.exchanging[login.State]
	o.mu.Unlock()
	if busy {
		return ExchangingCode
	}
	return AwaitingProviderRedirect
}

func (o *Orchestrator) beginExchange(state string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.exchanging[state]; busy {
		return false
	}
	o.exchanging[state] = struct{}{}
	return true
}

func (o *Orchestrator) endExchange(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.exchanging, state)
}

// SanitizeReturnTo restricts post-login redirects to same-origin paths.
func SanitizeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
