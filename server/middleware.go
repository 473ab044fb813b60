package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type sessionKey struct{}
type requestInfoKey struct{}

// requestInfo is filled by inner middleware and read by LoggingMiddleware.
type requestInfo struct {
	subject string
}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info.subject != "" {
				attrs = append(attrs, "subject", info.subject)
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic", "error", err, "request_id", RequestIDFromContext(r.Context()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets browser hardening headers and HSTS on TLS.
func SecurityHeadersMiddleware(hstsMaxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			if r.TLS != nil && hstsMaxAge > 0 {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", hstsMaxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// WithSession stores sess on ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if sess := SessionFromContext(ctx); sess != nil {
		return sess.Principal()
	}
	return nil
}

// Authenticator loads the session for each request and keeps its tokens fresh.
// It never rejects a request on its own; RequireAuth does that.
type Authenticator struct {
	store     SessionStore
	refresher *Refresher
	logger    *slog.Logger
}

// NewAuthenticator constructs the middleware. A nil refresher disables refresh.
func NewAuthenticator(store SessionStore, refresher *Refresher, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, refresher: refresher, logger: logger}
}

// Middleware attaches the session to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.load(w, r)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			a.logger.Error("Session store unavailable", "error", err, "request_id", RequestIDFromContext(r.Context()))
			http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		if sess != nil {
			if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
				info.subject = sess.Subject
			}
			r = r.WithContext(WithSession(r.Context(), sess))
		}
		next.ServeHTTP(w, r)
	})
}

// load returns (nil, nil) for anonymous requests, including sessions that
// were just invalidated by a failed refresh.
func (a *Authenticator) load(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if a.store == nil {
		return nil, nil
	}
	sess, err := a.store.Load(r)
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.refresher == nil {
		return sess, nil
	}

	next, refreshed, err := a.refresher.Validate(r.Context(), sess)
	switch {
	case r.Context().Err() != nil:
		return nil, r.Context().Err()
	case err != nil:
		if delErr := a.store.Delete(w, r); delErr != nil {
			a.logger.Warn("Session delete failed", "error", delErr)
		}
		a.logger.Info("Session invalidated", "subject", sess.Subject, "category", Category(err), "request_id", RequestIDFromContext(r.Context()))
		return nil, nil
	case !refreshed:
		return sess, nil
	}

	err = a.store.Save(w, r, next)
	if errors.Is(err, ErrConflict) {
		// Another request committed first; its tokens are at least as fresh.
		current, loadErr := a.store.Load(r)
		if loadErr != nil {
			return nil, nil
		}
		return current, nil
	}
	if err != nil {
		a.logger.Warn("Refreshed session not persisted", "subject", sess.Subject, "error", err)
	}
	return next, nil
}

// RequireAuth lets authenticated requests through. Anonymous GET and HEAD
// requests are challenged; other methods get 401.
func RequireAuth(challenge func(w http.ResponseWriter, r *http.Request, returnTo string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SessionFromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				challenge(w, r, r.URL.RequestURI())
				return
			}
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}

// LegacyChallenge redirects to the forms login page instead of the provider.
func LegacyChallenge(loginPath string) func(w http.ResponseWriter, r *http.Request, returnTo string) {
	return func(w http.ResponseWriter, r *http.Request, returnTo string) {
		http.Redirect(w, r, loginPath+"?return_to="+url.QueryEscape(SanitizeReturnTo(returnTo)), http.StatusFound)
	}
}

// RequirePermissions rejects principals missing any of perms with 403.
func RequirePermissions(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			for _, perm := range perms {
				if !p.HasClaim(ClaimPermission, perm) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
