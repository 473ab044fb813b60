package server

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenRefresher redeems refresh tokens at the provider.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*ProviderTokens, error)
}

// Refresher keeps session tokens fresh. Concurrent refreshes of the same
// session version share one provider call, which is cancelled once every
// caller waiting on it has gone.
type Refresher struct {
	ident    *IdentityConfig
	provider TokenRefresher
	mapper   ClaimsMapper
	metrics  *Metrics
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared provider call and the number of
// callers still waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewRefresher constructs a refresher. mapper is only used when claims are
// re-derived on refresh.
func NewRefresher(ident *IdentityConfig, provider TokenRefresher, mapper ClaimsMapper, metrics *Metrics, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		ident:    ident,
		provider: provider,
		mapper:   mapper,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		flights:  make(map[string]*flight),
	}
}

// NeedsRefresh reports whether the access token expires within the refresh window.
func (r *Refresher) NeedsRefresh(sess *Session) bool {
	return !sess.Tokens.Expiry.After(r.now().Add(r.ident.RefreshWindow()))
}

// Validate returns sess unchanged when its tokens are still fresh. Otherwise it
// refreshes and returns a new session value with the whole token set replaced
// and refreshed=true. Errors wrapping ErrRefresh mean the session must be
// invalidated; a cancelled ctx returns ctx.Err() and nothing is committed, and
// the provider call is abandoned when no other caller shares it.
func (r *Refresher) Validate(ctx context.Context, sess *Session) (*Session, bool, error) {
	if sess == nil {
		return nil, false, ErrNoSession
	}
	if !r.NeedsRefresh(sess) {
		return sess, false, nil
	}
	if !r.ident.SaveTokens() || sess.Tokens.RefreshToken == "" {
		return nil, false, r.fail(sess, fmt.Errorf("%w: no refresh token", ErrRefresh))
	}

	key := sess.ID + "/" + strconv.FormatUint(sess.Version, 10)
	f, ch := r.join(ctx, key, sess.Tokens.RefreshToken)
	defer r.leave(key, f)

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, false, r.fail(sess, fmt.Errorf("%w: %w", ErrRefresh, res.Err))
	}

	next, err := r.apply(sess, res.Val.(*ProviderTokens))
	if err != nil {
		return nil, false, r.fail(sess, err)
	}
	r.metrics.RefreshOutcome("success")
	r.logger.Debug("Session tokens refreshed", "subject", sess.Subject, "shared", res.Shared, "expiry", next.Tokens.Expiry)
	return next, true, nil
}

// join registers the caller on the flight for key and returns the shared
// result channel.
func (r *Refresher) join(ctx context.Context, key, refreshToken string) (*flight, <-chan singleflight.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[key] = f
	}
	f.waiters++
	ch := r.group.DoChan(key, func() (any, error) {
		pctx, cancel := context.WithTimeout(f.ctx, r.ident.Timeout())
		defer cancel()
		return r.provider.Refresh(pctx, refreshToken)
	})
	return f, ch
}

// leave drops a waiter. The last one out cancels the provider call and makes
// the next caller for key start a new one.
func (r *Refresher) leave(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[key] == f {
		delete(r.flights, key)
		r.group.Forget(key)
	}
}

func (r *Refresher) apply(sess *Session, pt *ProviderTokens) (*Session, error) {
	if pt == nil || pt.Tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty token response", ErrRefresh)
	}
	if !pt.Tokens.Expiry.After(r.now()) {
		return nil, fmt.Errorf("%w: refreshed token already expired", ErrRefresh)
	}

	tokens := pt.Tokens
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = sess.Tokens.RefreshToken
	}
	if tokens.IDToken == "" {
		tokens.IDToken = sess.Tokens.IDToken
	}

	next := sess.clone()
	next.Tokens = tokens

	if r.ident.RemapOnRefresh() && pt.Claims != nil {
		if pt.Subject != sess.Subject {
			return nil, fmt.Errorf("%w: %w: subject changed on refresh", ErrRefresh, ErrTokenValidation)
		}
		mapped, err := mapClaimsSafely(r.mapper, FlattenClaims(pt.Claims))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefresh, err)
		}
		next.Claims = mapped.Claims
		next.DisplayName = mapped.DisplayName
	}
	return next, nil
}

func (r *Refresher) fail(sess *Session, err error) error {
	category := Category(err)
	r.metrics.RefreshOutcome(category)
	r.logger.Error("Token refresh failed", "category", category, "subject", sess.Subject, "error", err)
	return err
}

