package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SessionStore persists sessions for a browser. Load returns ErrNoSession when
// the request carries no usable session. Save increments sess.Version on
// success; server-side stores return ErrConflict when the stored version moved.
type SessionStore interface {
	Load(r *http.Request) (*Session, error)
	Save(w http.ResponseWriter, r *http.Request, sess *Session) error
	Delete(w http.ResponseWriter, r *http.Request) error
}

// NewSessionStore builds the store selected by cfg.Sessions.Store.
func NewSessionStore(cfg Config) (SessionStore, error) {
	secret := []byte(cfg.Sessions.Secret)
	switch cfg.Sessions.Store {
	case "", StoreCookie:
		return NewCookieStore(cfg, secret)
	case StoreMemory:
		return NewServerStore(cfg, secret, NewMemoryBackend())
	case StoreRedis:
		codec, err := NewCodec(secret, PurposeSession)
		if err != nil {
			return nil, err
		}
		backend := NewRedisBackend(NewRedisClient(cfg.Sessions.Redis), cfg.Sessions.Redis.KeyPrefix, codec)
		return NewServerStore(cfg, secret, backend)
	default:
		return nil, fmt.Errorf("%w: unknown session store %q", ErrConfig, cfg.Sessions.Store)
	}
}

// CookieStore keeps the whole sealed session in chunked cookies.
type CookieStore struct {
	codec *Codec
	jar   cookieJar
	now   func() time.Time
}

// NewCookieStore constructs a stateless cookie store.
func NewCookieStore(cfg Config, secret []byte) (*CookieStore, error) {
	codec, err := NewCodec(secret, PurposeSession)
	if err != nil {
		return nil, err
	}
	return &CookieStore{codec: codec, jar: newCookieJar(cfg, sessionCookieName), now: time.Now}, nil
}

func (s *CookieStore) Load(r *http.Request) (*Session, error) {
	raw, ok := s.jar.read(r)
	if !ok {
		return nil, ErrNoSession
	}
	var sess Session
	if err := s.codec.Open(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, ErrNoSession
	}
	return &sess, nil
}

func (s *CookieStore) Save(w http.ResponseWriter, r *http.Request, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrNoSession
	}
	next := sess.clone()
	next.Version++
	sealed, err := s.codec.Seal(next)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	if err := s.jar.write(w, r, sealed, ttl); err != nil {
		return err
	}
	sess.Version = next.Version
	return nil
}

func (s *CookieStore) Delete(w http.ResponseWriter, r *http.Request) error {
	s.jar.clear(w, r)
	return nil
}

// ServerStore keeps sessions in a Backend; the cookie carries only the sealed id.
type ServerStore struct {
	backend Backend
	codec   *Codec
	jar     cookieJar
	now     func() time.Time
}

type sessionRef struct {
	ID string `json:"sid"`
}

// NewServerStore constructs a store over backend.
func NewServerStore(cfg Config, secret []byte, backend Backend) (*ServerStore, error) {
	codec, err := NewCodec(secret, PurposeSessionID)
	if err != nil {
		return nil, err
	}
	return &ServerStore{backend: backend, codec: codec, jar: newCookieJar(cfg, sessionCookieName), now: time.Now}, nil
}

// Backend exposes the underlying backend.
func (s *ServerStore) Backend() Backend {
	return s.backend
}

func (s *ServerStore) sessionID(r *http.Request) (string, error) {
	raw, ok := s.jar.read(r)
	if !ok {
		return "", ErrNoSession
	}
	var ref sessionRef
	if err := s.codec.Open(raw, &ref); err != nil || ref.ID == "" {
		return "", errors.Join(ErrNoSession, err)
	}
	return ref.ID, nil
}

func (s *ServerStore) Load(r *http.Request) (*Session, error) {
	id, err := s.sessionID(r)
	if err != nil {
		return nil, err
	}
	return s.backend.Get(r.Context(), id)
}

func (s *ServerStore) Save(w http.ResponseWriter, r *http.Request, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrNoSession
	}
	if sess.ID == "" {
		sess.ID = NewSessionID()
	}
	next := sess.clone()
	next.Version++
	if err := s.backend.Put(r.Context(), next, sess.Version); err != nil {
		return err
	}
	sealed, err := s.codec.Seal(sessionRef{ID: sess.ID})
	if err != nil {
		return fmt.Errorf("seal session id: %w", err)
	}
	if err := s.jar.write(w, r, sealed, ttl); err != nil {
		return err
	}
	sess.Version = next.Version
	return nil
}

func (s *ServerStore) Delete(w http.ResponseWriter, r *http.Request) error {
	defer s.jar.clear(w, r)
	id, err := s.sessionID(r)
	if err != nil {
		return nil
	}
	return s.backend.Delete(r.Context(), id)
}

// Ping reports backend health when the backend supports it.
func (s *ServerStore) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
