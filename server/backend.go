package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend holds server-side sessions. Put is a compare-and-swap: it succeeds
// only when the stored version equals expected (0 meaning "absent") and
// returns ErrConflict otherwise.
type Backend interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, sess *Session, expected uint64) error
	Delete(ctx context.Context, id string) error
}

// NewSessionID generates a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// MemoryBackend keeps sessions in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryBackend constructs the backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// Get retrieves a live session by ID.
func (b *MemoryBackend) Get(_ context.Context, id string) (*Session, error) {
	b.mu.RLock()
	sess, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok || !b.now().Before(sess.ExpiresAt) {
		return nil, ErrNoSession
	}
	return sess.clone(), nil
}

// Put stores sess if the current version matches expected.
func (b *MemoryBackend) Put(_ context.Context, sess *Session, expected uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current uint64
	if existing, ok := b.sessions[sess.ID]; ok && b.now().Before(existing.ExpiresAt) {
		current = existing.Version
	}
	if current != expected {
		return ErrConflict
	}
	b.sessions[sess.ID] = *sess.clone()
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Sweep drops expired sessions and returns how many were removed.
func (b *MemoryBackend) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, sess := range b.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps expired sessions every interval until ctx is done.
func (b *MemoryBackend) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}
