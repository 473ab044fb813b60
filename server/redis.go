package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "oidcgw:session:"

// RedisBackend shares sessions between gateway replicas. Values are sealed
// with the session codec so tokens are never stored in clear text.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	codec  *Codec
	now    func() time.Time
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisBackend wraps client. An empty prefix selects the default.
func NewRedisBackend(client redis.UniversalClient, prefix string, codec *Codec) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, codec: codec, now: time.Now}
}

func (b *RedisBackend) key(id string) string {
	return b.prefix + id
}

func (b *RedisBackend) decode(raw string) (*Session, error) {
	var sess Session
	if err := b.codec.Open(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get retrieves a live session by ID.
func (b *RedisBackend) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := b.client.Get(ctx, b.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	sess, err := b.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if !b.now().Before(sess.ExpiresAt) {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Put stores sess under WATCH so a concurrent writer aborts the transaction.
func (b *RedisBackend) Put(ctx context.Context, sess *Session, expected uint64) error {
	ttl := sess.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return ErrNoSession
	}
	sealed, err := b.codec.Seal(sess)
	if err != nil {
		return err
	}
	key := b.key(sess.ID)

	txf := func(tx *redis.Tx) error {
		var current uint64
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if existing, err := b.decode(raw); err == nil {
				current = existing.Version
			}
		}
		if current != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sealed, ttl)
			return nil
		})
		return err
	}

	err = b.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Delete removes a session.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
