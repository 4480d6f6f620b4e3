package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "formkey:session:"

	// maxUpdateAttempts bounds optimistic retries when another writer
	// changes the session between WATCH and EXEC.
	maxUpdateAttempts = 16
)

// ErrContention is returned by RedisStore.Update when the session kept
// changing under every attempt.
var ErrContention = errors.New("session update contention")

// RedisStore keeps sessions in Redis as JSON values whose TTL matches the
// session expiry, so Redis reclaims abandoned sessions on its own. Update
// uses WATCH/MULTI/EXEC, so it stays atomic across server replicas.
type RedisStore struct {
	client      redis.UniversalClient
	idleTimeout time.Duration
	now         func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store backed by a Redis server at addr.
func NewRedisStore(addr, password string, db int, idleTimeout time.Duration, opts ...Option) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, idleTimeout, opts...)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, idleTimeout time.Duration, opts ...Option) *RedisStore {
	return &RedisStore{client: client, idleTimeout: idleTimeout, now: buildOptions(opts).now}
}

// Ping checks connectivity to the server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// decode parses a stored value and reports whether it holds a live session.
func (s *RedisStore) decode(data []byte) (Session, bool) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false
	}
	return sess, sess.live(s.now(), s.idleTimeout)
}

// encode returns the stored form of sess and the TTL it should carry. A
// non-positive TTL means the session is already expired.
func (s *RedisStore) encode(sess Session) ([]byte, time.Duration, error) {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil, ttl, nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding session: %w", err)
	}
	return data, ttl, nil
}

func (s *RedisStore) Create(ctx context.Context, ttl time.Duration) (string, error) {
	id := NewID()
	if err := s.Put(ctx, id, New(s.now(), ttl)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis get: %w", err)
	}
	sess, ok := s.decode(data)
	if !ok {
		_ = s.Delete(ctx, id)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, sess Session) error {
	data, ttl, err := s.encode(sess)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return s.Delete(ctx, id)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+id, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	key := redisKeyPrefix + id

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var fnErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("redis get: %w", err)
			}
			sess, ok := s.decode(data)
			if !ok {
				return ErrNotFound
			}

			fnErr = fn(&sess)
			sess.LastAccessedAt = s.now()

			out, ttl, err := s.encode(sess)
			if err != nil {
				return err
			}
			// EXEC fails with TxFailedErr if key changed since WATCH.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if ttl <= 0 {
					pipe.Del(ctx, key)
					return nil
				}
				pipe.Set(ctx, key, out, ttl)
				return nil
			})
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			_ = s.Delete(ctx, id)
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("redis update: %w", err)
		}
		return fnErr
	}
	return fmt.Errorf("redis update: %w", ErrContention)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, s.Get, id)
}
