package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/formkey/internal/crypto"
	"github.com/jmcleod/formkey/internal/util"
	"github.com/jmcleod/formkey/storage"
)

const (
	sessionBucket     = "__sessions"
	sessionRecordType = "SESSION"
	sessionKeyType    = "SESSION_KEY"
	sessionKeyID      = "current"
	sessionAADVersion = 1
	cleanupInterval   = 5 * time.Minute

	// lockStripes bounds the mutexes serialising Update per session ID.
	lockStripes = 64
)

// PersistentStore stores sessions in a storage.Repository, encrypted at rest
// using AES-256-GCM. Sessions survive server restarts.
//
// The session encryption key is itself sealed with an externally-provided
// wrapping key before being stored, so a repository compromise alone cannot
// recover challenge secrets. In memory the key lives in a memguard enclave.
//
// The repository is owned by one process (bbolt holds an exclusive file
// lock), so in-process striped locks are enough to make Update atomic.
type PersistentStore struct {
	repo        storage.Repository
	key         *memguard.Enclave
	idleTimeout time.Duration
	now         func() time.Time
	locks       [lockStripes]sync.Mutex
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore creates a session store backed by the given repository.
// The wrappingKey (32 bytes) seals the session encryption key at rest; it is
// never stored in the repository. idleTimeout of 0 disables idle timeout
// checking.
func NewPersistentStore(repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte, opts ...Option) (*PersistentStore, error) {
	if len(wrappingKey) != 32 {
		return nil, fmt.Errorf("wrapping key must be exactly 32 bytes, got %d", len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentStore{
		repo:        repo,
		key:         memguard.NewEnclave(key),
		idleTimeout: idleTimeout,
		now:         buildOptions(opts).now,
		stopCh:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background cleanup goroutine.
func (s *PersistentStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *PersistentStore) open(id string, env *storage.Envelope) (Session, error) {
	key, err := s.key.Open()
	if err != nil {
		return Session{}, fmt.Errorf("opening session key: %w", err)
	}
	defer key.Destroy()

	data, err := storage.OpenRecord(key.Bytes(), env, icrypto.AADRecord(sessionBucket, sessionRecordType, id, sessionAADVersion))
	if err != nil {
		return Session{}, err
	}
	defer util.WipeBytes(data)

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decoding session: %w", err)
	}
	return sess, nil
}

func (s *PersistentStore) Get(ctx context.Context, id string) (Session, error) {
	env, err := s.repo.Get(sessionBucket, sessionRecordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess, err := s.open(id, env)
	if err != nil {
		// Sealed under a previous key or corrupt.
		_ = s.Delete(ctx, id)
		return Session{}, ErrNotFound
	}
	if !sess.live(s.now(), s.idleTimeout) {
		_ = s.Delete(ctx, id)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *PersistentStore) Put(_ context.Context, id string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	defer util.WipeBytes(data)

	key, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening session key: %w", err)
	}
	defer key.Destroy()

	env, err := storage.SealRecord(key.Bytes(), data, icrypto.AADRecord(sessionBucket, sessionRecordType, id, sessionAADVersion))
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	return s.repo.Put(sessionBucket, sessionRecordType, id, env)
}

func (s *PersistentStore) Delete(_ context.Context, id string) error {
	err := s.repo.Delete(sessionBucket, sessionRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil
	}
	return err
}

func (s *PersistentStore) Exists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, s.Get, id)
}

func (s *PersistentStore) Create(ctx context.Context, ttl time.Duration) (string, error) {
	id := NewID()
	if err := s.Put(ctx, id, New(s.now(), ttl)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PersistentStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fnErr := fn(&sess)
	sess.LastAccessedAt = s.now()
	if err := s.Put(ctx, id, sess); err != nil {
		return err
	}
	return fnErr
}

// lock returns the mutex guarding session id.
func (s *PersistentStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// cleanupLoop periodically removes expired sessions from storage. Abandoned
// challenges are reclaimed together with their session.
func (s *PersistentStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *PersistentStore) sweepExpired() {
	ids, err := s.repo.List(sessionBucket, sessionRecordType)
	if err != nil {
		return
	}
	now := s.now()
	for _, id := range ids {
		env, err := s.repo.Get(sessionBucket, sessionRecordType, id)
		if err != nil {
			continue
		}
		sess, err := s.open(id, env)
		if err != nil || !sess.live(now, s.idleTimeout) {
			_ = s.repo.Delete(sessionBucket, sessionRecordType, id)
		}
	}
}

// loadOrCreateSessionKey loads the session encryption key from storage,
// unsealing it with the wrapping key. If no key exists, or the wrapping key
// changed, a new 32-byte random key is generated, sealed and persisted. In
// the latter case existing sessions become unreadable and are dropped on
// their next access.
func loadOrCreateSessionKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := icrypto.AADKeyWrap(sessionBucket, sessionKeyID, sessionAADVersion)

	env, err := repo.Get(sessionBucket, sessionKeyType, sessionKeyID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == 32 {
			return key, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrBucketNotFound) {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(sessionBucket, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return key, nil
}
