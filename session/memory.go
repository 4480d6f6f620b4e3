package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store.
// Sessions are lost on server restart.
type MemoryStore struct {
	mu          sync.Mutex
	data        map[string]Session
	idleTimeout time.Duration
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemoryStore(idleTimeout time.Duration, opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		data:        make(map[string]Session),
		idleTimeout: idleTimeout,
		now:         o.now,
	}
}

func (s *MemoryStore) Create(_ context.Context, ttl time.Duration) (string, error) {
	id := NewID()
	sess := New(s.now(), ttl)
	s.mu.Lock()
	s.data[id] = sess
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.getLocked(id)
	if err != nil {
		return Session{}, err
	}
	sess.Record = sess.Record.Clone()
	return sess, nil
}

// getLocked returns the live session for id, evicting it if it is stale.
// The caller holds s.mu.
func (s *MemoryStore) getLocked(id string) (Session, error) {
	sess, ok := s.data[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !sess.live(s.now(), s.idleTimeout) {
		delete(s.data, id)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Put(_ context.Context, id string, sess Session) error {
	sess.Record = sess.Record.Clone()
	s.mu.Lock()
	s.data[id] = sess
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(id)
	if err != nil {
		return err
	}
	sess.Record = sess.Record.Clone()
	fnErr := fn(&sess)
	sess.LastAccessedAt = s.now()
	s.data[id] = sess
	return fnErr
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, s.Get, id)
}
