// Package session provides the session stores that carry challenge state
// between the page render, key fetch and form submission requests.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/formkey/challenge"
)

// ErrNotFound is returned when a session does not exist, has expired, or has
// exceeded the idle timeout.
var ErrNotFound = errors.New("session not found")

// Store abstracts session CRUD so that sessions can be kept in memory, in
// a local database or in Redis. Implementations are safe for concurrent use.
//
// Expiry and idle time are stamped and checked against the store's own
// clock (see WithClock), never the caller's.
type Store interface {
	// Create starts a session that expires ttl from now and returns its ID.
	Create(ctx context.Context, ttl time.Duration) (string, error)
	// Get retrieves a session by ID.
	Get(ctx context.Context, id string) (Session, error)
	// Put creates or updates a session.
	Put(ctx context.Context, id string, s Session) error
	// Update applies fn to the session atomically with respect to every
	// other Update of the same ID, including from other processes sharing
	// the store. The session is written back with LastAccessedAt touched
	// even when fn fails, and fn's error is returned. fn may run more than
	// once if a concurrent writer wins; it must only mutate the session.
	// A missing session yields ErrNotFound without calling fn.
	Update(ctx context.Context, id string, fn func(*Session) error) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// Exists reports whether a live session exists for id.
	Exists(ctx context.Context, id string) (bool, error)
}

// Session holds the server-side state for one client.
type Session struct {
	Record         challenge.Record `json:"record"`
	ExpiresAt      time.Time        `json:"expires_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
}

// New returns an empty session that expires ttl after now.
func New(now time.Time, ttl time.Duration) Session {
	return Session{ExpiresAt: now.Add(ttl), LastAccessedAt: now}
}

// NewID returns a fresh random session identifier.
func NewID() string {
	return uuid.NewString()
}

// live reports whether s is neither expired nor idle at now.
func (s Session) live(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	if idleTimeout > 0 && now.Sub(s.LastAccessedAt) > idleTimeout {
		return false
	}
	return true
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time source used to stamp and check session expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// exists adapts a Get-style lookup to Store.Exists.
func exists(ctx context.Context, get func(context.Context, string) (Session, error), id string) (bool, error) {
	_, err := get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
