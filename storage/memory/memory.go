// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"strings"
	"sync"

	"github.com/jmcleod/formkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Envelope)
	}
	r.data[bucket][makeKey(recordType, recordID)] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records, ok := r.data[bucket]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	env, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) Delete(bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, ok := r.data[bucket]
	if !ok {
		return storage.ErrBucketNotFound
	}
	k := makeKey(recordType, recordID)
	if _, ok := records[k]; !ok {
		return storage.ErrNotFound
	}
	delete(records, k)
	return nil
}

func (r *Repository) List(bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[bucket] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
