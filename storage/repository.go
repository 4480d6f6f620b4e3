// Package storage provides the storage abstraction layer for sealed session records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when the bucket holding a record does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Repository defines the interface for sealed record storage. Records are
// addressed by bucket, record type and record ID.
type Repository interface {
	Put(bucket string, recordType string, recordID string, envelope *Envelope) error
	Get(bucket string, recordType string, recordID string) (*Envelope, error)
	Delete(bucket string, recordType string, recordID string) error
	List(bucket string, recordType string) ([]string, error)
}
