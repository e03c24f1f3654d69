// Package storage provides the key-value store the driver persists
// snapshot trees and VDF proofs in.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage. Implementations are safe for
// concurrent use; the driver's phase loops share one DB.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach visits every key with the given prefix in ascending key order.
	// Keys and values passed to fn are copies. A non-nil error from fn stops
	// the iteration and is returned.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects writes that are applied together on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by databases that can commit batches atomically.
type Batcher interface {
	NewBatch() Batch
}
