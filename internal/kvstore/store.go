package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key doesn't exist.
	ErrNotFound = errors.New("key not found")
)

// Store is the persisted key-value port the cache layers run on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value for a key.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a value under a key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List returns all keys under the prefix. Raw keys that do not
	// decode are skipped.
	List(ctx context.Context, prefix Prefix) ([]Key, error)

	// Close releases underlying resources.
	Close() error
}
