// Package storage provides the persistent key-value stores used for local
// state that must survive a restart, such as the outbound message queue.
//
// Every backend implements KV. Values are opaque bytes; callers own the
// encoding and replace values wholesale.
package storage

import "context"

// KV is a minimal durable key-value store.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
