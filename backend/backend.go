package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for backend operations.
var (
	ErrNilBackend = errors.New("backend: backend is nil")
	ErrInvalidKey = errors.New("backend: key is invalid")
	ErrKeyTooLong = errors.New("backend: key exceeds max length")
)

// Backend is the interface for fragment cache stores.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods should honor cancellation/deadlines where applicable.
// - Errors: Get returns (nil, false, nil) on a plain miss; an error
//   means the store itself failed (connectivity, timeout) and callers
//   decide whether to fail open.
// - Writes must be atomic from a concurrent reader's perspective: a
//   reader sees either the previous value or the new one, never a
//   torn entry.
type Backend interface {
	// Get retrieves a stored value.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores a value with the given TTL. TTL<=0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a stored value. Idempotent - no error on miss.
	Delete(ctx context.Context, key string) error
}

// ValidateKey checks if a key is acceptable to hand to a backend.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	// Reject control characters; they break line-oriented store protocols.
	for _, r := range key {
		if r < 32 || r == 127 {
			return ErrInvalidKey
		}
	}
	return nil
}
