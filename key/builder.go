package key

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "fragcache"

// Builder derives a backend-safe cache key from a fragment name, an
// ordered sequence of vary-on values, and a resolved version.
//
// Contract:
// - Determinism: identical inputs must produce identical keys across
//   repeated calls and process restarts.
// - Sensitivity: any difference in a single vary-on value or in the
//   version must produce a different key with overwhelming probability.
// - Purity: no I/O, no hidden state.
// - Concurrency: implementations must be safe for concurrent use.
type Builder interface {
	// BuildKey generates the cache key. The vary-on values are
	// canonicalized in order; a value without a canonical form fails
	// with ErrUnkeyable.
	BuildKey(fragment string, vary []any, version string) (string, error)
}

// HashBuilder is the default Builder. It length-prefixes each canonical
// vary-on string before joining, then hashes the joined form together
// with the version using SHA-256, and emits the first 16 bytes as hex.
//
// Key format: <prefix>.<fragment>.<hash>
type HashBuilder struct {
	// Prefix is the collision-domain separator between unrelated call
	// sites. Defaults to DefaultPrefix when empty.
	Prefix string

	// IncludePK appends the identity of the first Keyable vary-on value
	// to the fragment segment, keeping keys greppable per object.
	IncludePK bool
}

// NewHashBuilder creates a HashBuilder with the default prefix.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{Prefix: DefaultPrefix}
}

// BuildKey generates a deterministic cache key.
func (b *HashBuilder) BuildKey(fragment string, vary []any, version string) (string, error) {
	if strings.TrimSpace(fragment) == "" {
		return "", ErrEmptyFragment
	}

	var joined strings.Builder
	for i, v := range vary {
		canonical, err := Canonical(v)
		if err != nil {
			return "", fmt.Errorf("vary-on value %d: %w", i, err)
		}
		// Length prefix each part so ["ab","c"] and ["a","bc"] cannot
		// collapse to the same joined form.
		joined.WriteString(strconv.Itoa(len(canonical)))
		joined.WriteByte(':')
		joined.WriteString(canonical)
	}
	joined.WriteByte('|')
	joined.WriteString(version)

	sum := sha256.Sum256([]byte(joined.String()))
	hash := hex.EncodeToString(sum[:16])

	prefix := b.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	name := fragment
	if b.IncludePK && len(vary) > 0 {
		if keyable, ok := vary[0].(Keyable); ok {
			name = fragment + "." + keyable.FragmentKey()
		}
	}

	return prefix + "." + name + "." + hash, nil
}

// Ensure HashBuilder implements Builder
var _ Builder = (*HashBuilder)(nil)
