package key

import "fmt"

// Versioned is implemented by objects that carry their own cache
// version, typically an updated-at timestamp or a revision counter.
// Bumping the value orphans every key derived from it without any
// explicit deletion.
//
// Contract:
// - Determinism: CacheVersion must depend only on the object's state,
//   never on call order or wall-clock time at call time.
type Versioned interface {
	// CacheVersion returns the current version token for the object.
	CacheVersion() string
}

// ResolveVersion resolves a polymorphic version source to its token.
//
// Resolution order, first applicable wins:
//  1. zero-argument callable: func() string or func() (string, error)
//  2. Versioned object
//  3. literal value (same set as Canonical)
//
// A nil source resolves to the empty token. The result is never cached;
// callers re-resolve on every render attempt so a bumped version takes
// effect immediately.
func ResolveVersion(source any) (string, error) {
	switch src := source.(type) {
	case nil:
		return "", nil
	case func() string:
		return src(), nil
	case func() (string, error):
		v, err := src()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrVersionUnresolved, err)
		}
		return v, nil
	case Versioned:
		return src.CacheVersion(), nil
	default:
		v, err := Canonical(source)
		if err != nil {
			return "", fmt.Errorf("%w: %T has no version form", ErrVersionUnresolved, source)
		}
		return v, nil
	}
}
