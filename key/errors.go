package key

import "errors"

// Sentinel errors for key construction.
var (
	// ErrUnkeyable indicates a vary-on value has no deterministic
	// canonical form. Callers must treat this as fatal: silently
	// miskeying a fragment is worse than a visible error.
	ErrUnkeyable = errors.New("key: value is not keyable")

	// ErrVersionUnresolved indicates a version source could not be
	// resolved. Proceeding with an inconsistent identity risks key
	// collisions with unrelated content, so this is fatal too.
	ErrVersionUnresolved = errors.New("key: version source cannot be resolved")

	// ErrEmptyFragment indicates an empty fragment name.
	ErrEmptyFragment = errors.New("key: fragment name is empty")
)
