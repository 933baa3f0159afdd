package nocache

import "errors"

// Sentinel errors for the placeholder protocol.
var (
	// ErrUnmatchedOpen indicates an opening marker with no closing
	// counterpart in the rendered text.
	ErrUnmatchedOpen = errors.New("nocache: unmatched opening marker")

	// ErrUnmatchedClose indicates a closing marker with no opening
	// counterpart.
	ErrUnmatchedClose = errors.New("nocache: unmatched closing marker")

	// ErrCorruptSkeleton indicates a skeleton whose placeholder tokens
	// are malformed or reference registry entries that do not exist.
	// Callers treat the entry as a cache miss.
	ErrCorruptSkeleton = errors.New("nocache: corrupt skeleton")
)
