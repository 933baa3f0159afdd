package tag

import "errors"

// Configuration errors.
var (
	// ErrNilBackend indicates Config.Backend was not set.
	ErrNilBackend = errors.New("tag: backend is nil")

	// ErrNilBlock indicates Request.Block was not set.
	ErrNilBlock = errors.New("tag: block renderer is nil")

	// ErrNoNocacheRenderer indicates a fragment contains nocache
	// blocks but Config.Nocache was not set.
	ErrNoNocacheRenderer = errors.New("tag: nocache renderer is nil")
)
