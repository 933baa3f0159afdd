package codec

import "errors"

// Sentinel errors for payload framing.
var (
	// ErrDecode indicates a stored payload is unreadable or from an
	// incompatible format. It is recoverable: callers re-render and
	// overwrite the entry instead of failing the render.
	ErrDecode = errors.New("codec: payload cannot be decoded")

	// ErrPayloadTooLarge indicates an encoded payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("codec: payload exceeds max size")
)
