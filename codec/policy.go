package codec

// Mode selects when payloads are compressed before storage.
type Mode int

const (
	// None stores payloads uncompressed.
	None Mode = iota
	// Always compresses every payload.
	Always
	// Threshold compresses only payloads whose raw size is at least
	// Policy.Threshold bytes.
	Threshold
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Always:
		return "always"
	case Threshold:
		return "threshold"
	default:
		return "none"
	}
}

// DefaultThreshold is the raw-size cutoff used by DefaultPolicy.
// Tiny fragments gain nothing from deflate framing.
const DefaultThreshold = 256

// Policy configures payload compression.
type Policy struct {
	// Mode selects the compression strategy.
	Mode Mode

	// Threshold is the minimum raw body size, in bytes, that triggers
	// compression when Mode is Threshold. Ignored otherwise.
	Threshold int

	// Level is the zlib compression level. Zero means the library
	// default; otherwise it is passed through unchanged.
	Level int
}

// DefaultPolicy compresses payloads of DefaultThreshold bytes or more.
func DefaultPolicy() Policy {
	return Policy{Mode: Threshold, Threshold: DefaultThreshold}
}

// NoCompression returns a policy that stores payloads raw.
func NoCompression() Policy {
	return Policy{Mode: None}
}

// shouldCompress reports whether a body of the given raw size gets
// compressed under this policy.
func (p Policy) shouldCompress(rawSize int) bool {
	switch p.Mode {
	case Always:
		return true
	case Threshold:
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = DefaultThreshold
		}
		return rawSize >= threshold
	default:
		return false
	}
}
