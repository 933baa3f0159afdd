package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

// formatVersion tags the wire layout. Bump it whenever the frame
// changes; decoders treat unknown versions as ErrDecode so upgraded
// codecs never misread old entries.
const formatVersion = 1

// flagCompressed marks a zlib-deflated body.
const flagCompressed = 0x01

// MaxPayloadSize bounds a single encoded payload. Fragments are page
// regions, not blobs; anything larger points at a caller bug.
const MaxPayloadSize = 16 << 20

// Payload is the stored unit for one cached fragment.
type Payload struct {
	// Skeleton is the rendered text with nocache regions replaced by
	// positional placeholders.
	Skeleton string

	// Registry holds, per placeholder index, the replayable source of
	// the nocache block. Never its rendered output: nocache content is
	// re-rendered against the current context on every hit.
	Registry []string

	// Version is the resolved version token the entry was stored
	// under. Readers compare it against the freshly resolved version
	// as a second guard behind the version-derived key.
	Version string
}

// PlaceholderCount returns the number of nocache placeholders.
func (p Payload) PlaceholderCount() int {
	return len(p.Registry)
}

// Codec encodes and decodes payloads under a compression policy.
//
// Contract:
// - Symmetry: Decode(Encode(p)) returns p exactly, with and without
//   compression.
// - Fail closed: Decode never guesses; every malformed input reports
//   ErrDecode.
// - Concurrency: safe for concurrent use; Codec holds no mutable state.
type Codec struct {
	policy Policy
}

// New creates a Codec with the given policy.
func New(policy Policy) *Codec {
	return &Codec{policy: policy}
}

// Policy returns the codec's compression policy.
func (c *Codec) Policy() Policy {
	return c.policy
}

// Encode frames a payload for storage.
//
// Layout: format version byte, flags byte, uvarint CRC-32 of the body,
// then the body (optionally zlib-compressed). The body is the uvarint
// registry count, length-prefixed registry entries, length-prefixed
// version token, and the skeleton.
func (c *Codec) Encode(p Payload) ([]byte, error) {
	body := appendBody(nil, p)
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}

	var flags byte
	if c.policy.shouldCompress(len(body)) {
		compressed, err := deflate(body, c.policy.Level)
		if err != nil {
			return nil, fmt.Errorf("codec: compress: %w", err)
		}
		body = compressed
		flags |= flagCompressed
	}

	out := make([]byte, 0, len(body)+2+binary.MaxVarintLen32)
	out = append(out, formatVersion, flags)
	out = binary.AppendUvarint(out, uint64(crc32.ChecksumIEEE(body)))
	out = append(out, body...)
	return out, nil
}

// Decode reads a stored payload. Any structural problem reports
// ErrDecode: unknown format version, unknown flags, checksum mismatch,
// truncated frame, or a body that fails to inflate.
func (c *Codec) Decode(data []byte) (Payload, error) {
	if len(data) < 3 {
		return Payload{}, fmt.Errorf("%w: frame too short", ErrDecode)
	}
	if data[0] != formatVersion {
		return Payload{}, fmt.Errorf("%w: unknown format version %d", ErrDecode, data[0])
	}
	flags := data[1]
	if flags&^flagCompressed != 0 {
		return Payload{}, fmt.Errorf("%w: unknown flags %#x", ErrDecode, flags)
	}

	sum, n := binary.Uvarint(data[2:])
	if n <= 0 || sum > uint64(^uint32(0)) {
		return Payload{}, fmt.Errorf("%w: bad checksum field", ErrDecode)
	}
	body := data[2+n:]
	if crc32.ChecksumIEEE(body) != uint32(sum) {
		return Payload{}, fmt.Errorf("%w: checksum mismatch", ErrDecode)
	}

	if flags&flagCompressed != 0 {
		inflated, err := inflate(body)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		body = inflated
	}

	return parseBody(body)
}

// appendBody serializes the payload body: registry, version, skeleton.
func appendBody(out []byte, p Payload) []byte {
	out = binary.AppendUvarint(out, uint64(len(p.Registry)))
	for _, src := range p.Registry {
		out = binary.AppendUvarint(out, uint64(len(src)))
		out = append(out, src...)
	}
	out = binary.AppendUvarint(out, uint64(len(p.Version)))
	out = append(out, p.Version...)
	out = append(out, p.Skeleton...)
	return out
}

func parseBody(body []byte) (Payload, error) {
	count, n := binary.Uvarint(body)
	if n <= 0 || count > uint64(len(body)) {
		return Payload{}, fmt.Errorf("%w: bad registry count", ErrDecode)
	}
	body = body[n:]

	var registry []string
	if count > 0 {
		registry = make([]string, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		entry, rest, err := readString(body)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: registry entry %d truncated", ErrDecode, i)
		}
		registry = append(registry, entry)
		body = rest
	}

	version, rest, err := readString(body)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: version token truncated", ErrDecode)
	}

	return Payload{
		Skeleton: string(rest),
		Registry: registry,
		Version:  version,
	}, nil
}

func readString(body []byte) (string, []byte, error) {
	size, n := binary.Uvarint(body)
	if n <= 0 || size > uint64(len(body)-n) {
		return "", nil, ErrDecode
	}
	return string(body[n : n+int(size)]), body[n+int(size):], nil
}

func deflate(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("inflated body exceeds %d bytes", MaxPayloadSize)
	}
	return out, nil
}
