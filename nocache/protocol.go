package nocache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// esc introduces every protocol sequence. Rendered template output is
// text; a NUL byte in genuine content is rare and gets escaped anyway.
const esc = '\x00'

// defaultToken namespaces markers when no secret is configured.
const defaultToken = "f1c4a9e27d30"

// tokenSalt separates the token derivation from other uses of the
// application secret.
const tokenSalt = "fragcache.nocache:"

// Protocol defines the marker grammar for nocache regions.
//
// Markers are \x00{token}, \x00{/token} and \x00{token#i}; a literal
// NUL in content is escaped by doubling. A content sequence that spells
// out a placeholder token is escaped on Extract and restored on
// Substitute. Content that spells out a full opening marker is
// indistinguishable from a real one, which is why production setups
// should derive the token from a secret via New.
//
// Contract:
// - Round-trip: Substitute over an Extract-produced skeleton with the
//   re-rendered registry values reproduces the non-cached regions
//   fresh and everything else byte-exact.
// - Concurrency: a Protocol is immutable and safe for concurrent use.
type Protocol struct {
	token string
	open  string
	close string
	// placeholder prefix up to and including '#'
	phPrefix string
}

// Default returns the protocol with the built-in token.
func Default() *Protocol {
	return newProtocol(defaultToken)
}

// New derives a site-specific token from the given secret, so marker
// collisions cannot be provoked by content authors who know the
// library but not the secret.
func New(secret string) *Protocol {
	sum := sha256.Sum256([]byte(tokenSalt + secret))
	return newProtocol(hex.EncodeToString(sum[:])[:12])
}

func newProtocol(token string) *Protocol {
	return &Protocol{
		token:    token,
		open:     string(esc) + "{" + token + "}",
		close:    string(esc) + "{/" + token + "}",
		phPrefix: string(esc) + "{" + token + "#",
	}
}

// Token returns the marker token, mainly for diagnostics.
func (p *Protocol) Token() string {
	return p.token
}

// Wrap marks the replayable source of one nocache block. The host
// template engine emits the wrapped source, in place of rendered
// output, while rendering a cacheable block body.
func (p *Protocol) Wrap(source string) string {
	return p.open + source + p.close
}

// Extract scans rendered text for marker pairs. It returns the
// skeleton, where each pair is replaced by an indexed placeholder and
// literal sentinel bytes are escaped, plus the registry of wrapped
// sources in placeholder order. Text without any sentinel byte is
// returned unchanged (fast path).
func (p *Protocol) Extract(text string) (skeleton string, registry []string, err error) {
	if !strings.ContainsRune(text, esc) {
		return text, nil, nil
	}

	var sb strings.Builder
	sb.Grow(len(text))
	i := 0
	for i < len(text) {
		c := text[i]
		if c != esc {
			sb.WriteByte(c)
			i++
			continue
		}
		rest := text[i:]
		switch {
		case strings.HasPrefix(rest, p.open):
			end, source, ferr := p.findClose(text, i+len(p.open))
			if ferr != nil {
				return "", nil, ferr
			}
			sb.WriteString(p.placeholder(len(registry)))
			registry = append(registry, source)
			i = end
		case strings.HasPrefix(rest, p.close):
			return "", nil, fmt.Errorf("%w at byte %d", ErrUnmatchedClose, i)
		default:
			// Literal NUL in content: escape by doubling.
			sb.WriteByte(esc)
			sb.WriteByte(esc)
			i++
		}
	}
	return sb.String(), registry, nil
}

// Substitute splices values over the placeholders of a skeleton and
// unescapes literal sentinel bytes. values[i] replaces placeholder i.
// A malformed token or an index outside the registry reports
// ErrCorruptSkeleton.
func (p *Protocol) Substitute(skeleton string, values []string) (string, error) {
	if !strings.ContainsRune(skeleton, esc) {
		return skeleton, nil
	}

	var sb strings.Builder
	sb.Grow(len(skeleton))
	i := 0
	for i < len(skeleton) {
		c := skeleton[i]
		if c != esc {
			sb.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(skeleton) && skeleton[i+1] == esc {
			sb.WriteByte(esc)
			i += 2
			continue
		}
		index, width, ok := p.parsePlaceholder(skeleton[i:])
		if !ok {
			return "", fmt.Errorf("%w: stray sentinel at byte %d", ErrCorruptSkeleton, i)
		}
		if index >= len(values) {
			return "", fmt.Errorf("%w: placeholder %d outside registry of %d", ErrCorruptSkeleton, index, len(values))
		}
		sb.WriteString(values[index])
		i += width
	}
	return sb.String(), nil
}

func (p *Protocol) placeholder(index int) string {
	return fmt.Sprintf("%s%d}", p.phPrefix, index)
}

// findClose locates the closing marker matching an open marker whose
// body starts at start, skipping balanced nested pairs. Nested pairs
// stay inside the returned source: the host re-renders the whole
// source, so inner nocache regions resolve with it.
func (p *Protocol) findClose(text string, start int) (end int, source string, err error) {
	depth := 1
	i := start
	for i < len(text) {
		next := strings.IndexByte(text[i:], esc)
		if next < 0 {
			break
		}
		i += next
		rest := text[i:]
		switch {
		case strings.HasPrefix(rest, p.open):
			depth++
			i += len(p.open)
		case strings.HasPrefix(rest, p.close):
			depth--
			if depth == 0 {
				return i + len(p.close), text[start:i], nil
			}
			i += len(p.close)
		default:
			i++
		}
	}
	return 0, "", ErrUnmatchedOpen
}

// parsePlaceholder reads a placeholder token at the head of s,
// returning the index and the token width in bytes.
func (p *Protocol) parsePlaceholder(s string) (index, width int, ok bool) {
	if !strings.HasPrefix(s, p.phPrefix) {
		return 0, 0, false
	}
	i := len(p.phPrefix)
	n := 0
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		i++
		digits++
		if digits > 9 {
			return 0, 0, false
		}
	}
	if digits == 0 || i >= len(s) || s[i] != '}' {
		return 0, 0, false
	}
	return n, i + 1, true
}
