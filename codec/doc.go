// Package codec serializes cached fragment payloads.
//
// It frames a rendered skeleton plus its nocache registry behind a
// self-versioned header with a checksum, with policy-controlled zlib
// compression. Decoding fails closed: any unreadable or incompatible
// payload reports ErrDecode so callers can treat it as a cache miss.
package codec
