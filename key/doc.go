// Package key derives deterministic cache keys for template fragments.
//
// It provides a Builder interface with a SHA-256 based implementation,
// canonicalization of vary-on values, and polymorphic version resolution
// for version-derived invalidation.
package key
