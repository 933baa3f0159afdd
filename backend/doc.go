// Package backend defines the key-value store interface consumed by
// the fragment cache, with an in-memory implementation.
//
// Backends are pluggable: anything that can get, set and delete byte
// values by string key with a TTL conforms. The redis subpackage
// provides the production adapter.
package backend
