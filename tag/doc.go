// Package tag orchestrates fragment caching for a host template engine.
//
// An Engine resolves a version and cache key per render, looks the
// entry up in a pluggable backend, and serves either the stored
// skeleton (hit) or a fresh render (miss), re-rendering nocache
// placeholders against the current context in both cases. Every
// strategy - key building, version resolution, compression, sentinel
// format, backend, TTL - is a Config field with a documented default,
// so callers customize any subset without touching the orchestrator.
//
// Caching is an optimization, never a correctness dependency: backend
// outages and corrupt entries degrade to uncached rendering, while
// unkeyable arguments and unresolvable versions fail loudly.
package tag
