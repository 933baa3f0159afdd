// Package nocache implements the placeholder protocol that splits a
// cached fragment into cached and always-fresh regions.
//
// The host template engine wraps the replayable source of each nocache
// block with Protocol.Wrap while rendering. Extract then replaces each
// wrapped region with a positional placeholder and collects the sources
// into a registry; Substitute later splices freshly rendered values
// back over the placeholders. Literal sentinel bytes occurring in
// genuine content are escaped on Extract and restored on Substitute.
package nocache
