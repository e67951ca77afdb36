// Package server wires the archive API behind one HTTP multiplexer.
//
// The server builds a consistent middleware chain of logging, request IDs,
// rate limiting, security headers, CORS, and session authentication so
// handlers all share common protections. Playback routes under the HLS tree
// authenticate with scoped tokens instead of sessions and are exempted from
// the session check.
package server
