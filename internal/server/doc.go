// Package server hosts the Fiber HTTP surface over the cache engine. It wires
// the request-ID middleware chain, maps engine results onto HTTP statuses, and
// exposes a small diagnostics endpoint for inspecting the index. The engine is
// accepted as an explicit dependency so tests can swap in the in-memory
// implementation; keep exports narrow and accept explicit dependencies.
package server
