// Package engine implements the fetch-through cache. A fetch consults the
// persisted index first, serves valid payloads straight from disk, and only
// falls back to the remote collaborator on a miss, an expired entry, or an
// unreadable payload. Every index mutation is written through to disk so a
// restarted process resumes from the last persisted state. The package also
// ships an in-memory sibling implementation of the same capability set for
// tests and previews.
package engine
