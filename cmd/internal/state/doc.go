// Package state is the session registry and authoritative per-session key/value store.
//
// A Registry owns every live Session. Each Session serializes its mutations behind its own
// mutex, so writers to different sessions never contend. Accepted mutations are written
// through to a Backend (memory, postgres or badger), committed to memory, and then fanned
// out to the other attached subscribers with a non-blocking enqueue while the session lock
// is still held. Holding the lock during enqueue is what makes each subscriber observe the
// updates to a key in commit order.
//
// Sessions carry a sliding TTL refreshed by every accepted mutation. A sweeper removes a
// session once its TTL has lapsed and no subscriber is attached.
package state
