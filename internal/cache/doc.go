// Package cache holds the in-memory view of the token pool that the
// read endpoints serve from. Reads are lock-free against an immutable
// snapshot swapped atomically; writers rebuild the snapshot under a
// mutex.
//
// The cache is advisory. The database is the source of truth, and the
// reconciler reloads the snapshot from it on a fixed cadence so any
// drift (missed events, crashed writers) heals within one period.
package cache
