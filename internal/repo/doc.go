// Package repo is the narrow query layer over the store. It implements
// the exact locking disciplines the allocator depends on: the
// skip-locked pick over available rows (concurrent activators fan out
// over distinct rows without blocking), the ordered blocking lock on
// the oldest active row (preemption serializes on one row), and the
// single-statement bulk clear.
package repo
