// Package alloc implements the transactional token lifecycle engine:
// activation with a single-retry skip-locked pick and oldest-first
// preemption, idempotent release, the bulk clear escape hatch, and the
// expire-if-due entry point the delayed-release queue drives.
//
// Every operation runs its database work inside one transaction and
// performs its side effects (queue schedule, cache update, bus publish)
// strictly after commit; side-effect failures are logged, never
// surfaced, because the periodic reconciler and idempotent expiration
// bound any divergence.
package alloc
