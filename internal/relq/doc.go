// Package relq is the durable delayed-release queue. Every activation
// schedules one release job; the queue's workers pick due jobs with
// skip-locked claims and hand them to the allocator's expiration check.
//
// Jobs live in the release_jobs table, so scheduled releases survive
// process restarts. A partial unique index keeps at most one pending
// job per token: rescheduling an already-protected token retargets the
// pending job to the newer deadline instead of inserting a second row.
package relq
