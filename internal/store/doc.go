// Package store owns the durable record: the Postgres connection pool,
// the schema, the pool-seeding routine, and the transaction helper all
// writers mediate through. Everything above this package reads and
// writes through transactions it opens here.
package store
