// Package tokenpool manages a fixed pool of access tokens with
// time-limited, exclusive leases.
//
// The pool holds exactly 100 tokens. A user activates a token, holds it
// for up to two minutes, and either releases it explicitly or has it
// reclaimed by the delayed-release queue. When every token is active, a
// new activation preempts the oldest active token. Each user holds at
// most one active token at a time.
//
// # Basic Usage
//
//	import "github.com/parchlabs/tokenpool"
//
//	cfg, err := tokenpool.ConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sys := tokenpool.New(cfg.Options()...)
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	if err := sys.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run opens the database, applies the schema, seeds the pool to its
// fixed size, and serves the JSON API until the context is canceled.
// State is durable: scheduled releases survive restarts and fire once
// the process is back up.
package tokenpool
