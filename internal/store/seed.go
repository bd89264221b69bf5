package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parchlabs/tokenpool/internal/logutil"
)

// seedLockKey identifies the advisory lock that serializes seeding
// across concurrently booting replicas. Any stable value works; this
// one spells "seed" in hex-ish.
const seedLockKey = 0x5eed70c5

// Seed tops the pool up to target tokens. It inserts target - count
// available rows inside one transaction holding a transaction-scoped
// advisory lock, so concurrent boots insert the missing rows exactly
// once between them. Seeding never removes rows; if the table already
// holds target or more, it is a no-op.
func (db *DB) Seed(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("seed target must not be negative, got %d", target)
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		// The advisory lock is released automatically at commit or
		// rollback. It serializes the count-then-insert window; plain
		// row locks cannot, because the rows being counted do not
		// exist yet.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, seedLockKey); err != nil {
			return fmt.Errorf("acquire seed lock: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM tokens`).Scan(&count); err != nil {
			return fmt.Errorf("count tokens: %w", err)
		}

		missing := target - count
		if missing <= 0 {
			return nil
		}

		rows := make([][]any, 0, missing)
		for range missing {
			rows = append(rows, []any{uuid.New(), "available"})
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"tokens"},
			[]string{"id", "status"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert seed tokens: %w", err)
		}

		logutil.Logger().Info("seeded token pool", "inserted", missing, "target", target)
		return nil
	})
}
