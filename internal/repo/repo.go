package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parchlabs/tokenpool/internal/store"
	"github.com/parchlabs/tokenpool/internal/token"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
// Repository methods run against whichever the instance is bound to.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository runs token and usage queries against the store. A
// Repository obtained from New is bound to the pool and serves reads;
// WithTx rebinds to a transaction for the write paths. All writes
// mediate through WithTx.
type Repository struct {
	db *store.DB
	q  querier
}

// New returns a Repository bound to the store's connection pool.
func New(db *store.DB) *Repository {
	return &Repository{db: db, q: db.Pool()}
}

// WithTx runs fn with a Repository bound to one transaction. The
// transaction commits iff fn returns nil.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Repository{db: r.db, q: tx})
	})
}

const tokenColumns = `id, status, current_user_id, activated_at, created_at, updated_at`

const usageColumns = `id, token_id, user_id, started_at, ended_at, created_at`

// activeUserConstraint is the partial unique index enforcing one active
// token per user. Unique violations on it translate to the domain kind.
const activeUserConstraint = "ux_tokens_active_user"

func scanToken(row pgx.Row) (*token.Token, error) {
	var t token.Token
	if err := row.Scan(&t.ID, &t.Status, &t.CurrentUserID, &t.ActivatedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanUsage(row pgx.Row) (*token.Usage, error) {
	var u token.Usage
	if err := row.Scan(&u.ID, &u.TokenID, &u.UserID, &u.StartedAt, &u.EndedAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// translateError maps store-level failures to domain kinds: a unique
// violation on the active-user index means the user already holds a
// token (the index is the second line of defense behind the explicit
// pre-check).
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeUserConstraint {
		return fmt.Errorf("active-user index violation: %w", token.ErrAlreadyHasActiveToken)
	}
	return err
}

// CountTotal returns the number of token rows.
func (r *Repository) CountTotal(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// CountActive returns the number of active tokens.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM tokens WHERE status = 'active'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}
	return n, nil
}

// CountOpenUsages returns the number of usages with no end time.
func (r *Repository) CountOpenUsages(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM token_usages WHERE ended_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open usages: %w", err)
	}
	return n, nil
}

// ListTokens returns every token row, ordered by id for determinism.
func (r *Repository) ListTokens(ctx context.Context) ([]token.Token, error) {
	rows, err := r.q.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []token.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return out, nil
}

// GetToken returns the token with its full usage history, newest first
// and including the open usage. Returns ErrTokenNotFound for an
// unknown id.
func (r *Repository) GetToken(ctx context.Context, id uuid.UUID) (*token.Token, error) {
	t, err := scanToken(r.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token %s: %w", id, token.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}

	usages, err := r.TokenUsages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Usages = usages
	return t, nil
}

// GetTokenForUpdate returns the token under a blocking row lock, so
// the caller's transaction serializes with concurrent transitions on
// the same token. Returns ErrTokenNotFound for an unknown id.
func (r *Repository) GetTokenForUpdate(ctx context.Context, id uuid.UUID) (*token.Token, error) {
	t, err := scanToken(r.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token %s: %w", id, token.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("lock token %s: %w", id, err)
	}
	return t, nil
}

// TokenUsages returns the token's usage history ordered most recent
// first. The open usage, when present, sorts first.
func (r *Repository) TokenUsages(ctx context.Context, id uuid.UUID) ([]token.Usage, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+usageColumns+` FROM token_usages WHERE token_id = $1 ORDER BY started_at DESC, id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list usages for token %s: %w", id, err)
	}
	defer rows.Close()

	var out []token.Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

// GetUserActiveToken returns the user's active token, or nil when the
// user holds none.
func (r *Repository) GetUserActiveToken(ctx context.Context, userID uuid.UUID) (*token.Token, error) {
	t, err := scanToken(r.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE status = 'active' AND current_user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active token for user %s: %w", userID, err)
	}
	return t, nil
}

// PickAvailableForUpdate selects one available token with a row lock,
// skipping rows locked by concurrent transactions. N concurrent
// activators therefore distribute over N distinct available rows
// without blocking and without ever observing the same row twice.
// Returns nil when no unlocked available row exists.
func (r *Repository) PickAvailableForUpdate(ctx context.Context) (*token.Token, error) {
	t, err := scanToken(r.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE status = 'available'
		 ORDER BY id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick available token: %w", err)
	}
	return t, nil
}

// PickOldestActiveForUpdate selects the active token with the earliest
// activation (ties broken by id) under a blocking row lock. No skip:
// preemption is deliberately serialized on the single oldest row so
// that concurrent preemptors release actives strictly oldest-first.
// Returns nil when no active token exists.
func (r *Repository) PickOldestActiveForUpdate(ctx context.Context) (*token.Token, error) {
	t, err := scanToken(r.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE status = 'active'
		 ORDER BY activated_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick oldest active token: %w", err)
	}
	return t, nil
}

// UpdateToken writes the token's status, holder, and activation time.
// updated_at advances to the provided timestamp.
func (r *Repository) UpdateToken(ctx context.Context, t *token.Token, now time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE tokens SET status = $2, current_user_id = $3, activated_at = $4, updated_at = $5 WHERE id = $1`,
		t.ID, t.Status, t.CurrentUserID, t.ActivatedAt, now)
	if err != nil {
		return fmt.Errorf("update token %s: %w", t.ID, translateError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %s: %w", t.ID, token.ErrTokenNotFound)
	}
	return nil
}

// InsertUsage inserts a new usage row.
func (r *Repository) InsertUsage(ctx context.Context, u *token.Usage) error {
	if _, err := r.q.Exec(ctx,
		`INSERT INTO token_usages (id, token_id, user_id, started_at, ended_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TokenID, u.UserID, u.StartedAt, u.EndedAt, u.CreatedAt); err != nil {
		return fmt.Errorf("insert usage for token %s: %w", u.TokenID, err)
	}
	return nil
}

// GetOpenUsage returns the token's open usage, or nil when none exists.
// At most one open usage per token exists at any moment.
func (r *Repository) GetOpenUsage(ctx context.Context, tokenID uuid.UUID) (*token.Usage, error) {
	u, err := scanUsage(r.q.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM token_usages WHERE token_id = $1 AND ended_at IS NULL`, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open usage for token %s: %w", tokenID, err)
	}
	return u, nil
}

// CloseUsage sets the usage's end time. Closed usages are immutable;
// the WHERE clause refuses to touch an already-closed row.
func (r *Repository) CloseUsage(ctx context.Context, usageID uuid.UUID, endedAt time.Time) error {
	if _, err := r.q.Exec(ctx,
		`UPDATE token_usages SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		usageID, endedAt); err != nil {
		return fmt.Errorf("close usage %s: %w", usageID, err)
	}
	return nil
}

// ClearAllActive resets every active token and closes every open usage
// at one timestamp, atomically within the caller's transaction.
// Returns the ids of the tokens reset and the number of usages closed.
func (r *Repository) ClearAllActive(ctx context.Context, now time.Time) ([]uuid.UUID, int, error) {
	rows, err := r.q.Query(ctx,
		`UPDATE tokens
		 SET status = 'available', current_user_id = NULL, activated_at = NULL, updated_at = $1
		 WHERE status = 'active'
		 RETURNING id`, now)
	if err != nil {
		return nil, 0, fmt.Errorf("clear active tokens: %w", err)
	}
	var cleared []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan cleared token id: %w", err)
		}
		cleared = append(cleared, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate cleared token ids: %w", err)
	}

	tag, err := r.q.Exec(ctx,
		`UPDATE token_usages SET ended_at = $1 WHERE ended_at IS NULL`, now)
	if err != nil {
		return nil, 0, fmt.Errorf("close open usages: %w", err)
	}

	return cleared, int(tag.RowsAffected()), nil
}
