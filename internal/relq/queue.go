package relq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/store"
	"github.com/parchlabs/tokenpool/internal/token"
)

// Defaults for the queue's tunables.
const (
	DefaultPollInterval = time.Second
	DefaultWorkers      = 2
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 30 * time.Second
	DefaultClaimLease   = time.Minute
	DefaultRetention    = 24 * time.Hour

	// claimBatch bounds how many due jobs one poll claims.
	claimBatch = 10

	// pruneEvery is how often the housekeeping loop deletes terminal
	// jobs older than the retention window.
	pruneEvery = time.Hour
)

// Expirer performs the lease check and release for one token. Satisfied
// by the allocator.
type Expirer interface {
	ExpireIfDue(ctx context.Context, tokenID uuid.UUID) (*token.Token, error)
}

// Params configures New. DB and Expirer are required; zero-valued
// tunables take the package defaults.
type Params struct {
	DB      *store.DB
	Expirer Expirer

	Clock        clockwork.Clock
	PollInterval time.Duration
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	ClaimLease   time.Duration
	Retention    time.Duration

	Logger *slog.Logger
}

// Queue schedules and executes delayed token releases against the
// release_jobs table. Safe for concurrent use; multiple workers and
// multiple replicas coordinate through skip-locked claims.
type Queue struct {
	db      *store.DB
	expirer Expirer
	clock   clockwork.Clock

	pollInterval time.Duration
	workers      int
	maxAttempts  int
	retryBackoff time.Duration
	claimLease   time.Duration
	retention    time.Duration

	log *slog.Logger
}

// New builds the queue. Panics if p.DB or p.Expirer is nil; those are
// programmer errors.
func New(p Params) *Queue {
	if p.DB == nil {
		panic("tokenpool: relq.New requires a DB")
	}
	if p.Expirer == nil {
		panic("tokenpool: relq.New requires an Expirer")
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.Workers <= 0 {
		p.Workers = DefaultWorkers
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = DefaultRetryBackoff
	}
	if p.ClaimLease <= 0 {
		p.ClaimLease = DefaultClaimLease
	}
	if p.Retention <= 0 {
		p.Retention = DefaultRetention
	}
	if p.Logger == nil {
		p.Logger = logutil.Logger().With("subsystem", "relq")
	}
	return &Queue{
		db:           p.DB,
		expirer:      p.Expirer,
		clock:        p.Clock,
		pollInterval: p.PollInterval,
		workers:      p.Workers,
		maxAttempts:  p.MaxAttempts,
		retryBackoff: p.RetryBackoff,
		claimLease:   p.ClaimLease,
		retention:    p.Retention,
		log:          p.Logger,
	}
}

// Schedule enqueues a release for tokenID to run after delay. If the
// token already has a pending job (the dedup index), the job is
// retargeted to the new deadline with its attempt budget reset, so the
// newest activation epoch is always the one being protected.
func (q *Queue) Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error {
	now := q.clock.Now().UTC()
	runAt := now.Add(delay)

	_, err := q.db.Pool().Exec(ctx, `
		INSERT INTO release_jobs (id, token_id, state, run_at, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, 'scheduled', $3, 0, $4, $5, $5)
		ON CONFLICT (token_id) WHERE state IN ('scheduled', 'running')
		DO UPDATE SET
			state      = 'scheduled',
			run_at     = EXCLUDED.run_at,
			attempts   = 0,
			last_error = NULL,
			locked_at  = NULL,
			updated_at = EXCLUDED.updated_at`,
		uuid.New(), tokenID, runAt, q.maxAttempts, now)
	if err != nil {
		return fmt.Errorf("schedule release for token %s: %w", tokenID, err)
	}
	return nil
}

// Run starts the worker pool and the housekeeping loop and blocks until
// ctx is canceled. Returns nil on clean shutdown.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range q.workers {
		g.Go(func() error {
			return q.worker(ctx, i)
		})
	}
	g.Go(func() error {
		return q.housekeeper(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// worker polls for due jobs and processes each claimed batch.
func (q *Queue) worker(ctx context.Context, id int) error {
	log := q.log.With("worker", id)
	ticker := q.clock.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		jobs, err := q.claimDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("claim due jobs failed", "error", err)
			continue
		}
		for _, j := range jobs {
			q.process(ctx, log, j)
		}
	}
}

// housekeeper periodically deletes terminal jobs past the retention
// window.
func (q *Queue) housekeeper(ctx context.Context) error {
	ticker := q.clock.NewTicker(pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		n, err := q.PruneDone(ctx, q.retention)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("prune terminal jobs failed", "error", err)
			continue
		}
		if n > 0 {
			q.log.Debug("pruned terminal jobs", "count", n)
		}
	}
}

// job is one claimed release job.
type job struct {
	id          uuid.UUID
	tokenID     uuid.UUID
	attempts    int
	maxAttempts int
}

// claimDue claims up to claimBatch jobs that are due. A job is due when
// it is scheduled with run_at in the past, or running with a claim
// older than the claim lease (a worker died mid-job). Claiming bumps
// the attempt counter, so a crashed attempt still spends budget.
func (q *Queue) claimDue(ctx context.Context) ([]job, error) {
	now := q.clock.Now().UTC()
	staleBefore := now.Add(-q.claimLease)

	rows, err := q.db.Pool().Query(ctx, `
		WITH due AS (
			SELECT id FROM release_jobs
			WHERE (state = 'scheduled' AND run_at <= $1)
			   OR (state = 'running'   AND locked_at <= $2)
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE release_jobs j
		SET state = 'running', locked_at = $1, attempts = j.attempts + 1, updated_at = $1
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.token_id, j.attempts, j.max_attempts`,
		now, staleBefore, claimBatch)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.id, &j.tokenID, &j.attempts, &j.maxAttempts); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claimed jobs: %w", err)
	}
	return jobs, nil
}

// process runs one claimed job through the expirer and settles its
// terminal or retry state.
func (q *Queue) process(ctx context.Context, log *slog.Logger, j job) {
	_, err := q.expirer.ExpireIfDue(ctx, j.tokenID)

	switch d := disposition(j, err, q.retryBackoff); d.action {
	case actionDone:
		if err == nil {
			log.Info("released expired token", "token_id", j.tokenID)
		} else {
			log.Debug("release job settled without release",
				"token_id", j.tokenID, "reason", err)
		}
		q.settle(ctx, log, j, `
			UPDATE release_jobs SET state = 'done', updated_at = $2
			WHERE id = $1 AND state = 'running'`)
	case actionRetry:
		log.Warn("release job failed, will retry",
			"token_id", j.tokenID, "attempt", j.attempts, "retry_in", d.delay, "error", err)
		q.settle(ctx, log, j, `
			UPDATE release_jobs
			SET state = 'scheduled', run_at = $2, last_error = $3, locked_at = NULL, updated_at = $4
			WHERE id = $1 AND state = 'running'`,
			q.clock.Now().UTC().Add(d.delay), err.Error())
	case actionFail:
		log.Error("release job exhausted its attempts",
			"token_id", j.tokenID, "attempts", j.attempts, "error", err)
		q.settle(ctx, log, j, `
			UPDATE release_jobs SET state = 'failed', last_error = $2, updated_at = $3
			WHERE id = $1 AND state = 'running'`,
			err.Error())
	}
}

// settle applies a state transition to a running job. Extra args fill
// the placeholders after the job id; the trailing timestamp placeholder
// is appended here. The state guard makes the update a no-op when a
// concurrent Schedule retargeted the job mid-flight.
func (q *Queue) settle(ctx context.Context, log *slog.Logger, j job, sql string, args ...any) {
	all := append([]any{j.id}, args...)
	all = append(all, q.clock.Now().UTC())
	if _, err := q.db.Pool().Exec(ctx, sql, all...); err != nil {
		// The stale-running reclaim will pick the job up again.
		log.Warn("settle release job failed", "job_id", j.id, "error", err)
	}
}

type action int

const (
	actionDone action = iota
	actionRetry
	actionFail
)

// jobOutcome is the settled fate of one claim attempt.
type jobOutcome struct {
	action action
	delay  time.Duration
}

// disposition classifies the expirer's result. A nil error released the
// token; ErrNotExpired means a newer epoch or an earlier release got
// there first; ErrTokenNotFound means the token row is gone. All three
// complete the job. Anything else retries with exponential backoff
// until the attempt budget runs out.
func disposition(j job, err error, baseBackoff time.Duration) jobOutcome {
	switch {
	case err == nil,
		errors.Is(err, token.ErrNotExpired),
		errors.Is(err, token.ErrTokenNotFound):
		return jobOutcome{action: actionDone}
	case j.attempts >= j.maxAttempts:
		return jobOutcome{action: actionFail}
	default:
		return jobOutcome{action: actionRetry, delay: backoffFor(baseBackoff, j.attempts)}
	}
}

// backoffFor returns the delay before the next retry after a failed
// attempt n (1-based): base, 2x base, 4x base, doubling per attempt.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// PruneDone deletes done and failed jobs whose last update is older
// than the retention window. Returns the number of rows deleted.
func (q *Queue) PruneDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.clock.Now().UTC().Add(-olderThan)
	tag, err := q.db.Pool().Exec(ctx, `
		DELETE FROM release_jobs
		WHERE state IN ('done', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
