package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parchlabs/tokenpool/internal/alloc"
	"github.com/parchlabs/tokenpool/internal/bus"
	"github.com/parchlabs/tokenpool/internal/cache"
	"github.com/parchlabs/tokenpool/internal/httpapi"
	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/relq"
	"github.com/parchlabs/tokenpool/internal/repo"
	"github.com/parchlabs/tokenpool/internal/store"
	"github.com/parchlabs/tokenpool/internal/token"
)

// System is the assembled token pool service: database, allocator,
// delayed-release queue, state cache, event bus, and HTTP API. Build it
// with New and drive it with Run.
type System struct {
	cfg config
}

// New builds a System from the given options. Construction is cheap and
// never touches the database; Run performs all I/O.
func New(opts ...Option) *System {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &System{cfg: cfg}
}

// txStoreAdapter narrows the repository's transaction surface to what
// the allocator declares.
type txStoreAdapter struct {
	repo *repo.Repository
}

func (a txStoreAdapter) WithTx(ctx context.Context, fn func(tx alloc.TxStore) error) error {
	return a.repo.WithTx(ctx, func(tx *repo.Repository) error {
		return fn(tx)
	})
}

// expirerFunc adapts a closure to the queue's Expirer, breaking the
// construction cycle between the queue and the allocator.
type expirerFunc func(ctx context.Context, tokenID uuid.UUID) (*token.Token, error)

func (f expirerFunc) ExpireIfDue(ctx context.Context, tokenID uuid.UUID) (*token.Token, error) {
	return f(ctx, tokenID)
}

// Run opens the database, applies the schema, seeds the pool, warms the
// cache, and serves until ctx is canceled. Blocks for the lifetime of
// the service; returns nil on clean shutdown.
func (s *System) Run(ctx context.Context) error {
	if s.cfg.databaseURL == "" {
		return errors.New("tokenpool: no database URL configured")
	}
	log := logutil.Logger()

	db, err := store.Open(ctx, s.cfg.databaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.Seed(ctx, s.cfg.poolSize); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}

	repository := repo.New(db)
	eventBus := bus.New(bus.DefaultBufferSize)
	stateCache := cache.NewManager(cache.Params{
		Lister:            repository,
		Bus:               eventBus,
		Clock:             s.cfg.clock,
		ReconcileInterval: s.cfg.reconcileInterval,
	})

	var svc *alloc.Service
	queue := relq.New(relq.Params{
		DB: db,
		Expirer: expirerFunc(func(ctx context.Context, tokenID uuid.UUID) (*token.Token, error) {
			return svc.ExpireIfDue(ctx, tokenID)
		}),
		Clock:        s.cfg.clock,
		PollInterval: s.cfg.pollInterval,
		Workers:      s.cfg.queueWorkers,
	})
	svc = alloc.NewService(alloc.Params{
		Store:         txStoreAdapter{repo: repository},
		Queue:         queue,
		Cache:         stateCache,
		Bus:           eventBus,
		Clock:         s.cfg.clock,
		PoolSize:      s.cfg.poolSize,
		LeaseDuration: s.cfg.leaseDuration,
	})

	if err := stateCache.Reload(ctx); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}

	api := httpapi.New(httpapi.Params{
		Allocator: svc,
		Reader:    repository,
		Cache:     stateCache,
	})
	addr := net.JoinHostPort(s.cfg.httpHost, strconv.Itoa(s.cfg.httpPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("token pool started",
		"addr", addr,
		"pool_size", s.cfg.poolSize,
		"lease", s.cfg.leaseDuration)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return queue.Run(ctx)
	})
	g.Go(func() error {
		return stateCache.Run(ctx)
	})
	g.Go(func() error {
		// Drain the HTTP server once the context falls.
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("token pool stopped")
	return nil
}
