package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/mapmigrate/transfer-cli/internal/batch"
	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/matchpool"
	"github.com/mapmigrate/transfer-cli/internal/ratelimit"
	"github.com/mapmigrate/transfer-cli/internal/session"
	"github.com/mapmigrate/transfer-cli/internal/store"
	"github.com/mapmigrate/transfer-cli/internal/transfer"
	"github.com/mapmigrate/transfer-cli/internal/verification"
	"github.com/mapmigrate/transfer-cli/pkg/places"
)

// initStore opens the configured backend and runs migrations. Callers own
// Close.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("local"); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		err = eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initLimiter builds the quota limiter over the configured counter store.
// The returned closer releases the redis connection when one was opened.
func initLimiter(ctx context.Context) (*ratelimit.Limiter, func(), error) {
	switch cfg.Quota.Backend {
	case "memory":
		return ratelimit.NewLimiter(ratelimit.NewMemoryCounterStore()), func() {}, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Quota.RedisURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "parse quota.redis_url")
		}
		rdb := redis.NewClient(opts)
		cs := ratelimit.NewRedisCounterStore(rdb)
		if err := cs.Ping(ctx); err != nil {
			rdb.Close() //nolint:errcheck
			return nil, nil, eris.Wrap(err, "redis counter store unreachable")
		}
		return ratelimit.NewLimiter(cs), func() { rdb.Close() }, nil //nolint:errcheck
	default:
		return nil, nil, eris.Errorf("unsupported quota backend: %s", cfg.Quota.Backend)
	}
}

// initSearcher builds the provider candidate source from config.
func initSearcher() *places.Searcher {
	client := places.NewClient(cfg.Places.APIKey,
		places.WithBaseURL(cfg.Places.BaseURL),
		places.WithPageSize(cfg.Places.PageSize),
	)
	return places.NewSearcher(client)
}

// matchEnv bundles everything a matching run needs. Close releases the
// worker pool, the counter store connection, and the store, in that order.
type matchEnv struct {
	Store    store.Store
	Sessions *session.Service
	Verify   *verification.Service
	Executor *transfer.Executor
	Pool     *matchpool.Pool
	Engine   *batch.Engine

	closers []func()
}

func (e *matchEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initMatchEnv wires the full processing path: store, session service,
// quota limiter, provider searcher, match pool, batch engine. matchOpts
// overrides the config-derived scoring options when non-zero.
func initMatchEnv(ctx context.Context, matchOpts matching.Options, onProgress func(batch.ProcessingProgress)) (*matchEnv, error) {
	if err := cfg.Validate("match"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	limiter, closeLimiter, err := initLimiter(ctx)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	pool := matchpool.New(cfg.Pool.Workers)

	opts := matchOpts
	if opts == (matching.Options{}) {
		opts = cfg.Matching.Options()
	}

	sessions := session.NewService(st)
	engine := batch.NewEngine(st, sessions, initSearcher(), pool, limiter, batch.Config{
		MatchOptions: opts,
		Retry:        cfg.Retry.Resilience(),
		OnProgress:   onProgress,
	})

	env := &matchEnv{
		Store:    st,
		Sessions: sessions,
		Verify:   verification.NewService(st),
		Executor: transfer.NewExecutor(st),
		Pool:     pool,
		Engine:   engine,
	}
	env.closers = append(env.closers,
		func() { st.Close() }, //nolint:errcheck
		closeLimiter,
		pool.Close,
	)
	return env, nil
}
