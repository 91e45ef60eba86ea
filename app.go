package main

import (
	"context"
	"fmt"
	"log"

	"mlscache/config"
	"mlscache/httputil"
	"mlscache/mls"
	"mlscache/ratelimit"
	"mlscache/refresh"
	"mlscache/revalidate"
	"mlscache/services"
	"mlscache/storage"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	clients *httputil.Clients
	ops     *storage.SQLiteStore
	gateway *storage.Gateway
	mls     *mls.Client
	service *services.PropertyService
	orch    *refresh.Orchestrator
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clients: httputil.NewClients(cfg)}

	// SQLite holds operational data (runs, logs, commands) for every backend
	ops, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a.ops = ops
	a.closers = append(a.closers, func() { ops.Close() })
	log.Printf("SQLite database: %s", cfg.DBPath)

	backend, lease, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rl, err := storage.NewRedisLease(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { rl.Close() })
		lease = rl
	}

	a.gateway = storage.NewGateway(backend, cfg.Refresh.BatchSize, cfg.Refresh.CacheDuration)
	a.service = services.NewPropertyService(a.gateway, 0)
	a.closers = append(a.closers, a.service.Stop)

	normalizer := mls.NewNormalizer(mls.RulesFromConfig(cfg.Feed.Rules))
	a.mls = mls.NewClient(cfg.MLS, a.clients.MLS, ratelimit.NewInterval(cfg.MLS.MaxRPS), normalizer)
	paginator := mls.NewPaginator(a.mls, cfg.MLS.OfficeName, cfg.MLS.PageSize, cfg.MLS.MaxPages)

	invalidators := revalidate.Multi{a.service}
	if cfg.Revalidate.URL != "" {
		invalidators = append(invalidators, revalidate.NewWebhook(cfg.Revalidate, a.clients.Hooks))
		log.Printf("Revalidation webhook: %s", cfg.Revalidate.URL)
	}

	a.orch = refresh.NewOrchestrator(paginator, a.gateway, lease, invalidators, refresh.Options{
		Statuses:          cfg.Feed.Statuses,
		Routes:            cfg.Feed.Routes,
		OfficeID:          cfg.MLS.OfficeID,
		LeaseTTL:          cfg.Refresh.LeaseTTL,
		MinManualInterval: cfg.Scheduler.MinManualInterval,
	}).WithRunRecorder(ops)

	if cfg.S3.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init s3 archiver: %w", err)
		}
		a.orch.WithArchiver(archiver)
		log.Printf("Snapshot archive: s3://%s", cfg.S3.Bucket)
	}

	return a, nil
}

// openBackend returns the cache table backend and the lease that guards it.
func (a *app) openBackend(ctx context.Context) (storage.CacheBackend, refresh.Lease, error) {
	switch a.cfg.Backend {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, a.cfg.Supabase.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(a.cfg.Supabase.DBURL))
		return pg, pg, nil
	case "supabase":
		if a.cfg.Supabase.URL == "" || a.cfg.Supabase.ServiceKey == "" {
			return nil, nil, fmt.Errorf("supabase backend needs SUPABASE_URL and SUPABASE_SERVICE_KEY")
		}
		log.Printf("Supabase REST: %s", a.cfg.Supabase.URL)
		if a.cfg.Redis.Addr == "" {
			log.Println("Warning: no REDIS_ADDR, refresh lease is local to this host")
		}
		return storage.NewSupabaseStore(&a.cfg.Supabase, a.clients.Supabase), a.ops, nil
	case "sqlite":
		return a.ops, a.ops, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", a.cfg.Backend)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
