package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c0deZ3R0/go-conflict-kit/config"
	"github.com/c0deZ3R0/go-conflict-kit/httpapi"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/metrics"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/notify/redis"
	"github.com/c0deZ3R0/go-conflict-kit/notify/sse"
	"github.com/c0deZ3R0/go-conflict-kit/notify/ws"
	"github.com/c0deZ3R0/go-conflict-kit/ot"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/rules"
	"github.com/c0deZ3R0/go-conflict-kit/storage/cached"
	"github.com/c0deZ3R0/go-conflict-kit/storage/memory"
	"github.com/c0deZ3R0/go-conflict-kit/storage/postgres"
	"github.com/c0deZ3R0/go-conflict-kit/storage/sqlite"
)

// service holds everything serve starts and later tears down.
type service struct {
	engine   *resolve.Engine
	api      *httpapi.Server
	store    resolve.Store
	rules    *rules.Loader
	registry *prometheus.Registry
	streams  []func() error
	closers  []func() error
}

// CloseStreams ends every open SSE and WebSocket stream.
func (s *service) CloseStreams() {
	for _, fn := range s.streams {
		fn()
	}
}

// Close ends the streams, then releases the rest in reverse construction
// order.
func (s *service) Close() error {
	s.CloseStreams()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return stderrors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *service, err error) {
	svc := &service{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	store, pg, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closerOf(store))
	if cfg.Storage.CacheSize > 0 {
		if store, err = cached.New(store, cfg.Storage.CacheSize); err != nil {
			return nil, err
		}
	}
	svc.store = store

	opts := []resolve.Option{
		resolve.WithStore(store),
		resolve.WithThreshold(cfg.Engine.Threshold),
		resolve.WithStoreRetry(cfg.Engine.StoreRetries, cfg.Engine.RetryInitial),
		resolve.WithTransformEngine(ot.NewEngine()),
		resolve.WithLogger(logger),
	}

	var apiOpts []httpapi.Option
	var local, fanout notify.Fanout
	if cfg.HTTP.SSE {
		hub := sse.NewHub(sse.WithLogger(logger))
		svc.streams = append(svc.streams, hub.Close)
		local = append(local, hub)
		apiOpts = append(apiOpts, httpapi.WithEvents(hub))
	}
	if cfg.HTTP.WebSocket {
		hub := ws.NewHub(ws.Config{OriginPatterns: cfg.HTTP.AllowedOrigins, Logger: logger})
		svc.streams = append(svc.streams, hub.Close)
		local = append(local, hub)
		apiOpts = append(apiOpts, httpapi.WithWebSocket(hub))
	}
	if cfg.Redis.Enabled {
		pub, err := redis.New(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pub.Close)
		fanout = append(fanout, guard(pub, "redis", cfg.Notify.Breaker, logger))
	}
	if cfg.Notify.Postgres {
		if pg == nil {
			return nil, fmt.Errorf("notify.postgres needs the postgres storage driver")
		}
		fanout = append(fanout, guard(postgres.NewNotifier(pg.DB(), cfg.Notify.Channel), "postgres", cfg.Notify.Breaker, logger))
		// Every instance, this one included, hears the NOTIFY and feeds its
		// own streams, so local hubs are not in the engine's fanout.
		if len(local) > 0 {
			if err := relay(cfg, local, logger, svc); err != nil {
				return nil, err
			}
		}
	} else {
		fanout = append(fanout, local...)
	}
	if len(fanout) > 0 {
		opts = append(opts, resolve.WithNotifier(fanout))
	}

	if cfg.Metrics.Enabled {
		svc.registry = prometheus.NewRegistry()
		svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector, err := metrics.NewCollector(svc.registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resolve.WithMetrics(collector))
		apiOpts = append(apiOpts, httpapi.WithGatherer(svc.registry))
	}

	if cfg.Rules.Path != "" {
		svc.rules = rules.NewLoader(cfg.Rules.Path, rules.WithLogger(logger))
		if err := svc.rules.Load(); err != nil {
			return nil, err
		}
		opts = append(opts, resolve.WithStrategySelector(svc.rules))
	}

	if svc.engine, err = resolve.New(opts...); err != nil {
		return nil, err
	}

	apiOpts = append(apiOpts,
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
		httpapi.WithMaxRequestSize(cfg.HTTP.MaxRequestSize),
		httpapi.WithLogger(logger),
	)
	svc.api = httpapi.New(svc.engine, apiOpts...)

	logger.Info("service wired",
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("cache_size", cfg.Storage.CacheSize),
		slog.Int("notifiers", len(fanout)),
		slog.Int("streams", len(local)),
		slog.Bool("rules", svc.rules != nil))
	return svc, nil
}

// openStore returns the configured store and, for postgres, the concrete
// store so pg_notify can share its pool.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (resolve.Store, *postgres.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.TableName = cfg.Table
		sc.Logger = logger
		s, err := sqlite.New(sc)
		return s, nil, err
	case config.DriverPostgres:
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.TableName = cfg.Table
		pc.Logger = logger
		s, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverMemory, "":
		return memory.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// relay forwards pg_notify events from every instance to the local hubs.
func relay(cfg *config.Config, local notify.Fanout, logger *logging.Logger, svc *service) error {
	l, err := postgres.NewListener(postgres.ListenerConfig{
		ConnectionString: cfg.Storage.DSN,
		Channel:          cfg.Notify.Channel,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	svc.closers = append(svc.closers, l.Close)
	_, err = l.Subscribe(postgres.AllSessions, func(env notify.Envelope) {
		if err := local.NotifySession(context.Background(), env.SessionID, env.Event, env.Payload); err != nil {
			logger.LogWarn(context.Background(), err, "relaying event to local streams failed",
				slog.String("session_id", env.SessionID))
		}
	})
	return err
}

// guard wraps remote notifiers in a circuit breaker when enabled.
func guard(n resolve.Notifier, name string, cfg config.BreakerConfig, logger *logging.Logger) resolve.Notifier {
	if !cfg.Enabled {
		return n
	}
	return notify.NewBreaker(n, notify.BreakerConfig{
		Name:         name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		MinRequests:  cfg.MinRequests,
		FailureRatio: cfg.FailureRatio,
	}, logger)
}

func closerOf(v any) func() error {
	if c, ok := v.(interface{ Close() error }); ok {
		return c.Close
	}
	return func() error { return nil }
}
