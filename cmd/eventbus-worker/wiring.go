package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-eventbus/eventbus/admin"
	"github.com/LerianStudio/lib-eventbus/eventbus/bus"
	"github.com/LerianStudio/lib-eventbus/eventbus/config"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/postgres"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/sqlite"
	libRedis "github.com/LerianStudio/lib-eventbus/eventbus/redis"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/server"
	"github.com/LerianStudio/lib-eventbus/eventbus/worker"
)

// process is a fully wired worker process.
type process struct {
	bus     *bus.Bus
	worker  *worker.Worker
	manager *server.ServerManager
}

type closer func(ctx context.Context) error

// build wires store, bus, worker and admin server from cfg. register, when
// set, adds the handlers of the modules hosted by this process. Without
// handlers the worker leaves every record pending for a process that has them.
func build(ctx context.Context, cfg *config.Config, logger libLog.Logger, register func(*registry.Registry) error) (*process, error) {
	var closers []server.ShutdownHook

	addCloser := func(name string, fn closer) {
		closers = append(closers, server.ShutdownHook{Name: name, Fn: fn})
	}

	fail := func(err error) (*process, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Fn(ctx)
		}

		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	addCloser("store", closeStore)

	reg := registry.New(cfg.RegistryDefaults())
	if register != nil {
		if err := register(reg); err != nil {
			return fail(fmt.Errorf("register handlers: %w", err))
		}
	}

	if len(reg.EventNames()) == 0 {
		logger.Log(ctx, libLog.LevelWarn, "no handlers compiled into this process; the worker only sweeps stuck records")
	}

	busOpts := []bus.Option{bus.WithLogger(logger)}
	workerOpts := []worker.Option{worker.WithLogger(logger)}

	if len(cfg.RedisAddr) > 0 {
		client, err := libRedis.NewClient(ctx, libRedis.Config{
			Addresses: cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			Logger:    logger,
		})
		if err != nil {
			return fail(err)
		}

		addCloser("redis", func(context.Context) error { return client.Close() })

		transport, err := libRedis.NewReplyTransport(client, libRedis.WithLogger(logger))
		if err != nil {
			return fail(err)
		}

		locks, err := libRedis.NewLockManager(client, 0, logger)
		if err != nil {
			return fail(err)
		}

		busOpts = append(busOpts, bus.WithReplyTransport(transport))
		workerOpts = append(workerOpts, worker.WithSweepLocker(locks))
	}

	b, err := bus.New(store, reg, cfg.BusConfig(), busOpts...)
	if err != nil {
		return fail(fmt.Errorf("create bus: %w", err))
	}

	w, err := worker.New(b, cfg.WorkerConfig(), workerOpts...)
	if err != nil {
		_ = b.Close(ctx)
		return fail(fmt.Errorf("create worker: %w", err))
	}

	manager := server.NewServerManager(logger).
		WithShutdownTimeout(cfg.ShutdownTimeout()).
		WithShutdownHook("worker", w.Shutdown).
		WithShutdownHook("bus", b.Close)

	if cfg.AdminAddr != "" {
		app, err := admin.New(store,
			admin.WithLogger(logger),
			admin.WithCircuitBreakers(b.Breakers()),
			admin.WithProduction(cfg.Production()))
		if err != nil {
			_ = b.Close(ctx)
			return fail(err)
		}

		manager.WithHTTPServer(app, cfg.AdminAddr)
	}

	for i := len(closers) - 1; i >= 0; i-- {
		manager.WithShutdownHook(closers[i].Name, closers[i].Fn)
	}

	return &process{bus: b, worker: w, manager: manager}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger libLog.Logger) (outbox.Store, closer, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}

		return store, func(context.Context) error { return store.Close() }, nil
	case config.DriverPostgres:
		conn, err := postgres.NewConnection(postgres.Config{
			PrimaryDSN: cfg.PostgresPrimaryDSN,
			ReplicaDSN: cfg.PostgresReplicaDSN,
			Schema:     cfg.PostgresSchema,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}

		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}

		store, err := postgres.NewStore(conn, postgres.WithLogger(logger))
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}

		return store, func(context.Context) error { return conn.Close() }, nil
	default:
		logger.Log(ctx, libLog.LevelWarn, "using in-memory outbox store; events do not survive a restart")

		return outbox.NewMemoryStore(), func(context.Context) error { return nil }, nil
	}
}
