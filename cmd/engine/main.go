// Command engine is the control-plane entry point: it brings up the
// module store (C1), coordination primitives (C2), process pool manager
// (C4), run registry (C8), durable queue, stream multiplexer (C6),
// execution dispatcher (C5), and scheduler (C7) as one process, wiring
// each subsystem's constructor into a single services graph.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/execengine/internal/coordination"
	"github.com/r3e-network/execengine/internal/dispatcher"
	"github.com/r3e-network/execengine/internal/migrations"
	"github.com/r3e-network/execengine/internal/modulestore"
	"github.com/r3e-network/execengine/internal/pool"
	"github.com/r3e-network/execengine/internal/queue"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/internal/scheduler"
	"github.com/r3e-network/execengine/internal/stream"
	"github.com/r3e-network/execengine/pkg/config"
	"github.com/r3e-network/execengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.NewDefault()

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer db.Close()
	if err := migrations.Apply(db); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	moduleCache, err := modulestore.New(modulestore.NewSQLStore(db), redisClient, modulestore.Config{
		ModuleTTL:    cfg.Cache.ModuleTTL,
		NegativeTTL:  cfg.Cache.NegativeTTL,
		LocalLRUSize: cfg.Cache.LocalLRUSize,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("construct module store")
	}
	if n, err := moduleCache.WarmAll(context.Background()); err != nil {
		log.WithError(err).Warn("module cache warm-up failed")
	} else {
		log.WithField("modules", n).Info("module cache warmed")
	}

	heartbeats := coordination.NewHeartbeatRegistry(redisClient)
	bus := coordination.NewBus(redisClient)

	reg := registry.NewSQLStore(db)
	q := queue.NewSQLQueue(db)
	delayed := scheduler.NewSQLDelayedStore(db)

	metrics := stream.NewMetrics(prometheus.DefaultRegisterer)
	mux := stream.NewMultiplexer(stream.Config{
		BatchMaxRecords:      cfg.Multiplexer.BatchMaxRecords,
		BatchMaxInterval:     cfg.Multiplexer.BatchMaxInterval,
		PerRunLogBufferBytes: cfg.Multiplexer.PerRunLogBufferBytes,
	}, reg, bus, log, metrics)

	p := pool.New(pool.Config{
		MinWorkers:               cfg.Pool.MinWorkers,
		MaxWorkers:               cfg.Pool.MaxWorkers,
		SoftCancelGrace:          cfg.Pool.SoftCancelGraceMS,
		HardKillGrace:            cfg.Pool.HardKillGraceMS,
		MemoryLimitDefaultBytes:  cfg.Pool.MemoryLimitDefaultBytes,
		DeadlineDefault:          cfg.Pool.DeadlineDefaultMS,
		DeadlineMax:              cfg.Pool.DeadlineMaxMS,
		QueueHighWatermark:       cfg.Pool.QueueHighWatermark,
		QueueHighWatermarkWindow: cfg.Pool.QueueHighWatermarkWindow,
		WorkerBinaryPath:         cfg.Worker.BinaryPath,
		HeartbeatInterval:        cfg.Heartbeat.Interval,
		HeartbeatTTL:             cfg.Heartbeat.TTL,
		RSSPollInterval:          time.Second,
	}, os.Environ(), os.Stderr, heartbeats, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		log.WithError(err).Fatal("start pool")
	}

	disp := dispatcher.New(dispatcher.Config{
		PollInterval:       cfg.Dispatcher.PollInterval,
		MaxRedeliveries:    cfg.Run.MaxRedeliveries,
		RetryInitialDelay:  cfg.Dispatcher.RetryInitialDelay,
		RetryMaxDelay:      cfg.Dispatcher.RetryMaxDelay,
		RetryMultiplier:    cfg.Dispatcher.RetryMultiplier,
		AdmissionPerOrgRPS: cfg.Dispatcher.AdmissionPerOrgRPS,
		AdmissionBurst:     cfg.Dispatcher.AdmissionBurst,
	}, q, reg, p, mux, log)

	catalog, err := scheduler.LoadCatalog(cfg.Scheduler.CatalogPath)
	if err != nil {
		log.WithError(err).Fatal("load scheduler catalog")
	}
	sched, err := scheduler.New(scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		StuckSweep:   cfg.Scheduler.StuckSweep,
	}, catalog, delayed, reg, q, heartbeats, log)
	if err != nil {
		log.WithError(err).Fatal("construct scheduler")
	}
	sched.Start(ctx)

	subscriptions := stream.NewSubscriptionHandler(reg, bus, log)
	mountHTTP(subscriptions, log)

	log.Info("execution engine started")

	go func() {
		if err := disp.Run(ctx, "engine-"+hostnameOrDefault()); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("dispatcher stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = sched.Stop(shutdownCtx)
	if err := p.Shutdown(cfg.Pool.HardKillGraceMS + cfg.Pool.SoftCancelGraceMS); err != nil {
		log.WithError(err).Warn("pool shutdown reported worker termination errors")
	}
}

func mountHTTP(subs *stream.SubscriptionHandler, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Path[len("/runs/"):]
		subs.ServeRun(w, r, runID)
	})
	go func() {
		if err := http.ListenAndServe(":8080", mux); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("http server stopped")
		}
	}()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
