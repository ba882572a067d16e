// Command worker is the child process entry point for the Worker Process
// component (spec.md §4.3). The pool manager (C4) spawns one of these per
// worker slot and talks to it over stdin/stdout using the framed protocol
// in internal/workerproc.
package main

import (
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/r3e-network/execengine/internal/modulestore"
	"github.com/r3e-network/execengine/internal/workerproc"
	"github.com/r3e-network/execengine/pkg/config"
	"github.com/r3e-network/execengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.Worker.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "worker").Int("pid", os.Getpid()).Logger()

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	cacheCfg := modulestore.Config{
		ModuleTTL:    cfg.Cache.ModuleTTL,
		NegativeTTL:  cfg.Cache.NegativeTTL,
		LocalLRUSize: cfg.Cache.LocalLRUSize,
	}
	storeLog := logger.NewDefault()
	storeLog.SetOutput(os.Stderr)
	store, err := modulestore.New(modulestore.NewSQLStore(db), redisClient, cacheCfg, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("construct module store")
	}

	imports := workerproc.NewImportCache(store, "")
	w := workerproc.NewWorker(os.Stdin, os.Stdout, imports, cfg.Worker.Reusable, log)
	code := w.Run()
	os.Exit(code)
}
