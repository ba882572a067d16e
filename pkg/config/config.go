// Package config loads the engine's §6 configuration knobs from the
// environment, with .env file support layered underneath for local
// development.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config mirrors the configuration knobs enumerated in spec.md §6.
type Config struct {
	Pool struct {
		MinWorkers               int           `envdecode:"POOL_MIN_WORKERS,default=2"`
		MaxWorkers               int           `envdecode:"POOL_MAX_WORKERS,default=16"`
		SoftCancelGraceMS        time.Duration `envdecode:"POOL_SOFT_CANCEL_GRACE_MS,default=5000ms"`
		HardKillGraceMS          time.Duration `envdecode:"POOL_HARD_KILL_GRACE_MS,default=2000ms"`
		MemoryLimitDefaultBytes  int64         `envdecode:"POOL_MEMORY_LIMIT_DEFAULT_BYTES,default=268435456"`
		DeadlineDefaultMS        time.Duration `envdecode:"POOL_DEADLINE_DEFAULT_MS,default=30000ms"`
		DeadlineMaxMS            time.Duration `envdecode:"POOL_DEADLINE_MAX_MS,default=900000ms"`
		QueueHighWatermark       int           `envdecode:"POOL_QUEUE_HIGH_WATERMARK,default=256"`
		QueueHighWatermarkWindow time.Duration `envdecode:"POOL_QUEUE_HIGH_WATERMARK_DURATION_MS,default=5000ms"`
	}
	Multiplexer struct {
		BatchMaxRecords       int           `envdecode:"MULTIPLEXER_BATCH_MAX_RECORDS,default=64"`
		BatchMaxInterval      time.Duration `envdecode:"MULTIPLEXER_BATCH_MAX_INTERVAL_MS,default=200ms"`
		PerRunLogBufferBytes  int           `envdecode:"MULTIPLEXER_PER_RUN_LOG_BUFFER_BYTES,default=1048576"`
	}
	Cache struct {
		ModuleTTL           time.Duration `envdecode:"CACHE_MODULE_TTL_SECONDS,default=86400s"`
		NegativeTTL         time.Duration `envdecode:"CACHE_MODULE_NEGATIVE_TTL_SECONDS,default=30s"`
		RecomputeLockTTL    time.Duration `envdecode:"CACHE_RECOMPUTE_LOCK_TTL_SECONDS,default=10s"`
		LocalLRUSize        int           `envdecode:"CACHE_LOCAL_LRU_SIZE,default=4096"`
	}
	Scheduler struct {
		TickInterval    time.Duration `envdecode:"SCHEDULER_TICK_MS,default=1000ms"`
		StuckSweep      time.Duration `envdecode:"SCHEDULER_STUCK_SWEEP_MS,default=60000ms"`
		CatalogPath     string        `envdecode:"SCHEDULER_CATALOG_PATH,default=catalog.yaml"`
	}
	Heartbeat struct {
		Interval time.Duration `envdecode:"HEARTBEAT_INTERVAL_MS,default=10000ms"`
		TTL      time.Duration `envdecode:"HEARTBEAT_TTL_MS,default=30000ms"`
	}
	Dispatcher struct {
		PollInterval       time.Duration `envdecode:"DISPATCHER_POLL_INTERVAL_MS,default=250ms"`
		RetryInitialDelay  time.Duration `envdecode:"DISPATCHER_RETRY_INITIAL_DELAY_MS,default=500ms"`
		RetryMaxDelay      time.Duration `envdecode:"DISPATCHER_RETRY_MAX_DELAY_MS,default=30000ms"`
		RetryMultiplier    float64       `envdecode:"DISPATCHER_RETRY_MULTIPLIER,default=2.0"`
		AdmissionPerOrgRPS float64       `envdecode:"DISPATCHER_ADMISSION_PER_ORG_RPS,default=0"`
		AdmissionBurst     int           `envdecode:"DISPATCHER_ADMISSION_BURST,default=0"`
	}
	Run struct {
		MaxRedeliveries int `envdecode:"RUN_MAX_REDELIVERIES,default=5"`
	}
	Redis struct {
		Addr     string `envdecode:"REDIS_ADDR,default=localhost:6379"`
		Password string `envdecode:"REDIS_PASSWORD"`
		DB       int    `envdecode:"REDIS_DB,default=0"`
	}
	Postgres struct {
		DSN string `envdecode:"POSTGRES_DSN,default=postgres://localhost:5432/execengine?sslmode=disable"`
	}
	Worker struct {
		BinaryPath string `envdecode:"WORKER_BINARY_PATH,default=./worker"`
		Reusable   bool   `envdecode:"WORKER_REUSABLE,default=true"`
		LogLevel   string `envdecode:"WORKER_LOG_LEVEL,default=info"`
	}
}

// Load reads an optional .env file (ignored if absent) then decodes the
// process environment into a Config with the defaults above applied.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, err
	}
	return &cfg, nil
}
