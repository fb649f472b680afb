package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"runengine:"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY,notEmpty"`
	WorkerToken   string `env:"WORKER_TOKEN,notEmpty"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	MasterQueueShards     int           `env:"MASTER_QUEUE_SHARDS" envDefault:"4"`
	ConsumerID            string        `env:"CONSUMER_ID"`
	ConsumerTick          time.Duration `env:"CONSUMER_TICK" envDefault:"250ms"`
	DefaultEnvConcurrency int           `env:"DEFAULT_ENV_CONCURRENCY" envDefault:"100"`
	DefaultWorkerQueue    string        `env:"DEFAULT_WORKER_QUEUE" envDefault:"main"`
	// WorkerQueueOverrides is the JSON override table seeded into Redis on
	// start. Empty leaves what is stored.
	WorkerQueueOverrides string `env:"WORKER_QUEUE_OVERRIDES"`

	JobsPollInterval time.Duration `env:"JOBS_POLL_INTERVAL" envDefault:"100ms"`
	JobsConcurrency  int64         `env:"JOBS_CONCURRENCY" envDefault:"10"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5m"`
	BatchDebounce    time.Duration `env:"BATCH_DEBOUNCE" envDefault:"2s"`
	ReconcileCron    string        `env:"RECONCILE_CRON" envDefault:"@every 30s"`

	BillingURL      string        `env:"BILLING_URL"`
	BillingToken    string        `env:"BILLING_TOKEN"`
	BillingFreshTTL time.Duration `env:"BILLING_FRESH_TTL" envDefault:"5m"`
	BillingStaleTTL time.Duration `env:"BILLING_STALE_TTL" envDefault:"10m"`

	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"false"`
}

// Development reports whether the in-memory system of record is used.
func (c Config) Development() bool { return c.AppEnv == "development" }

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	if !c.Development() && c.PostgresDSN == "" {
		return c, fmt.Errorf("POSTGRES_DSN is required when APP_ENV is %q", c.AppEnv)
	}
	if c.MasterQueueShards <= 0 {
		return c, fmt.Errorf("MASTER_QUEUE_SHARDS must be > 0, got %d", c.MasterQueueShards)
	}
	if c.BillingStaleTTL < c.BillingFreshTTL {
		return c, fmt.Errorf("BILLING_STALE_TTL (%s) is shorter than BILLING_FRESH_TTL (%s)", c.BillingStaleTTL, c.BillingFreshTTL)
	}
	return c, nil
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
