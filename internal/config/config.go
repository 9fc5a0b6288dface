package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendMemory   = "memory"
)

type Config struct {
	AppEnv         string `env:"APP_ENV" envDefault:"development"`
	APIAddr        string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN    string `env:"POSTGRES_DSN"`
	RecordBackend  string `env:"RECORD_BACKEND" envDefault:"postgres"`
	PebbleDir      string `env:"PEBBLE_DIR" envDefault:"./data/records"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	QueueName      string `env:"QUEUE_NAME" envDefault:"invocations"`
	DefaultVT      int    `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`
	InstanceName   string `env:"INSTANCE_NAME"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	ReceiveWait  time.Duration `env:"RECEIVE_WAIT" envDefault:"0s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitial     time.Duration `env:"RETRY_INITIAL" envDefault:"50ms"`
	RetryMax         time.Duration `env:"RETRY_MAX" envDefault:"2s"`

	Reconcile ReconcileConfig `envPrefix:"RECONCILE_"`
	Worker    WorkerConfig    `envPrefix:"WORKER_"`
}

type ReconcileConfig struct {
	Interval   time.Duration `env:"INTERVAL" envDefault:"1s"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"30s"`
	Batch      int           `env:"BATCH" envDefault:"500"`
}

type WorkerConfig struct {
	Concurrency    int           `env:"CONCURRENCY" envDefault:"4"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	ExtendEvery    time.Duration `env:"EXTEND_EVERY" envDefault:"0s"`
	MaxDequeueRate float64       `env:"MAX_DEQUEUE_RATE" envDefault:"0"`
	IdleWait       time.Duration `env:"IDLE_WAIT" envDefault:"1s"`
}

// VisibilityTimeout is the default dequeue invisibility.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.DefaultVT) * time.Second
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.InstanceName == "" {
		c.InstanceName, _ = os.Hostname()
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// MustLoad is Load for main packages.
func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	switch c.RecordBackend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres record backend"))
		}
	case BackendPebble:
		if c.PebbleDir == "" {
			errs = append(errs, errors.New("PEBBLE_DIR is required for the pebble record backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("RECORD_BACKEND %q: want postgres, pebble or memory", c.RecordBackend))
	}
	if c.QueueName == "" {
		errs = append(errs, errors.New("QUEUE_NAME must not be empty"))
	}
	if c.DefaultVT <= 0 {
		errs = append(errs, errors.New("DEFAULT_VISIBILITY_TIMEOUT_SEC must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("WORKER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}
