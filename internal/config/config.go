// Package config loads settings for asynctask binaries.
//
// Values are layered: defaults in code, then an optional TOML file, then
// environment variables prefixed with ASYNCTASK_ (optionally read from .env
// files first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/petrijr/asynctask/internal/lifecycle"
	"github.com/petrijr/asynctask/internal/taskqueue"
	"github.com/petrijr/asynctask/pkg/worker"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ASYNCTASK_"

// Backends selectable with Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

var (
	ErrUnknownBackend = errors.New("config: unknown backend")
	ErrInvalidValue   = errors.New("config: invalid value")
)

type Config struct {
	// Backend selects where tasks and queue messages live.
	Backend  string `toml:"backend" env:"BACKEND"`
	HTTPAddr string `toml:"http_addr" env:"HTTP_ADDR"`
	AppEnv   string `toml:"app_env" env:"APP_ENV"`

	Lifecycle Lifecycle `toml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Worker    Worker    `toml:"worker" envPrefix:"WORKER_"`

	SQLite   SQLite   `toml:"sqlite" envPrefix:"SQLITE_"`
	Postgres Postgres `toml:"postgres" envPrefix:"POSTGRES_"`
	Redis    Redis    `toml:"redis" envPrefix:"REDIS_"`
	Mongo    Mongo    `toml:"mongo" envPrefix:"MONGO_"`
	SQS      SQS      `toml:"sqs" envPrefix:"SQS_"`
}

type Lifecycle struct {
	LeaseTimeout     time.Duration `toml:"lease_timeout" env:"LEASE_TIMEOUT"`
	ReadRetryDelay   time.Duration `toml:"read_retry_delay" env:"READ_RETRY_DELAY"`
	ConditionalClaim bool          `toml:"conditional_claim" env:"CONDITIONAL_CLAIM"`
}

type Worker struct {
	MaxReceives       int           `toml:"max_receives" env:"MAX_RECEIVES"`
	RetryDelay        time.Duration `toml:"retry_delay" env:"RETRY_DELAY"`
	PollBackoff       time.Duration `toml:"poll_backoff" env:"POLL_BACKOFF"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	Concurrency       int           `toml:"concurrency" env:"CONCURRENCY"`
}

type SQLite struct {
	Path string `toml:"path" env:"PATH"`
}

type Postgres struct {
	DSN string `toml:"dsn" env:"DSN"`
}

type Redis struct {
	Addr   string `toml:"addr" env:"ADDR"`
	Prefix string `toml:"prefix" env:"PREFIX"`
}

type Mongo struct {
	URI      string `toml:"uri" env:"URI"`
	Database string `toml:"database" env:"DATABASE"`
}

type SQS struct {
	QueueURL  string `toml:"queue_url" env:"QUEUE_URL"`
	Region    string `toml:"region" env:"REGION"`
	AccountID string `toml:"account_id" env:"ACCOUNT_ID"`
	Project   string `toml:"project" env:"PROJECT"`
	Env       string `toml:"env" env:"ENV"`
}

// Default returns the settings used when nothing is overridden.
func Default() Config {
	return Config{
		Backend:  BackendMemory,
		HTTPAddr: ":8080",
		AppEnv:   "development",
		Lifecycle: Lifecycle{
			LeaseTimeout:   lifecycle.DefaultLeaseTimeout,
			ReadRetryDelay: lifecycle.DefaultReadRetryDelay,
		},
		Worker: Worker{
			MaxReceives:       worker.DefaultMaxReceives,
			RetryDelay:        worker.DefaultRetryDelay,
			PollBackoff:       worker.DefaultPollBackoff,
			VisibilityTimeout: taskqueue.DefaultVisibilityTimeout,
			Concurrency:       1,
		},
		SQLite: SQLite{Path: "asynctask.db"},
		Redis:  Redis{Addr: "127.0.0.1:6379", Prefix: "asynctask:"},
		Mongo:  Mongo{Database: "asynctask"},
		SQS:    SQS{Region: "us-east-1"},
	}
}

// Load layers path (skipped when empty) and the environment over Default.
// envFiles are read into the environment first without overriding variables
// that are already set; missing files are ignored. With no envFiles, ".env"
// is tried.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", f, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.Lifecycle.LeaseTimeout <= 0 {
		return fmt.Errorf("%w: lifecycle.lease_timeout must be positive", ErrInvalidValue)
	}
	if c.Lifecycle.ReadRetryDelay < 0 {
		return fmt.Errorf("%w: lifecycle.read_retry_delay must not be negative", ErrInvalidValue)
	}
	if c.Worker.MaxReceives <= 0 {
		return fmt.Errorf("%w: worker.max_receives must be positive", ErrInvalidValue)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("%w: worker.concurrency must be positive", ErrInvalidValue)
	}
	switch {
	case c.Backend == BackendPostgres && c.Postgres.DSN == "":
		return fmt.Errorf("%w: postgres.dsn is required for the postgres backend", ErrInvalidValue)
	case c.Backend == BackendMongo && c.Mongo.URI == "":
		return fmt.Errorf("%w: mongo.uri is required for the mongo backend", ErrInvalidValue)
	}
	return nil
}

// LifecycleConfig returns the lifecycle settings. Clock, Observer and
// Requeue are left for the caller to wire.
func (c Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		LeaseTimeout:     c.Lifecycle.LeaseTimeout,
		ReadRetryDelay:   c.Lifecycle.ReadRetryDelay,
		ConditionalClaim: c.Lifecycle.ConditionalClaim,
	}
}

// WorkerConfig returns the worker settings.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		MaxReceives: c.Worker.MaxReceives,
		RetryDelay:  c.Worker.RetryDelay,
		PollBackoff: c.Worker.PollBackoff,
	}
}

// QueueURLFor returns the SQS queue URL for a task type: the configured
// QueueURL when set, otherwise the conventional URL derived from the
// deployment settings.
func (c Config) QueueURLFor(taskName string) string {
	if c.SQS.QueueURL != "" {
		return c.SQS.QueueURL
	}
	return taskqueue.QueueURLForTask(taskName, taskqueue.QueueURLConfig{
		Region:    c.SQS.Region,
		AccountID: c.SQS.AccountID,
		Project:   c.SQS.Project,
		Env:       c.SQS.Env,
	})
}

// Production reports whether AppEnv is "production".
func (c Config) Production() bool {
	return c.AppEnv == "production"
}
