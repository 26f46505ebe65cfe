package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	CascadePublish = "publish"
	CascadeInline  = "inline"
)

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Database  Database  `yaml:"database"`
	Store     Store     `yaml:"store"`
	Bus       Bus       `yaml:"bus"`
	Worker    Worker    `yaml:"worker"`
	Scheduler Scheduler `yaml:"scheduler"`
	Retry     Retry     `yaml:"retry"`
	Log       Log       `yaml:"log"`
}

type HTTP struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// Database is the SQLite file holding the outbox queue.
type Database struct {
	Path string `yaml:"path"`
}

// Store selects the backing store for accounts and task groups.
// An empty DSN with the sqlite driver reuses Database.Path.
type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Bus struct {
	Driver     string  `yaml:"driver"` // queue, amqp, kafka, redis
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	Breaker    Breaker `yaml:"breaker"`
	AMQP       AMQP    `yaml:"amqp"`
	Kafka      Kafka   `yaml:"kafka"`
	Redis      Redis   `yaml:"redis"`
}

// Breaker trips after TripFailures consecutive publish failures. 0 disables it.
type Breaker struct {
	TripFailures int           `yaml:"trip_failures"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

type AMQP struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type Redis struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamPrefix string `yaml:"stream_prefix"`
	// ClaimIdle is how long an entry stays pending before it is redelivered.
	ClaimIdle     time.Duration `yaml:"claim_idle"`
	MaxDeliveries int           `yaml:"max_deliveries"`
}

type Worker struct {
	Workers           int           `yaml:"workers"`
	Poll              time.Duration `yaml:"poll"`
	MaxAttempts       int           `yaml:"max_attempts"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type Scheduler struct {
	// Cron fires a full account traversal. Empty disables the periodic trigger.
	Cron              string        `yaml:"cron"`
	Cascade           string        `yaml:"cascade"`
	AccountPageSize   int           `yaml:"account_page_size"`
	TaskGroupPageSize int           `yaml:"task_group_page_size"`
	MaxFanout         int           `yaml:"max_fanout"`
	ExecutionDelay    time.Duration `yaml:"execution_delay"`
	ExecutionWebhook  string        `yaml:"execution_webhook"`
}

type Retry struct {
	DataRetrieval Policy `yaml:"data_retrieval"`
	Publish       Policy `yaml:"publish"`
}

// Policy holds the settings of one retry policy.
type Policy struct {
	RetryCount     int           `yaml:"retry_count"`
	DefaultBackoff time.Duration `yaml:"default_backoff"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

func (p Policy) Validate() error {
	if p.RetryCount < 0 {
		return errors.New("retry_count must be non-negative")
	}
	if p.DefaultBackoff < 0 || p.BackoffMin < 0 || p.BackoffMax < 0 {
		return errors.New("backoff durations must be non-negative")
	}
	if p.BackoffMin > p.BackoffMax {
		return errors.New("backoff_min cannot be greater than backoff_max")
	}
	return nil
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// DefaultPolicy returns the retry settings used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		RetryCount:     5,
		DefaultBackoff: 5 * time.Second,
		BackoffMin:     3 * time.Second,
		BackoffMax:     10 * time.Second,
	}
}

func Default() Config {
	return Config{
		HTTP:     HTTP{Addr: ":8080"},
		Database: Database{Path: "triggerflow.db"},
		Store:    Store{Driver: "sqlite"},
		Bus: Bus{
			Driver:  "queue",
			Breaker: Breaker{OpenTimeout: 30 * time.Second},
			AMQP:    AMQP{Exchange: "triggerflow"},
			Kafka:   Kafka{TopicPrefix: "triggerflow."},
			Redis:   Redis{Addr: "localhost:6379", StreamPrefix: "triggerflow:", ClaimIdle: 30 * time.Second, MaxDeliveries: 5},
		},
		Worker: Worker{
			Workers:           8,
			Poll:              250 * time.Millisecond,
			MaxAttempts:       5,
			VisibilityTimeout: time.Minute,
		},
		Scheduler: Scheduler{
			Cascade:           CascadePublish,
			AccountPageSize:   100,
			TaskGroupPageSize: 100,
			ExecutionDelay:    30 * time.Second,
		},
		Retry: Retry{
			DataRetrieval: DefaultPolicy(),
			Publish:       DefaultPolicy(),
		},
		Log: Log{Level: "info", Console: true},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields that are not present untouched.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn is required for postgres")
	}
	switch c.Bus.Driver {
	case "queue", "amqp", "kafka", "redis":
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "kafka" && len(c.Bus.Kafka.Brokers) == 0 {
		return errors.New("bus.kafka.brokers is required for kafka")
	}
	if c.Bus.Driver == "amqp" && c.Bus.AMQP.URL == "" {
		return errors.New("bus.amqp.url is required for amqp")
	}
	if c.Bus.RatePerSec < 0 {
		return errors.New("bus.rate_per_sec must be non-negative")
	}
	switch c.Scheduler.Cascade {
	case CascadePublish, CascadeInline:
	default:
		return fmt.Errorf("unknown scheduler cascade %q", c.Scheduler.Cascade)
	}
	if c.Scheduler.AccountPageSize <= 0 {
		return errors.New("scheduler.account_page_size must be positive")
	}
	if c.Scheduler.TaskGroupPageSize <= 0 {
		return errors.New("scheduler.task_group_page_size must be positive")
	}
	if c.Scheduler.MaxFanout < 0 {
		return errors.New("scheduler.max_fanout must be non-negative")
	}
	if c.Worker.Workers <= 0 {
		return errors.New("worker.workers must be positive")
	}
	if err := c.Retry.DataRetrieval.Validate(); err != nil {
		return fmt.Errorf("retry.data_retrieval: %w", err)
	}
	if err := c.Retry.Publish.Validate(); err != nil {
		return fmt.Errorf("retry.publish: %w", err)
	}
	return nil
}
