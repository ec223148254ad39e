package config

import (
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/observability/tracing"
)

// Store backend constants
const (
	// StoreBackendRedis keeps jobs in Redis hashes
	StoreBackendRedis = "redis"
	// StoreBackendMemory keeps jobs in process memory
	StoreBackendMemory = "memory"
	// StoreBackendPostgres keeps jobs in a PostgreSQL table
	StoreBackendPostgres = "postgres"
	// StoreBackendMySQL keeps jobs in a MySQL table
	StoreBackendMySQL = "mysql"
)

// Config is the root configuration structure for the job store
type Config struct {
	Store         StoreConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
}

// StoreConfig selects and tunes the storage backend
type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	Prefix     string        `mapstructure:"prefix"`
	MaxRunTime time.Duration `mapstructure:"max_run_time"`
	ReadAhead  int           `mapstructure:"read_ahead"`
	// MinPriority and MaxPriority are unset when nil.
	MinPriority *int     `mapstructure:"min_priority"`
	MaxPriority *int     `mapstructure:"max_priority"`
	Queues      []string `mapstructure:"queues"`
	// IndexTTL forces a key index relearn once exceeded. 0 never expires.
	IndexTTL time.Duration `mapstructure:"index_ttl"`
	Redis    RedisConfig   `mapstructure:"redis"`
	SQL      SQLConfig     `mapstructure:"sql"`
}

// Policy returns the job filters every worker applies.
func (s StoreConfig) Policy() jobstore.Policy {
	return jobstore.Policy{
		MinPriority: s.MinPriority,
		MaxPriority: s.MaxPriority,
		Queues:      normalizeStringSlice(s.Queues),
	}
}

// RedisConfig configures the Redis connection
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxConns         int           `mapstructure:"max_conns"`
}

// SQLConfig configures the relational backends
type SQLConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// WorkerConfig identifies this process to the store
type WorkerConfig struct {
	// Name defaults to "host:<hostname> pid:<pid>" when empty.
	Name string `mapstructure:"name"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"` // json, text
	Tracing   tracing.Config `mapstructure:"tracing"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    StoreBackendRedis,
			Prefix:     jobstore.DefaultPrefix,
			MaxRunTime: jobstore.DefaultMaxRunTime,
			ReadAhead:  jobstore.DefaultReadAhead,
			Redis: RedisConfig{
				URL:              "redis://localhost:6379/0",
				OperationTimeout: 5 * time.Second,
				MaxConns:         10,
			},
			SQL: SQLConfig{
				Table:            "delayed_jobs",
				OperationTimeout: 5 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: tracing.Config{
				ServiceName: "jobstore",
				SampleRate:  1.0,
			},
		},
	}
}
