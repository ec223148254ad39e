package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const defaultEnvPrefix = "JOBSTORE"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to "JOBSTORE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > secrets file > config file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}
	if err := l.mergeSecrets(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Store.Queues = normalizeStringSlice(cfg.Store.Queues)

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	return cfg.Validate()
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Store
	v.BindEnv("store.backend", l.prefixedEnv("STORE_BACKEND"))
	v.BindEnv("store.prefix", l.prefixedEnv("STORE_PREFIX"))
	v.BindEnv("store.max_run_time", l.prefixedEnv("STORE_MAX_RUN_TIME"))
	v.BindEnv("store.read_ahead", l.prefixedEnv("STORE_READ_AHEAD"))
	v.BindEnv("store.min_priority", l.prefixedEnv("STORE_MIN_PRIORITY"))
	v.BindEnv("store.max_priority", l.prefixedEnv("STORE_MAX_PRIORITY"))
	v.BindEnv("store.queues", l.prefixedEnv("STORE_QUEUES"))
	v.BindEnv("store.index_ttl", l.prefixedEnv("STORE_INDEX_TTL"))

	// Redis
	v.BindEnv("store.redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("store.redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("store.redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"))

	// SQL
	v.BindEnv("store.sql.url", l.prefixedEnv("SQL_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("store.sql.table", l.prefixedEnv("SQL_TABLE"))
	v.BindEnv("store.sql.operation_timeout", l.prefixedEnv("SQL_OPERATION_TIMEOUT"))

	// Worker
	v.BindEnv("worker.name", l.prefixedEnv("WORKER_NAME"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"), l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"), l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing.service_name", l.prefixedEnv("TRACING_SERVICE_NAME"))
	v.BindEnv("observability.tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing.insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Store defaults
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.prefix", cfg.Store.Prefix)
	v.SetDefault("store.max_run_time", cfg.Store.MaxRunTime)
	v.SetDefault("store.read_ahead", cfg.Store.ReadAhead)
	v.SetDefault("store.queues", cfg.Store.Queues)
	v.SetDefault("store.index_ttl", cfg.Store.IndexTTL)

	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.operation_timeout", cfg.Store.Redis.OperationTimeout)
	v.SetDefault("store.redis.max_conns", cfg.Store.Redis.MaxConns)

	v.SetDefault("store.sql.url", cfg.Store.SQL.URL)
	v.SetDefault("store.sql.table", cfg.Store.SQL.Table)
	v.SetDefault("store.sql.operation_timeout", cfg.Store.SQL.OperationTimeout)

	v.SetDefault("worker.name", cfg.Worker.Name)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.service_name", cfg.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.insecure", cfg.Observability.Tracing.Insecure)
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
