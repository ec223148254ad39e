package config

import (
	"fmt"
	"strings"

	"github.com/nimburion/jobstore/pkg/observability/logger"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendRedis:
		if strings.TrimSpace(c.Store.Redis.URL) == "" {
			return fmt.Errorf("store.redis.url is required when store.backend is redis")
		}
	case StoreBackendPostgres, StoreBackendMySQL:
		if strings.TrimSpace(c.Store.SQL.URL) == "" {
			return fmt.Errorf("store.sql.url is required when store.backend is %s", c.Store.Backend)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("invalid store.backend: %q (must be redis, memory, postgres, or mysql)", c.Store.Backend)
	}

	if strings.TrimSpace(c.Store.Prefix) == "" {
		return fmt.Errorf("store.prefix is required")
	}
	if c.Store.MaxRunTime <= 0 {
		return fmt.Errorf("store.max_run_time must be > 0")
	}
	if c.Store.ReadAhead <= 0 {
		return fmt.Errorf("store.read_ahead must be > 0")
	}
	if c.Store.IndexTTL < 0 {
		return fmt.Errorf("store.index_ttl must be >= 0")
	}
	if err := c.Store.Policy().Validate(); err != nil {
		return fmt.Errorf("store policy: %w", err)
	}
	if c.Store.Redis.OperationTimeout < 0 || c.Store.SQL.OperationTimeout < 0 {
		return fmt.Errorf("store operation timeouts must be >= 0")
	}
	if c.Store.Redis.MaxConns < 0 {
		return fmt.Errorf("store.redis.max_conns must be >= 0")
	}

	if _, err := logger.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability.log_level: %w", err)
	}
	if _, err := logger.ParseLogFormat(c.Observability.LogFormat); err != nil {
		return fmt.Errorf("observability.log_format: %w", err)
	}
	if err := c.Observability.Tracing.Validate(); err != nil {
		return fmt.Errorf("observability.tracing: %w", err)
	}
	return nil
}
