package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/jobstore/pkg/config"
	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/jobstore/kvstore"
	"github.com/nimburion/jobstore/pkg/jobstore/sqlstore"
	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/kv/memory"
	"github.com/nimburion/jobstore/pkg/kv/redis"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

const (
	BackendRedis    = config.StoreBackendRedis
	BackendMemory   = config.StoreBackendMemory
	BackendPostgres = config.StoreBackendPostgres
	BackendMySQL    = config.StoreBackendMySQL
)

// Config configures backend selection.
type Config = config.StoreConfig

// NewBackend creates the configured storage backend. It does not connect;
// call Connect before use. Default backend is redis.
func NewBackend(cfg Config, log logger.Logger) (jobstore.Backend, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendRedis
	}

	switch backend {
	case BackendRedis:
		client, err := redis.New(redis.Config{
			URL:              strings.TrimSpace(cfg.Redis.URL),
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return newKVBackend(client, BackendRedis, cfg, log)
	case BackendMemory:
		return newKVBackend(memory.New(), BackendMemory, cfg, log)
	case BackendPostgres, BackendMySQL:
		store, err := sqlstore.New(sqlstore.Config{
			Dialect:          backend,
			URL:              strings.TrimSpace(cfg.SQL.URL),
			Table:            strings.TrimSpace(cfg.SQL.Table),
			OperationTimeout: cfg.SQL.OperationTimeout,
			Policy:           cfg.Policy(),
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store.backend %q (supported: %s, %s, %s, %s)",
			cfg.Backend, BackendRedis, BackendMemory, BackendPostgres, BackendMySQL)
	}
}

func newKVBackend(client kv.Client, name string, cfg Config, log logger.Logger) (jobstore.Backend, error) {
	backend, err := kvstore.New(client, log, kvstore.Config{
		Name:     name,
		Prefix:   strings.TrimSpace(cfg.Prefix),
		Policy:   cfg.Policy(),
		IndexTTL: cfg.IndexTTL,
	})
	if err != nil {
		return nil, err
	}
	return backend, nil
}
