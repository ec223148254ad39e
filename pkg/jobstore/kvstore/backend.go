// Package kvstore stores jobs as field records in a key-value store and
// arbitrates claims between workers with watched transactions.
//
// Each job lives at "<prefix>_<id>" with one field per attribute. The set
// "set_<prefix>" indexes every job key so queries never scan the key space.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

const defaultBackendName = "kv"

var prefixPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_:.-]*$`)

// Config configures the key-value backend.
type Config struct {
	// Name labels metrics, spans and logs, for example "redis" or "memory".
	Name   string
	Prefix string
	Policy jobstore.Policy
	// IndexTTL forces a relearn of the key index once it is older than the TTL. Zero never expires.
	IndexTTL time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = defaultBackendName
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = jobstore.DefaultPrefix
	}
}

func (c Config) validate() error {
	if !prefixPattern.MatchString(c.Prefix) {
		return jobstore.Error(jobstore.ErrValidation, fmt.Sprintf("invalid key prefix %q", c.Prefix))
	}
	if c.IndexTTL < 0 {
		return jobstore.Error(jobstore.ErrValidation, "index ttl must be >= 0")
	}
	return c.Policy.Validate()
}

// Option customizes a Backend.
type Option func(*Backend)

// WithClock replaces the time source used for run_at, lock ages and index expiry.
func WithClock(clock func() time.Time) Option {
	return func(b *Backend) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// Backend implements jobstore.Backend over a kv.Client.
type Backend struct {
	client kv.Client
	log    logger.Logger
	config Config
	clock  func() time.Time
	index  *KeyIndex

	mu     sync.RWMutex
	closed bool
}

var _ jobstore.Backend = (*Backend)(nil)

// New creates a backend over client. It does not connect; call Connect.
func New(client kv.Client, log logger.Logger, cfg Config, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, errors.New("kv client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		client: client,
		log:    log.With("backend", cfg.Name, "prefix", cfg.Prefix),
		config: cfg,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.index = newKeyIndex(client, cfg.Prefix, cfg.IndexTTL, func() time.Time { return b.clock() })
	b.index.onLearn = func(keys int) {
		jobstore.RecordIndexLearn(b.config.Name)
		b.log.Info("job key index learned", "keys", keys)
	}
	return b, nil
}

// Index exposes the key index, for example to force a relearn.
func (b *Backend) Index() *KeyIndex {
	return b.index
}

// Connect opens the store connection and learns the key index.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := b.client.Connect(ctx); err != nil {
		return jobstore.Unavailable("connect failed", err)
	}
	if _, err := b.index.Learn(ctx); err != nil {
		return jobstore.Unavailable("learn key index failed", err)
	}
	b.log.Info("job store connected")
	return nil
}

// Disconnect releases the store connection. Connect may be called again.
func (b *Backend) Disconnect() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := b.client.Disconnect(); err != nil {
		return jobstore.Unavailable("disconnect failed", err)
	}
	b.log.Info("job store disconnected")
	return nil
}

// Create builds a record from opts and saves it.
func (b *Backend) Create(ctx context.Context, opts ...jobstore.Option) (*jobstore.Record, error) {
	rec := jobstore.NewRecord(opts...)
	if err := b.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save writes every present field, removes absent optional fields, and
// registers the key in the index. An absent run_at is materialized to now.
func (b *Backend) Save(ctx context.Context, rec *jobstore.Record) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if rec == nil {
		return jobstore.Error(jobstore.ErrInvalidArgument, "record is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	key := b.index.Key(rec.EnsureID())
	if rec.RunAt == nil {
		rec.RunAt = jobstore.Timestamp(b.clock())
	}
	rec.Normalize()

	set, del := encodeRecord(rec)
	if err := b.client.Apply(ctx, kv.Write{Key: key, Set: set, Del: del}); err != nil {
		return jobstore.Unavailable("save job failed", err)
	}
	if err := b.index.Add(ctx, key); err != nil {
		return jobstore.Unavailable("index job failed", err)
	}
	return nil
}

// Update applies opts to rec and saves it.
func (b *Backend) Update(ctx context.Context, rec *jobstore.Record, opts ...jobstore.Option) error {
	if rec == nil {
		return jobstore.Error(jobstore.ErrInvalidArgument, "record is required")
	}
	rec.Apply(opts...)
	return b.Save(ctx, rec)
}

// Find loads a job by identifier or by full key.
func (b *Backend) Find(ctx context.Context, key string) (*jobstore.Record, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, jobstore.Error(jobstore.ErrInvalidArgument, "job key is required")
	}
	id, ok := b.index.ID(key)
	if !ok {
		id = key
	}
	rec, found, err := b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, jobstore.Error(jobstore.ErrNotFound, fmt.Sprintf("job %s", id))
	}
	return rec, nil
}

// First returns an arbitrary stored job.
func (b *Backend) First(ctx context.Context) (*jobstore.Record, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	key, found, err := b.index.Random(ctx)
	if err != nil {
		return nil, jobstore.Unavailable("pick job failed", err)
	}
	if !found {
		return nil, jobstore.Error(jobstore.ErrNotFound, "no jobs stored")
	}
	return b.Find(ctx, key)
}

// Count returns the number of indexed jobs.
func (b *Backend) Count(ctx context.Context) (int, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	keys, err := b.index.AllKeys(ctx)
	if err != nil {
		return 0, jobstore.Unavailable("list job keys failed", err)
	}
	return len(keys), nil
}

// DeleteAll removes every indexed job and forgets the index.
func (b *Backend) DeleteAll(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	keys, err := b.index.AllKeys(ctx)
	if err != nil {
		return jobstore.Unavailable("list job keys failed", err)
	}
	if err := b.client.Del(ctx, keys...); err != nil {
		return jobstore.Unavailable("delete jobs failed", err)
	}
	if err := b.index.Forget(ctx); err != nil {
		return jobstore.Unavailable("forget key index failed", err)
	}
	b.log.Info("all jobs deleted", "count", len(keys))
	return nil
}

// Destroy deregisters the job key and deletes its fields. The two steps are
// not atomic: a concurrent reader may see the fields without the index entry.
func (b *Backend) Destroy(ctx context.Context, rec *jobstore.Record) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}
	key := b.index.Key(rec.ID)
	if err := b.index.Remove(ctx, key); err != nil {
		return jobstore.Unavailable("unindex job failed", err)
	}
	if err := b.client.Del(ctx, key); err != nil {
		return jobstore.Unavailable("delete job failed", err)
	}
	return nil
}

// Reload replaces rec's fields with the stored ones.
func (b *Backend) Reload(ctx context.Context, rec *jobstore.Record) error {
	if rec == nil || rec.ID == "" {
		return jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}
	fresh, err := b.Find(ctx, rec.ID)
	if err != nil {
		return err
	}
	*rec = *fresh
	return nil
}

// HealthCheck pings the store.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx); err != nil {
		return jobstore.Unavailable("ping failed", err)
	}
	return nil
}

// Close disconnects the client and rejects further calls.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}

func (b *Backend) ensureOpen() error {
	if b == nil || b.client == nil {
		return jobstore.Error(jobstore.ErrNotInitialized, "kv backend is not initialized")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return jobstore.Error(jobstore.ErrClosed, "kv backend is closed")
	}
	return nil
}

// load reads one job. found is false when the key holds no fields.
func (b *Backend) load(ctx context.Context, id string) (*jobstore.Record, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.index.Key(id))
	if err != nil {
		return nil, false, jobstore.Unavailable("load job failed", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return decodeRecord(id, fields), true, nil
}

func (b *Backend) now() time.Time {
	return b.clock().Truncate(time.Second).UTC()
}
