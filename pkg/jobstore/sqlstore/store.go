// Package sqlstore stores jobs as rows of a relational table. Claims are a
// single conditional UPDATE, so the database arbitrates concurrent workers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

const (
	defaultTable            = "delayed_jobs"
	defaultOperationTimeout = 5 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config configures the SQL backend.
type Config struct {
	// Dialect is "postgres" or "mysql".
	Dialect          string
	URL              string
	Table            string
	OperationTimeout time.Duration
	Policy           jobstore.Policy
}

func (c *Config) normalize() {
	c.Dialect = strings.ToLower(strings.TrimSpace(c.Dialect))
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

func (c Config) validate() error {
	if _, ok := lookupDialect(c.Dialect); !ok {
		return jobstore.Error(jobstore.ErrValidation, fmt.Sprintf("unsupported sql dialect %q", c.Dialect))
	}
	if !validTableName.MatchString(c.Table) {
		return jobstore.Error(jobstore.ErrValidation, fmt.Sprintf("invalid jobs table name %q", c.Table))
	}
	return c.Policy.Validate()
}

// Store implements jobstore.Backend over database/sql.
type Store struct {
	log     logger.Logger
	config  Config
	dialect dialect
	clock   func() time.Time
	open    func() (*sql.DB, error)

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ jobstore.Backend = (*Store)(nil)

// New creates a SQL backend. The database is opened by Connect.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobstore.Error(jobstore.ErrValidation, "sql url is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d, _ := lookupDialect(cfg.Dialect)
	dsn, err := d.dataSource(cfg.URL)
	if err != nil {
		return nil, jobstore.Error(jobstore.ErrValidation, fmt.Sprintf("invalid %s url: %v", d.name, err))
	}

	s := newStore(d, cfg, log)
	s.open = func() (*sql.DB, error) {
		return sql.Open(d.driver, dsn)
	}
	return s, nil
}

// newStoreWithDB wraps an existing handle. Connect reuses db until Disconnect closes it.
func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d, _ := lookupDialect(cfg.Dialect)
	s := newStore(d, cfg, log)
	s.db = db
	s.open = func() (*sql.DB, error) {
		return nil, errors.New("database handle was closed")
	}
	if clock != nil {
		s.clock = clock
	}
	return s, nil
}

func newStore(d dialect, cfg Config, log logger.Logger) *Store {
	return &Store{
		log:     log.With("backend", d.name, "table", cfg.Table),
		config:  cfg,
		dialect: d,
		clock:   time.Now,
	}
}

// Connect opens the database when needed, pings it and creates the jobs table.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.db == nil {
		db, err := s.open()
		if err != nil {
			s.mu.Unlock()
			return jobstore.Unavailable("open database failed", err)
		}
		s.db = db
	}
	db := s.db
	s.mu.Unlock()

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := db.PingContext(opCtx); err != nil {
		return jobstore.Unavailable("ping database failed", err)
	}
	if _, err := db.ExecContext(opCtx, s.dialect.createTable(s.config.Table)); err != nil {
		return jobstore.Unavailable("ensure jobs table failed", err)
	}
	s.log.Info("job store connected")
	return nil
}

// Disconnect closes the database handle. Connect opens a fresh one.
func (s *Store) Disconnect() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return jobstore.Unavailable("close database failed", err)
	}
	s.log.Info("job store disconnected")
	return nil
}

// Create builds a record from opts and saves it.
func (s *Store) Create(ctx context.Context, opts ...jobstore.Option) (*jobstore.Record, error) {
	rec := jobstore.NewRecord(opts...)
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save inserts or overwrites the job row. An absent run_at is materialized to now.
func (s *Store) Save(ctx context.Context, rec *jobstore.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if rec == nil {
		return jobstore.Error(jobstore.ErrInvalidArgument, "record is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.EnsureID()
	if rec.RunAt == nil {
		rec.RunAt = jobstore.Timestamp(s.clock())
	}
	rec.Normalize()

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := db.ExecContext(opCtx, s.dialect.upsert(s.config.Table), rowValues(rec)...); err != nil {
		return jobstore.Unavailable("save job failed", err)
	}
	return nil
}

// Update applies opts to rec and saves it.
func (s *Store) Update(ctx context.Context, rec *jobstore.Record, opts ...jobstore.Option) error {
	if rec == nil {
		return jobstore.Error(jobstore.ErrInvalidArgument, "record is required")
	}
	rec.Apply(opts...)
	return s.Save(ctx, rec)
}

// Find loads a job by identifier.
func (s *Store) Find(ctx context.Context, id string) (*jobstore.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, jobstore.Error(jobstore.ErrInvalidArgument, "job id is required")
	}

	q := &query{dialect: s.dialect}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		strings.Join(columns, ", "), s.config.Table, q.bind(id))
	return s.queryOne(ctx, db, stmt, q.args, fmt.Sprintf("job %s", id))
}

// First returns the job with the lowest identifier.
func (s *Store) First(ctx context.Context) (*jobstore.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY id LIMIT 1",
		strings.Join(columns, ", "), s.config.Table)
	return s.queryOne(ctx, db, stmt, nil, "no jobs stored")
}

// Count returns the number of stored jobs.
func (s *Store) Count(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var count int
	if err := db.QueryRowContext(opCtx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.config.Table)).Scan(&count); err != nil {
		return 0, jobstore.Unavailable("count jobs failed", err)
	}
	return count, nil
}

// DeleteAll removes every job row.
func (s *Store) DeleteAll(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	result, err := db.ExecContext(opCtx, fmt.Sprintf("DELETE FROM %s", s.config.Table))
	if err != nil {
		return jobstore.Unavailable("delete jobs failed", err)
	}
	deleted, _ := result.RowsAffected()
	s.log.Info("all jobs deleted", "count", deleted)
	return nil
}

// Destroy deletes the job row.
func (s *Store) Destroy(ctx context.Context, rec *jobstore.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	q := &query{dialect: s.dialect}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = %s", s.config.Table, q.bind(rec.ID))
	if _, err := db.ExecContext(opCtx, stmt, q.args...); err != nil {
		return jobstore.Unavailable("delete job failed", err)
	}
	return nil
}

// Reload replaces rec's fields with the stored ones.
func (s *Store) Reload(ctx context.Context, rec *jobstore.Record) error {
	if rec == nil || rec.ID == "" {
		return jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}
	fresh, err := s.Find(ctx, rec.ID)
	if err != nil {
		return err
	}
	*rec = *fresh
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := db.PingContext(opCtx); err != nil {
		return jobstore.Unavailable("ping database failed", err)
	}
	return nil
}

// Close closes the database handle and rejects further calls.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Store) ensureOpen() error {
	if s == nil || s.open == nil {
		return jobstore.Error(jobstore.ErrNotInitialized, "sql backend is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return jobstore.Error(jobstore.ErrClosed, "sql backend is closed")
	}
	return nil
}

// handle returns the connected database or ErrUnavailable before Connect.
func (s *Store) handle() (*sql.DB, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, jobstore.Error(jobstore.ErrUnavailable, "sql backend is not connected")
	}
	return s.db, nil
}

func (s *Store) queryOne(ctx context.Context, db *sql.DB, stmt string, args []any, missing string) (*jobstore.Record, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	rec, err := scanRecord(db.QueryRowContext(opCtx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobstore.Error(jobstore.ErrNotFound, missing)
	}
	if err != nil {
		return nil, jobstore.Unavailable("load job failed", err)
	}
	return rec, nil
}

func (s *Store) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.config.OperationTimeout)
}

func (s *Store) now() time.Time {
	return s.clock().Truncate(time.Second).UTC()
}
