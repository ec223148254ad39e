package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobstore/pkg/observability/logger"
)

// SessionConfig configures a worker session.
type SessionConfig struct {
	WorkerName string
	MaxRunTime time.Duration
	ReadAhead  int
	Clock      func() time.Time
}

func (c *SessionConfig) normalize() {
	if strings.TrimSpace(c.WorkerName) == "" {
		c.WorkerName = DefaultWorkerName()
	}
	if c.MaxRunTime <= 0 {
		c.MaxRunTime = DefaultMaxRunTime
	}
	if c.ReadAhead <= 0 {
		c.ReadAhead = DefaultReadAhead
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// DefaultWorkerName identifies the current process as "host:<hostname> pid:<pid>".
func DefaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("host:%s pid:%d", hostname, os.Getpid())
}

// Session is one worker's view of a backend: it connects on Start, claims and
// settles jobs under its worker name, and releases its claims on Stop.
type Session struct {
	backend Backend
	log     logger.Logger
	config  SessionConfig

	mu      sync.Mutex
	running bool
}

// NewSession creates a session. It does not connect; call Start.
func NewSession(backend Backend, log logger.Logger, cfg SessionConfig) (*Session, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Session{
		backend: backend,
		log:     log.With("worker_id", cfg.WorkerName),
		config:  cfg,
	}, nil
}

// WorkerName returns the identity written to locked_by.
func (s *Session) WorkerName() string {
	return s.config.WorkerName
}

// Context returns ctx tagged with the session's worker identity for logging.
func (s *Session) Context(ctx context.Context) context.Context {
	return logger.ContextWithWorkerID(ctx, s.config.WorkerName)
}

// Start connects the backend.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return Error(ErrConflict, "session already started")
	}
	if err := s.backend.Connect(ctx); err != nil {
		return err
	}
	s.running = true
	s.log.Info("worker session started")
	return nil
}

// Reserve claims the next available job, if any.
func (s *Session) Reserve(ctx context.Context) (*Record, bool, error) {
	if err := s.ensureRunning(); err != nil {
		return nil, false, err
	}
	rec, ok, err := Reserve(s.Context(ctx), s.backend, s.config.WorkerName, s.config.MaxRunTime, s.config.ReadAhead)
	if err != nil {
		s.log.Error("reserve failed", "error", err)
		return nil, false, err
	}
	if ok {
		s.log.Debug("job reserved", "job_id", rec.ID)
	}
	return rec, ok, nil
}

// Complete removes a job that ran successfully.
func (s *Session) Complete(ctx context.Context, rec *Record) error {
	if err := s.ensureOwned(rec); err != nil {
		return err
	}
	return s.backend.Destroy(s.Context(ctx), rec)
}

// Fail records a failed attempt and releases the claim. A zero retryAt marks
// the job permanently failed; otherwise the job is rescheduled to retryAt.
func (s *Session) Fail(ctx context.Context, rec *Record, cause error, retryAt time.Time) error {
	if err := s.ensureOwned(rec); err != nil {
		return err
	}
	rec.RecordAttempt(cause)
	rec.Unlock()
	if retryAt.IsZero() {
		rec.MarkFailed(s.config.Clock(), nil)
		s.log.Warn("job failed permanently", "job_id", rec.ID, "attempts", rec.Attempts)
	} else {
		rec.RunAt = Timestamp(retryAt)
		s.log.Info("job rescheduled", "job_id", rec.ID, "attempts", rec.Attempts, "run_at", *rec.RunAt)
	}
	return s.backend.Save(s.Context(ctx), rec)
}

// Stop releases every claim held by this worker and disconnects the backend.
func (s *Session) Stop(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, nil
	}
	s.running = false

	cleared, clearErr := s.backend.ClearLocks(s.Context(ctx), s.config.WorkerName)
	disconnectErr := s.backend.Disconnect()
	if err := errors.Join(clearErr, disconnectErr); err != nil {
		s.log.Error("worker session stop failed", "error", err)
		return cleared, err
	}
	s.log.Info("worker session stopped", "cleared_locks", cleared)
	return cleared, nil
}

func (s *Session) ensureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Error(ErrNotInitialized, "session is not started")
	}
	return nil
}

func (s *Session) ensureOwned(rec *Record) error {
	if err := s.ensureRunning(); err != nil {
		return err
	}
	if rec == nil {
		return Error(ErrInvalidArgument, "record is required")
	}
	if rec.LockedBy != s.config.WorkerName {
		return Error(ErrConflict, fmt.Sprintf("job %s is not locked by %s", rec.ID, s.config.WorkerName))
	}
	return nil
}
