package jobstore

import (
	"context"
	"time"
)

const (
	// DefaultMaxRunTime bounds how long a claim stays valid before other workers may reclaim it.
	DefaultMaxRunTime = 4 * time.Hour
	// DefaultReadAhead is how many candidates a worker fetches per claim attempt.
	DefaultReadAhead = 5
	// DefaultPrefix names the key namespace (and SQL table) used for jobs.
	DefaultPrefix = "delayed_job"
)

// Backend is the capability every storage engine implements.
//
// LockExclusively returns (false, nil) when another worker won the race; that
// is the expected outcome of contention, not an error. Store connectivity
// failures are returned wrapped in ErrUnavailable.
type Backend interface {
	// Connect opens the store handle. Call it at process or worker start.
	Connect(ctx context.Context) error
	// Disconnect releases the store handle. The backend may Connect again.
	Disconnect() error

	Create(ctx context.Context, opts ...Option) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record, opts ...Option) error
	// Find accepts a job identifier or the backend's full storage key.
	Find(ctx context.Context, key string) (*Record, error)
	First(ctx context.Context) (*Record, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
	Destroy(ctx context.Context, rec *Record) error
	Reload(ctx context.Context, rec *Record) error

	LockExclusively(ctx context.Context, rec *Record, maxRunTime time.Duration, workerID string) (bool, error)
	FindAvailable(ctx context.Context, workerID string, limit int, maxRunTime time.Duration) ([]*Record, error)
	// ClearLocks releases every claim held by workerID and returns how many jobs were released.
	ClearLocks(ctx context.Context, workerID string) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
