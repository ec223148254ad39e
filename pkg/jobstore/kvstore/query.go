package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/observability/tracing"
)

// projection is the subset of a job the query engine evaluates.
type projection struct {
	key      string
	priority int
	queue    string
	runAt    *time.Time
	failedAt *time.Time
	lockedAt *time.Time
	lockedBy string
}

func project(key string, fields map[string]string) projection {
	return projection{
		key:      key,
		priority: decodeInt(fields[fieldPriority]),
		queue:    fields[fieldQueue],
		runAt:    decodeTime(fields[fieldRunAt]),
		failedAt: decodeTime(fields[fieldFailedAt]),
		lockedAt: decodeTime(fields[fieldLockedAt]),
		lockedBy: fields[fieldLockedBy],
	}
}

func (p projection) ready(now time.Time, maxRunTime time.Duration, workerID string) bool {
	if p.failedAt != nil {
		return false
	}
	if p.runAt != nil && p.runAt.After(now) {
		return false
	}
	return jobstore.Claimable(p.lockedAt, p.lockedBy, now, maxRunTime, workerID)
}

// ReadyToRun returns the keys of jobs that are due, not failed, and unlocked,
// stale-locked or already locked by workerID.
func (b *Backend) ReadyToRun(ctx context.Context, workerID string, maxRunTime time.Duration) ([]string, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if err := jobstore.ValidateClaim(workerID, maxRunTime); err != nil {
		return nil, err
	}
	ready, err := b.readyProjections(ctx, workerID, maxRunTime)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ready))
	for idx, p := range ready {
		keys[idx] = p.key
	}
	return keys, nil
}

// FindAvailable narrows the ready set by the configured policy, orders it by
// priority then run_at, and loads the first limit jobs. Jobs deleted since
// they were indexed are skipped.
func (b *Backend) FindAvailable(ctx context.Context, workerID string, limit int, maxRunTime time.Duration) (records []*jobstore.Record, err error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if err := jobstore.ValidateClaim(workerID, maxRunTime); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = jobstore.DefaultReadAhead
	}

	ctx, span := tracing.StartStoreSpan(ctx, "find_available",
		tracing.WithBackend(b.config.Name), tracing.WithWorker(workerID))
	defer func() { tracing.End(span, err) }()

	ready, err := b.readyProjections(ctx, workerID, maxRunTime)
	if err != nil {
		return nil, err
	}

	candidates := make([]jobstore.Candidate, 0, len(ready))
	for _, p := range ready {
		if !b.config.Policy.Allows(p.priority, p.queue) {
			continue
		}
		c := jobstore.Candidate{Key: p.key, Priority: p.priority}
		if p.runAt != nil {
			c.RunAt = *p.runAt
		}
		candidates = append(candidates, c)
	}
	jobstore.SortCandidates(candidates)

	records = make([]*jobstore.Record, 0, min(limit, len(candidates)))
	for _, c := range candidates {
		if len(records) == limit {
			break
		}
		id, _ := b.index.ID(c.Key)
		rec, found, err := b.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		records = append(records, rec)
	}
	jobstore.RecordAvailable(b.config.Name, len(records))
	return records, nil
}

// ClearLocks releases every job locked by workerID. Each release is a watched
// transaction so a job reclaimed by another worker meanwhile is left alone.
func (b *Backend) ClearLocks(ctx context.Context, workerID string) (cleared int, err error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	if workerID == "" {
		return 0, jobstore.Error(jobstore.ErrInvalidArgument, "worker id is required")
	}

	ctx, span := tracing.StartStoreSpan(ctx, "clear_locks",
		tracing.WithBackend(b.config.Name), tracing.WithWorker(workerID))
	defer func() { tracing.End(span, err) }()

	keys, err := b.index.AllKeys(ctx)
	if err != nil {
		return 0, jobstore.Unavailable("list job keys failed", err)
	}
	rows, err := b.client.HMGetMulti(ctx, keys, fieldLockedBy)
	if err != nil {
		return 0, jobstore.Unavailable("read job locks failed", err)
	}

	for idx, row := range rows {
		if row[fieldLockedBy] != workerID {
			continue
		}
		released, err := b.releaseLock(ctx, keys[idx], workerID)
		if err != nil {
			return cleared, err
		}
		if released {
			cleared++
		}
	}

	jobstore.RecordClearedLocks(b.config.Name, cleared)
	b.log.Info("cleared job locks", "worker_id", workerID, "count", cleared)
	return cleared, nil
}

func (b *Backend) releaseLock(ctx context.Context, key, workerID string) (bool, error) {
	released := false
	err := b.client.Watch(ctx, func(tx kv.Tx) error {
		fields, err := tx.HMGet(ctx, key, fieldLockedBy)
		if err != nil {
			return err
		}
		if fields[fieldLockedBy] != workerID {
			return nil
		}
		if err := tx.Exec(ctx, kv.Write{Key: key, Del: []string{fieldLockedBy, fieldLockedAt}}); err != nil {
			return err
		}
		released = true
		return nil
	}, key)
	if errors.Is(err, kv.ErrTxAborted) {
		return false, nil
	}
	if err != nil {
		return false, jobstore.Unavailable("release job lock failed", err)
	}
	return released, nil
}

func (b *Backend) readyProjections(ctx context.Context, workerID string, maxRunTime time.Duration) ([]projection, error) {
	keys, err := b.index.AllKeys(ctx)
	if err != nil {
		return nil, jobstore.Unavailable("list job keys failed", err)
	}
	rows, err := b.client.HMGetMulti(ctx, keys, queryFields...)
	if err != nil {
		return nil, jobstore.Unavailable("read job fields failed", err)
	}

	now := b.now()
	ready := make([]projection, 0, len(keys))
	for idx, row := range rows {
		if len(row) == 0 {
			continue
		}
		p := project(keys[idx], row)
		if p.ready(now, maxRunTime, workerID) {
			ready = append(ready, p)
		}
	}
	return ready, nil
}
