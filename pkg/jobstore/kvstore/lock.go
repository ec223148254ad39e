package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/observability/tracing"
)

// LockExclusively claims rec for workerID.
//
// The job key is watched, its lock fields are read and the claim condition is
// evaluated: the job must not have failed, must be due and either unlocked,
// locked longer than maxRunTime ago, or already locked by workerID (which only
// refreshes locked_at). The new lock is written in a transaction that commits
// only if the key did not change since the watch, so of several workers racing
// for the same job at most one wins. Losing is reported as (false, nil) and
// leaves rec untouched. On success rec is replaced by the stored job as read
// inside the transaction, with the new lock applied.
func (b *Backend) LockExclusively(ctx context.Context, rec *jobstore.Record, maxRunTime time.Duration, workerID string) (locked bool, err error) {
	if err := b.ensureOpen(); err != nil {
		return false, err
	}
	if err := jobstore.ValidateClaim(workerID, maxRunTime); err != nil {
		return false, err
	}
	if rec == nil || rec.ID == "" {
		return false, jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}

	ctx, span := tracing.StartStoreSpan(ctx, "lock_exclusively",
		tracing.WithBackend(b.config.Name), tracing.WithWorker(workerID), tracing.WithJobID(rec.ID))
	defer func() {
		jobstore.RecordLockAttempt(b.config.Name, locked, err)
		tracing.End(span, err)
	}()

	key := b.index.Key(rec.ID)
	indexed, err := b.index.Contains(ctx, key)
	if err != nil {
		return false, jobstore.Unavailable("check job index failed", err)
	}
	if !indexed {
		b.log.Debug("lock skipped, job not indexed", "job_id", rec.ID, "worker_id", workerID)
		return false, nil
	}

	now := b.now()
	claimed, err := b.claim(ctx, key, rec.ID, now, maxRunTime, workerID)
	if errors.Is(err, kv.ErrTxAborted) {
		b.log.Debug("lock race lost", "job_id", rec.ID, "worker_id", workerID)
		return false, nil
	}
	if err != nil {
		return false, jobstore.Unavailable("lock job failed", err)
	}
	if claimed == nil {
		b.log.Debug("job not claimable", "job_id", rec.ID, "worker_id", workerID)
		return false, nil
	}

	*rec = *claimed
	return true, nil
}

// claim runs the watched transaction. It returns the job as stored, with the
// lock it wrote applied, or nil when the job could not be claimed.
func (b *Backend) claim(ctx context.Context, key, id string, now time.Time, maxRunTime time.Duration, workerID string) (*jobstore.Record, error) {
	var claimed *jobstore.Record
	err := b.client.Watch(ctx, func(tx kv.Tx) error {
		claimed = nil
		fields, err := tx.HMGet(ctx, key, recordFields...)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		if fields[fieldFailedAt] != "" {
			return nil
		}

		lockedAt := decodeTime(fields[fieldLockedAt])
		lockedBy := fields[fieldLockedBy]
		if runAt := decodeTime(fields[fieldRunAt]); runAt != nil && runAt.After(now) {
			return nil
		}
		if !jobstore.Claimable(lockedAt, lockedBy, now, maxRunTime, workerID) {
			return nil
		}

		write := kv.Write{Key: key, Set: map[string]string{fieldLockedAt: encodeTime(now)}}
		if lockedAt == nil || lockedBy != workerID {
			write.Set[fieldLockedBy] = workerID
		}
		if err := tx.Exec(ctx, write); err != nil {
			return err
		}
		claimed = decodeRecord(id, fields)
		claimed.Lock(workerID, now)
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
