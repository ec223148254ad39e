package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/observability/tracing"
)

// claimableClause matches rows workerID may claim at now: unlocked, locked
// before now-maxRunTime, or already locked by workerID.
func claimableClause(q *query, now time.Time, maxRunTime time.Duration, workerID string) string {
	return fmt.Sprintf("(locked_at IS NULL OR locked_at < %s OR locked_by = %s)",
		q.bind(now.Add(-maxRunTime).Unix()), q.bind(workerID))
}

func dueClause(q *query, now time.Time) string {
	return fmt.Sprintf("(run_at IS NULL OR run_at <= %s)", q.bind(now.Unix()))
}

func policyClauses(q *query, policy jobstore.Policy) []string {
	var clauses []string
	if policy.MinPriority != nil {
		clauses = append(clauses, "priority >= "+q.bind(*policy.MinPriority))
	}
	if policy.MaxPriority != nil {
		clauses = append(clauses, "priority <= "+q.bind(*policy.MaxPriority))
	}
	if len(policy.Queues) > 0 {
		placeholders := make([]string, len(policy.Queues))
		for idx, queue := range policy.Queues {
			placeholders[idx] = q.bind(queue)
		}
		clauses = append(clauses, fmt.Sprintf("queue IN (%s)", strings.Join(placeholders, ", ")))
	}
	return clauses
}

// FindAvailable selects up to limit due, unfailed, claimable jobs allowed by
// the configured policy, ordered by priority then run_at.
func (s *Store) FindAvailable(ctx context.Context, workerID string, limit int, maxRunTime time.Duration) (records []*jobstore.Record, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := jobstore.ValidateClaim(workerID, maxRunTime); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = jobstore.DefaultReadAhead
	}

	ctx, span := tracing.StartStoreSpan(ctx, "find_available",
		tracing.WithBackend(s.dialect.name), tracing.WithWorker(workerID))
	defer func() { tracing.End(span, err) }()

	now := s.now()
	q := &query{dialect: s.dialect}
	conditions := []string{
		"failed_at IS NULL",
		dueClause(q, now),
		claimableClause(q, now, maxRunTime, workerID),
	}
	conditions = append(conditions, policyClauses(q, s.config.Policy)...)
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY priority ASC, run_at ASC, id ASC LIMIT %d",
		strings.Join(columns, ", "), s.config.Table, strings.Join(conditions, " AND "), limit)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	rows, err := db.QueryContext(opCtx, stmt, q.args...)
	if err != nil {
		return nil, jobstore.Unavailable("query available jobs failed", err)
	}
	defer rows.Close()

	records = make([]*jobstore.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, jobstore.Unavailable("scan job failed", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, jobstore.Unavailable("iterate available jobs failed", err)
	}
	jobstore.RecordAvailable(s.dialect.name, len(records))
	return records, nil
}

// LockExclusively claims rec for workerID with one conditional UPDATE. The row
// changes only when the job is unfailed, due and claimable, so among racing
// workers at most one sees an affected row. Losing is reported as (false, nil)
// and leaves rec untouched. On success rec is replaced by the stored row, so a
// stale snapshot never overwrites what other workers wrote.
func (s *Store) LockExclusively(ctx context.Context, rec *jobstore.Record, maxRunTime time.Duration, workerID string) (locked bool, err error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	if err := jobstore.ValidateClaim(workerID, maxRunTime); err != nil {
		return false, err
	}
	if rec == nil || rec.ID == "" {
		return false, jobstore.Error(jobstore.ErrInvalidArgument, "saved record is required")
	}

	ctx, span := tracing.StartStoreSpan(ctx, "lock_exclusively",
		tracing.WithBackend(s.dialect.name), tracing.WithWorker(workerID), tracing.WithJobID(rec.ID))
	defer func() {
		jobstore.RecordLockAttempt(s.dialect.name, locked, err)
		tracing.End(span, err)
	}()

	now := s.now()
	q := &query{dialect: s.dialect}
	stmt := fmt.Sprintf("UPDATE %s SET locked_at = %s, locked_by = %s WHERE id = %s AND failed_at IS NULL AND %s AND %s",
		s.config.Table, q.bind(now.Unix()), q.bind(workerID), q.bind(rec.ID),
		dueClause(q, now), claimableClause(q, now, maxRunTime, workerID))

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := db.ExecContext(opCtx, stmt, q.args...)
	if err != nil {
		return false, jobstore.Unavailable("lock job failed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, jobstore.Unavailable("lock job failed", err)
	}
	switch {
	case affected == 0:
		s.log.Debug("lock race lost", "job_id", rec.ID, "worker_id", workerID)
		return false, nil
	case affected > 1:
		s.log.Warn("lock touched more than one job", "job_id", rec.ID, "worker_id", workerID, "affected", affected)
		return false, jobstore.Error(jobstore.ErrConflict, fmt.Sprintf("lock on job %s affected %d rows", rec.ID, affected))
	}

	claimed, err := s.Find(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	*rec = *claimed
	return true, nil
}

// ClearLocks releases every job locked by workerID.
func (s *Store) ClearLocks(ctx context.Context, workerID string) (cleared int, err error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if workerID == "" {
		return 0, jobstore.Error(jobstore.ErrInvalidArgument, "worker id is required")
	}

	ctx, span := tracing.StartStoreSpan(ctx, "clear_locks",
		tracing.WithBackend(s.dialect.name), tracing.WithWorker(workerID))
	defer func() { tracing.End(span, err) }()

	q := &query{dialect: s.dialect}
	stmt := fmt.Sprintf("UPDATE %s SET locked_at = NULL, locked_by = NULL WHERE locked_by = %s",
		s.config.Table, q.bind(workerID))

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := db.ExecContext(opCtx, stmt, q.args...)
	if err != nil {
		return 0, jobstore.Unavailable("clear job locks failed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, jobstore.Unavailable("clear job locks failed", err)
	}

	cleared = int(affected)
	jobstore.RecordClearedLocks(s.dialect.name, cleared)
	s.log.Info("cleared job locks", "worker_id", workerID, "count", cleared)
	return cleared, nil
}
