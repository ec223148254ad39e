package sqlstore

import (
	"database/sql"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// rowValues returns rec's column values in the order of columns.
func rowValues(rec *jobstore.Record) []any {
	return []any{
		rec.ID,
		rec.Priority,
		epoch(rec.RunAt),
		nullString(rec.Queue),
		nullBytes(rec.Payload),
		epoch(rec.FailedAt),
		epoch(rec.LockedAt),
		nullString(rec.LockedBy),
		rec.Attempts,
		nullString(rec.LastError),
	}
}

func scanRecord(row rowScanner) (*jobstore.Record, error) {
	var (
		rec                        jobstore.Record
		runAt, failedAt, lockedAt  sql.NullInt64
		queue, lockedBy, lastError sql.NullString
		payload                    []byte
	)
	err := row.Scan(&rec.ID, &rec.Priority, &runAt, &queue, &payload,
		&failedAt, &lockedAt, &lockedBy, &rec.Attempts, &lastError)
	if err != nil {
		return nil, err
	}
	rec.RunAt = fromEpoch(runAt)
	rec.Queue = queue.String
	if len(payload) > 0 {
		rec.Payload = payload
	}
	rec.FailedAt = fromEpoch(failedAt)
	rec.LockedAt = fromEpoch(lockedAt)
	rec.LockedBy = lockedBy.String
	rec.LastError = lastError.String
	return &rec, nil
}

func epoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
