package jobstore

import (
	"bytes"
	"time"
)

// Option sets one attribute of a Record. Options are used by NewRecord,
// Backend.Create and Backend.Update.
type Option func(*Record)

func WithID(id string) Option {
	return func(r *Record) { r.ID = id }
}

func WithPriority(priority int) Option {
	return func(r *Record) { r.Priority = priority }
}

// WithRunAt schedules the job. The zero time clears run_at so Save materializes it to now.
func WithRunAt(at time.Time) Option {
	return func(r *Record) { r.RunAt = optionalTime(at) }
}

func WithQueue(queue string) Option {
	return func(r *Record) { r.Queue = queue }
}

func WithPayload(payload []byte) Option {
	return func(r *Record) { r.Payload = bytes.Clone(payload) }
}

func WithAttempts(attempts int) Option {
	return func(r *Record) { r.Attempts = attempts }
}

func WithLastError(message string) Option {
	return func(r *Record) { r.LastError = message }
}

// WithFailedAt sets failed_at. The zero time clears it.
func WithFailedAt(at time.Time) Option {
	return func(r *Record) { r.FailedAt = optionalTime(at) }
}

// WithLockedAt sets locked_at. The zero time clears it.
func WithLockedAt(at time.Time) Option {
	return func(r *Record) { r.LockedAt = optionalTime(at) }
}

func WithLockedBy(workerID string) Option {
	return func(r *Record) { r.LockedBy = workerID }
}

func optionalTime(at time.Time) *time.Time {
	if at.IsZero() {
		return nil
	}
	return Timestamp(at)
}
