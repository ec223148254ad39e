// Package jobstore defines durable job records and the capability every
// storage engine implements so that independent workers can claim jobs
// without processing any of them twice.
package jobstore

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one unit of deferred work plus its scheduling metadata.
//
// Nil timestamps and empty strings mean the field is absent. A stored record
// always has a RunAt: Save materializes it to the current time when absent.
type Record struct {
	ID        string
	Priority  int
	RunAt     *time.Time
	Queue     string
	Payload   []byte
	FailedAt  *time.Time
	LockedAt  *time.Time
	LockedBy  string
	Attempts  int
	LastError string
}

// NewRecord builds an unsaved record. The identifier is assigned lazily by EnsureID.
func NewRecord(opts ...Option) *Record {
	rec := &Record{}
	rec.Apply(opts...)
	return rec
}

// Apply sets the given attributes on the record.
func (r *Record) Apply(opts ...Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
}

// EnsureID returns the record identifier, generating a random one on first use.
func (r *Record) EnsureID() string {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	return r.ID
}

// Validate checks the fields a backend relies on before writing.
func (r *Record) Validate() error {
	if r == nil {
		return Error(ErrValidation, "record is nil")
	}
	if r.ID != "" && strings.TrimSpace(r.ID) != r.ID {
		return Error(ErrValidation, "record id must not have surrounding whitespace")
	}
	if r.Attempts < 0 {
		return Error(ErrValidation, "record attempts must be >= 0")
	}
	if r.LockedBy != "" && r.LockedAt == nil {
		return Error(ErrValidation, "record locked_by requires locked_at")
	}
	return nil
}

// Locked reports whether the record carries a claim.
func (r *Record) Locked() bool {
	return r.LockedAt != nil
}

// Failed reports whether the record failed permanently.
func (r *Record) Failed() bool {
	return r.FailedAt != nil
}

// Due reports whether the record may run at now. An absent RunAt is due.
func (r *Record) Due(now time.Time) bool {
	return r.RunAt == nil || !r.RunAt.After(now)
}

// SameJob reports whether both records name the same stored job.
func (r *Record) SameJob(other *Record) bool {
	if r == nil || other == nil {
		return false
	}
	return r.ID != "" && r.ID == other.ID
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.RunAt = cloneTime(r.RunAt)
	out.FailedAt = cloneTime(r.FailedAt)
	out.LockedAt = cloneTime(r.LockedAt)
	if r.Payload != nil {
		out.Payload = bytes.Clone(r.Payload)
	}
	return &out
}

// Lock records a claim by workerID at now.
func (r *Record) Lock(workerID string, now time.Time) {
	r.LockedAt = Timestamp(now)
	r.LockedBy = workerID
}

// Unlock drops the claim. The change is persisted by the next Save.
func (r *Record) Unlock() {
	r.LockedAt = nil
	r.LockedBy = ""
}

// RecordAttempt counts one execution attempt and keeps its error message, if any.
func (r *Record) RecordAttempt(err error) {
	r.Attempts++
	if err != nil {
		r.LastError = err.Error()
	}
}

// MarkFailed marks the record as permanently failed. It is never eligible again.
func (r *Record) MarkFailed(now time.Time, err error) {
	r.FailedAt = Timestamp(now)
	if err != nil {
		r.LastError = err.Error()
	}
}

// Normalize truncates timestamps to whole seconds in UTC, the resolution every backend stores.
func (r *Record) Normalize() {
	r.RunAt = normalizeTime(r.RunAt)
	r.FailedAt = normalizeTime(r.FailedAt)
	r.LockedAt = normalizeTime(r.LockedAt)
}

// Timestamp returns t truncated to whole seconds in UTC.
func Timestamp(t time.Time) *time.Time {
	ts := t.Truncate(time.Second).UTC()
	return &ts
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return Timestamp(*t)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
