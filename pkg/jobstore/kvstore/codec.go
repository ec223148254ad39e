package kvstore

import (
	"strconv"
	"time"

	"github.com/nimburion/jobstore/pkg/jobstore"
)

const (
	fieldID        = "id"
	fieldPriority  = "priority"
	fieldRunAt     = "run_at"
	fieldQueue     = "queue"
	fieldPayload   = "payload"
	fieldFailedAt  = "failed_at"
	fieldLockedAt  = "locked_at"
	fieldLockedBy  = "locked_by"
	fieldAttempts  = "attempts"
	fieldLastError = "last_error"
)

// recordFields is every persisted field of a job hash.
var recordFields = []string{
	fieldID, fieldPriority, fieldRunAt, fieldQueue, fieldPayload,
	fieldFailedAt, fieldLockedAt, fieldLockedBy, fieldAttempts, fieldLastError,
}

// queryFields is the projection the query engine reads for every indexed key.
var queryFields = []string{fieldPriority, fieldRunAt, fieldQueue, fieldFailedAt, fieldLockedAt, fieldLockedBy}

// encodeRecord splits rec into the fields to write and the optional fields to
// remove because they are absent. rec.RunAt must already be materialized.
// An empty payload is stored as absent and decodes as nil.
func encodeRecord(rec *jobstore.Record) (map[string]string, []string) {
	set := map[string]string{
		fieldID:       rec.ID,
		fieldPriority: strconv.Itoa(rec.Priority),
		fieldAttempts: strconv.Itoa(rec.Attempts),
	}
	var del []string

	putTime := func(field string, t *time.Time) {
		if t == nil {
			del = append(del, field)
			return
		}
		set[field] = encodeTime(*t)
	}
	putString := func(field, value string) {
		if value == "" {
			del = append(del, field)
			return
		}
		set[field] = value
	}

	putTime(fieldRunAt, rec.RunAt)
	putTime(fieldFailedAt, rec.FailedAt)
	putTime(fieldLockedAt, rec.LockedAt)
	putString(fieldQueue, rec.Queue)
	putString(fieldPayload, string(rec.Payload))
	putString(fieldLockedBy, rec.LockedBy)
	putString(fieldLastError, rec.LastError)
	return set, del
}

// decodeRecord rebuilds a record from stored fields. Missing or malformed
// values decode as absent; it never fails.
func decodeRecord(id string, fields map[string]string) *jobstore.Record {
	rec := &jobstore.Record{
		ID:        id,
		Priority:  decodeInt(fields[fieldPriority]),
		RunAt:     decodeTime(fields[fieldRunAt]),
		Queue:     fields[fieldQueue],
		FailedAt:  decodeTime(fields[fieldFailedAt]),
		LockedAt:  decodeTime(fields[fieldLockedAt]),
		LockedBy:  fields[fieldLockedBy],
		Attempts:  decodeInt(fields[fieldAttempts]),
		LastError: fields[fieldLastError],
	}
	if stored := fields[fieldID]; stored != "" {
		rec.ID = stored
	}
	if payload, ok := fields[fieldPayload]; ok && payload != "" {
		rec.Payload = []byte(payload)
	}
	return rec
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// decodeTime treats an empty value as absent. "0" is a real timestamp (the epoch).
func decodeTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func decodeInt(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
