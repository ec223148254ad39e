package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

const tenMinutes = 600 * time.Second

func newMockStore(t *testing.T, cfg Config) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = time.Second
	}

	store, err := newStoreWithDB(db, cfg, logger.NewNop(), func() time.Time { return testEpoch })
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows(columns)
}

func TestNew_Validation(t *testing.T) {
	log := logger.NewNop()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{}},
		{"bad dialect", Config{URL: "postgres://localhost/jobs", Dialect: "sqlite"}},
		{"bad table", Config{URL: "postgres://localhost/jobs", Table: "jobs; DROP TABLE x"}},
		{"inverted policy", Config{URL: "postgres://localhost/jobs", Policy: jobstore.Policy{MinPriority: intPtr(5), MaxPriority: intPtr(1)}}},
		{"bad mysql dsn", Config{URL: "not a dsn", Dialect: DialectMySQL}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, log); !errors.Is(err, jobstore.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if _, err := New(Config{URL: "postgres://localhost/jobs"}, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
	store, err := New(Config{URL: "postgres://localhost/jobs"}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.config.Table != defaultTable || store.config.OperationTimeout != defaultOperationTimeout {
		t.Fatalf("expected defaults, got %+v", store.config)
	}
}

func TestDialect_MySQLReportsMatchedRows(t *testing.T) {
	d, _ := lookupDialect(DialectMySQL)
	dsn, err := d.dataSource("jobs:secret@tcp(localhost:3306)/jobs")
	if err != nil {
		t.Fatalf("dataSource: %v", err)
	}
	if !strings.Contains(dsn, "clientFoundRows=true") {
		t.Fatalf("expected clientFoundRows in %q", dsn)
	}
}

func TestDialect_Upsert(t *testing.T) {
	pg, _ := lookupDialect(DialectPostgres)
	stmt := pg.upsert("delayed_jobs")
	for _, want := range []string{"ON CONFLICT (id) DO UPDATE SET", "priority = EXCLUDED.priority", "$10"} {
		if !strings.Contains(stmt, want) {
			t.Fatalf("postgres upsert missing %q: %s", want, stmt)
		}
	}
	if strings.Contains(stmt, "id = EXCLUDED.id") {
		t.Fatalf("postgres upsert must not rewrite the key: %s", stmt)
	}

	my, _ := lookupDialect(DialectMySQL)
	stmt = my.upsert("delayed_jobs")
	if !strings.Contains(stmt, "ON DUPLICATE KEY UPDATE") || !strings.Contains(stmt, "locked_by = VALUES(locked_by)") {
		t.Fatalf("unexpected mysql upsert: %s", stmt)
	}
	if strings.Contains(stmt, "$") {
		t.Fatalf("mysql upsert must use anonymous placeholders: %s", stmt)
	}
}

func TestStore_ConnectCreatesTable(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectPing()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS delayed_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_SaveMaterializesRunAt(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO delayed_jobs (id, priority, run_at")).
		WithArgs("job-1", 3, testEpoch.Unix(), "mail", nil, nil, nil, nil, 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := jobstore.NewRecord(jobstore.WithID("job-1"), jobstore.WithPriority(3), jobstore.WithQueue("mail"))
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.RunAt == nil || !rec.RunAt.Equal(testEpoch) {
		t.Fatalf("expected run_at materialized to now, got %v", rec.RunAt)
	}
	expectationsMet(t, mock)
}

func TestStore_SaveRejectsInvalidRecord(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	rec := jobstore.NewRecord(jobstore.WithAttempts(-1))
	if err := store.Save(context.Background(), rec); !errors.Is(err, jobstore.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_FindDecodesNullColumns(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, priority, run_at, queue, payload, failed_at, locked_at, locked_by, attempts, last_error FROM delayed_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRows().AddRow("job-1", int64(2), int64(0), nil, []byte("work"), nil, nil, nil, int64(1), "boom"))

	rec, err := store.Find(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if rec.RunAt == nil || rec.RunAt.Unix() != 0 {
		t.Fatalf("expected run_at at the epoch, got %v", rec.RunAt)
	}
	if rec.Queue != "" || rec.LockedAt != nil || rec.LockedBy != "" || rec.FailedAt != nil {
		t.Fatalf("expected absent optional fields, got %+v", rec)
	}
	if string(rec.Payload) != "work" || rec.Attempts != 1 || rec.LastError != "boom" || rec.Priority != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	expectationsMet(t, mock)
}

func TestStore_FindMissingIsNotFound(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectQuery("SELECT .* FROM delayed_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(jobRows())

	if _, err := store.Find(context.Background(), "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Find(context.Background(), "  "); !errors.Is(err, jobstore.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_CountAndDeleteAll(t *testing.T) {
	store, mock := newMockStore(t, Config{Table: "jobs"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs")).
		WillReturnResult(sqlmock.NewResult(0, 4))

	count, err := store.Count(context.Background())
	if err != nil || count != 4 {
		t.Fatalf("Count: count=%d err=%v", count, err)
	}
	if err := store.DeleteAll(context.Background()); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_LockExclusivelyAcquires(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	now := testEpoch.Unix()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE delayed_jobs SET locked_at = $1, locked_by = $2 WHERE id = $3 AND failed_at IS NULL AND (run_at IS NULL OR run_at <= $4) AND (locked_at IS NULL OR locked_at < $5 OR locked_by = $6)")).
		WithArgs(now, "w1", "job-1", now, now-600, "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, priority, run_at, queue, payload, failed_at, locked_at, locked_by, attempts, last_error FROM delayed_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRows().AddRow("job-1", int64(0), now-5, nil, nil, nil, now, "w1", int64(0), nil))

	rec := jobstore.NewRecord(jobstore.WithID("job-1"), jobstore.WithRunAt(testEpoch.Add(-5*time.Second)))
	ok, err := store.LockExclusively(context.Background(), rec, tenMinutes, "w1")
	if err != nil || !ok {
		t.Fatalf("LockExclusively: ok=%v err=%v", ok, err)
	}
	if rec.LockedBy != "w1" || rec.LockedAt == nil || !rec.LockedAt.Equal(testEpoch) {
		t.Fatalf("expected in-memory lock, got %+v", rec)
	}
	expectationsMet(t, mock)
}

func TestStore_LockExclusivelyKeepsRivalWritesOverStaleSnapshot(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	now := testEpoch.Unix()
	// The row was retried by another worker after the snapshot was read.
	mock.ExpectExec("UPDATE delayed_jobs SET locked_at .* WHERE id = \\$3 AND failed_at IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM delayed_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows().AddRow("job-1", int64(0), now-5, nil, []byte("payload"), nil, now, "w1", int64(2), "smtp timeout"))

	snapshot := jobstore.NewRecord(jobstore.WithID("job-1"), jobstore.WithRunAt(testEpoch.Add(-time.Hour)))
	ok, err := store.LockExclusively(context.Background(), snapshot, tenMinutes, "w1")
	if err != nil || !ok {
		t.Fatalf("LockExclusively: ok=%v err=%v", ok, err)
	}
	if snapshot.Attempts != 2 || snapshot.LastError != "smtp timeout" || string(snapshot.Payload) != "payload" {
		t.Fatalf("expected stored attempt history, got %+v", snapshot)
	}
	expectationsMet(t, mock)
}

func TestStore_LockExclusivelyRefusesFailedJob(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND failed_at IS NULL")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	snapshot := jobstore.NewRecord(jobstore.WithID("job-1"))
	ok, err := store.LockExclusively(context.Background(), snapshot, tenMinutes, "w1")
	if err != nil || ok {
		t.Fatalf("expected failed job refused, ok=%v err=%v", ok, err)
	}
	if snapshot.Locked() {
		t.Fatalf("expected snapshot untouched, got %+v", snapshot)
	}
	expectationsMet(t, mock)
}

func TestStore_LockExclusivelyLosesWithoutAffectedRow(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectExec("UPDATE delayed_jobs SET locked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := jobstore.NewRecord(jobstore.WithID("job-1"))
	ok, err := store.LockExclusively(context.Background(), rec, tenMinutes, "w2")
	if err != nil || ok {
		t.Fatalf("expected lost race, ok=%v err=%v", ok, err)
	}
	if rec.Locked() {
		t.Fatalf("expected record untouched, got %+v", rec)
	}
	expectationsMet(t, mock)
}

func TestStore_LockExclusivelyErrors(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectExec("UPDATE delayed_jobs SET locked_at").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE delayed_jobs SET locked_at").
		WillReturnError(errors.New("connection reset"))

	rec := jobstore.NewRecord(jobstore.WithID("job-1"))
	if _, err := store.LockExclusively(context.Background(), rec, tenMinutes, "w1"); !errors.Is(err, jobstore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.LockExclusively(context.Background(), rec, tenMinutes, "w1"); !errors.Is(err, jobstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.LockExclusively(context.Background(), jobstore.NewRecord(), tenMinutes, "w1"); !errors.Is(err, jobstore.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_FindAvailableAppliesPolicyAndOrder(t *testing.T) {
	store, mock := newMockStore(t, Config{
		Policy: jobstore.Policy{MinPriority: intPtr(1), MaxPriority: intPtr(5), Queues: []string{"mail", "sms"}},
	})
	now := testEpoch.Unix()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE failed_at IS NULL AND (run_at IS NULL OR run_at <= $1) AND (locked_at IS NULL OR locked_at < $2 OR locked_by = $3) AND priority >= $4 AND priority <= $5 AND queue IN ($6, $7) ORDER BY priority ASC, run_at ASC, id ASC LIMIT 5")).
		WithArgs(now, now-600, "w1", 1, 5, "mail", "sms").
		WillReturnRows(jobRows().
			AddRow("A", int64(1), now-10, "mail", nil, nil, nil, nil, int64(0), nil).
			AddRow("B", int64(5), now-5, "sms", nil, nil, nil, nil, int64(0), nil))

	records, err := store.FindAvailable(context.Background(), "w1", 0, tenMinutes)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if len(records) != 2 || records[0].ID != "A" || records[1].ID != "B" {
		t.Fatalf("expected [A B], got %+v", records)
	}
	expectationsMet(t, mock)
}

func TestStore_FindAvailableMySQLPlaceholders(t *testing.T) {
	store, mock := newMockStore(t, Config{Dialect: DialectMySQL})
	now := testEpoch.Unix()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE failed_at IS NULL AND (run_at IS NULL OR run_at <= ?) AND (locked_at IS NULL OR locked_at < ? OR locked_by = ?) ORDER BY priority ASC, run_at ASC, id ASC LIMIT 2")).
		WithArgs(now, now-600, "w1").
		WillReturnRows(jobRows())

	records, err := store.FindAvailable(context.Background(), "w1", 2, tenMinutes)
	if err != nil || len(records) != 0 {
		t.Fatalf("FindAvailable: records=%v err=%v", records, err)
	}
	if _, err := store.FindAvailable(context.Background(), "", 2, tenMinutes); !errors.Is(err, jobstore.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStore_ClearLocks(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta("UPDATE delayed_jobs SET locked_at = NULL, locked_by = NULL WHERE locked_by = $1")).
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	cleared, err := store.ClearLocks(context.Background(), "w1")
	if err != nil || cleared != 3 {
		t.Fatalf("ClearLocks: cleared=%d err=%v", cleared, err)
	}
	expectationsMet(t, mock)
}

func TestStore_DisconnectAndClose(t *testing.T) {
	store, mock := newMockStore(t, Config{})
	mock.ExpectClose()

	if err := store.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := store.Count(context.Background()); !errors.Is(err, jobstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after disconnect, got %v", err)
	}
	if err := store.Connect(context.Background()); !errors.Is(err, jobstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable reopening a wrapped handle, got %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.Count(context.Background()); !errors.Is(err, jobstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRowValues_AbsentFieldsAreNull(t *testing.T) {
	values := rowValues(&jobstore.Record{ID: "job-1"})
	for idx, column := range columns {
		switch column {
		case "id", "priority", "attempts":
			continue
		}
		if v, ok := values[idx].(driver.Valuer); ok {
			if got, _ := v.Value(); got != nil {
				t.Fatalf("expected %s NULL, got %v", column, got)
			}
			continue
		}
		if values[idx] != nil {
			t.Fatalf("expected %s NULL, got %v", column, values[idx])
		}
	}
	if _, ok := values[2].(sql.NullInt64); !ok {
		t.Fatalf("expected run_at bound as NullInt64, got %T", values[2])
	}
}

func intPtr(v int) *int {
	return &v
}
