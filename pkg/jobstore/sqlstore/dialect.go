package sqlstore

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// columns is the persisted layout, in scan order.
var columns = []string{
	"id", "priority", "run_at", "queue", "payload",
	"failed_at", "locked_at", "locked_by", "attempts", "last_error",
}

type dialect struct {
	name        string
	driver      string
	payloadType string
	// positional reports whether placeholders are numbered ($1) rather than anonymous (?).
	positional bool
}

var dialects = map[string]dialect{
	DialectPostgres: {name: DialectPostgres, driver: "postgres", payloadType: "BYTEA", positional: true},
	DialectMySQL:    {name: DialectMySQL, driver: "mysql", payloadType: "LONGBLOB"},
}

func lookupDialect(name string) (dialect, bool) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

func (d dialect) placeholder(n int) string {
	if d.positional {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d dialect) createTable(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	priority INTEGER NOT NULL DEFAULT 0,
	run_at BIGINT NULL,
	queue VARCHAR(255) NULL,
	payload %s NULL,
	failed_at BIGINT NULL,
	locked_at BIGINT NULL,
	locked_by VARCHAR(255) NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NULL
)`, table, d.payloadType)
}

// upsert returns the statement that inserts a job or overwrites every column of an existing one.
func (d dialect) upsert(table string) string {
	placeholders := make([]string, len(columns))
	for idx := range columns {
		placeholders[idx] = d.placeholder(idx + 1)
	}
	assignments := make([]string, 0, len(columns)-1)
	for _, column := range columns[1:] {
		if d.name == DialectMySQL {
			assignments = append(assignments, fmt.Sprintf("%s = VALUES(%s)", column, column))
		} else {
			assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
		}
	}

	conflict := "ON CONFLICT (id) DO UPDATE SET"
	if d.name == DialectMySQL {
		conflict = "ON DUPLICATE KEY UPDATE"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "),
		conflict, strings.Join(assignments, ", "))
}

// dataSource adapts the configured URL for the driver. MySQL reports changed
// rows by default, so a lock refresh within the same second would look like a
// lost race; clientFoundRows makes it report matched rows like Postgres.
func (d dialect) dataSource(url string) (string, error) {
	if d.name != DialectMySQL {
		return url, nil
	}
	cfg, err := mysql.ParseDSN(url)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = false
	return cfg.FormatDSN(), nil
}

// query accumulates bind arguments and renders the matching placeholders.
type query struct {
	dialect dialect
	args    []any
}

func (q *query) bind(value any) string {
	q.args = append(q.args, value)
	return q.dialect.placeholder(len(q.args))
}
