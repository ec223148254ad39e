package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nimburion/jobstore/pkg/config"
	"github.com/nimburion/jobstore/pkg/health"
	"github.com/nimburion/jobstore/pkg/jobstore"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"

	redacted = "[redacted]"
)

type jobView struct {
	ID        string     `json:"id" yaml:"id"`
	Priority  int        `json:"priority" yaml:"priority"`
	RunAt     *time.Time `json:"run_at,omitempty" yaml:"run_at,omitempty"`
	Queue     string     `json:"queue,omitempty" yaml:"queue,omitempty"`
	Payload   string     `json:"payload,omitempty" yaml:"payload,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty" yaml:"failed_at,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty" yaml:"locked_at,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty" yaml:"locked_by,omitempty"`
	Attempts  int        `json:"attempts" yaml:"attempts"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func newJobView(rec *jobstore.Record) jobView {
	return jobView{
		ID:        rec.ID,
		Priority:  rec.Priority,
		RunAt:     rec.RunAt,
		Queue:     rec.Queue,
		Payload:   string(rec.Payload),
		FailedAt:  rec.FailedAt,
		LockedAt:  rec.LockedAt,
		LockedBy:  rec.LockedBy,
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
	}
}

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (supported: %s, %s, %s)", format, formatText, formatJSON, formatYAML)
	}
}

// render writes value as json or yaml, or calls text for the text format.
func render(out io.Writer, format string, value any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case formatYAML:
		data, err := yaml.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = out.Write(data)
		return err
	case formatText:
		if text == nil {
			return fmt.Errorf("output format %q is not supported here", format)
		}
		return text(out)
	}
	return validateFormat(format)
}

func renderJobs(out io.Writer, format string, records []*jobstore.Record) error {
	views := make([]jobView, 0, len(records))
	for _, rec := range records {
		views = append(views, newJobView(rec))
	}
	return render(out, format, views, func(w io.Writer) error {
		if len(views) == 0 {
			_, err := fmt.Fprintln(w, "no jobs")
			return err
		}
		for _, view := range views {
			if _, err := fmt.Fprintln(w, jobLine(view)); err != nil {
				return err
			}
		}
		return nil
	})
}

func jobLine(view jobView) string {
	parts := []string{view.ID, fmt.Sprintf("priority=%d", view.Priority)}
	if view.RunAt != nil {
		parts = append(parts, "run_at="+view.RunAt.UTC().Format(time.RFC3339))
	}
	if view.Queue != "" {
		parts = append(parts, "queue="+view.Queue)
	}
	if view.LockedBy != "" {
		parts = append(parts, fmt.Sprintf("locked_by=%q", view.LockedBy))
	}
	if view.FailedAt != nil {
		parts = append(parts, "failed")
	}
	parts = append(parts, fmt.Sprintf("attempts=%d", view.Attempts))
	return strings.Join(parts, " ")
}

func renderHealth(out io.Writer, format string, result health.AggregatedResult) error {
	return render(out, format, result, func(w io.Writer) error {
		for _, check := range result.Checks {
			line := fmt.Sprintf("%s: %s", check.Name, check.Status)
			switch {
			case check.Error != "":
				line += " (" + check.Error + ")"
			case check.Message != "":
				line += " (" + check.Message + ")"
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "overall: %s\n", result.Status)
		return err
	})
}

// settingsOf mirrors the configuration keys accepted by the loader.
func settingsOf(cfg *config.Config) map[string]any {
	store := map[string]any{
		"backend":      cfg.Store.Backend,
		"prefix":       cfg.Store.Prefix,
		"max_run_time": cfg.Store.MaxRunTime.String(),
		"read_ahead":   cfg.Store.ReadAhead,
		"queues":       cfg.Store.Queues,
		"index_ttl":    cfg.Store.IndexTTL.String(),
		"redis": map[string]any{
			"url":               redact(cfg.Store.Redis.URL),
			"operation_timeout": cfg.Store.Redis.OperationTimeout.String(),
			"max_conns":         cfg.Store.Redis.MaxConns,
		},
		"sql": map[string]any{
			"url":               redact(cfg.Store.SQL.URL),
			"table":             cfg.Store.SQL.Table,
			"operation_timeout": cfg.Store.SQL.OperationTimeout.String(),
		},
	}
	if cfg.Store.MinPriority != nil {
		store["min_priority"] = *cfg.Store.MinPriority
	}
	if cfg.Store.MaxPriority != nil {
		store["max_priority"] = *cfg.Store.MaxPriority
	}

	return map[string]any{
		"store":  store,
		"worker": map[string]any{"name": cfg.Worker.Name},
		"observability": map[string]any{
			"log_level":  cfg.Observability.LogLevel,
			"log_format": cfg.Observability.LogFormat,
			"tracing": map[string]any{
				"enabled":      cfg.Observability.Tracing.Enabled,
				"service_name": cfg.Observability.Tracing.ServiceName,
				"endpoint":     cfg.Observability.Tracing.Endpoint,
				"sample_rate":  cfg.Observability.Tracing.SampleRate,
				"insecure":     cfg.Observability.Tracing.Insecure,
			},
		},
	}
}

func redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return redacted
}
