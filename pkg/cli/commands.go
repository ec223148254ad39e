package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobstore/pkg/config"
	"github.com/nimburion/jobstore/pkg/health"
	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/jobstore/kvstore"
	"github.com/nimburion/jobstore/pkg/observability/logger"
	"github.com/spf13/cobra"
)

const healthcheckTimeout = 5 * time.Second

type withBackendFunc func(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error

// indexedBackend is implemented by key-value backends that cache their key set.
type indexedBackend interface {
	Index() *kvstore.KeyIndex
}

func newConfigCommand(loadConfig func() (*config.Config, logger.Logger, error)) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, settingsOf(cfg), nil)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatYAML, "output format: yaml|json")
	return cmd
}

func newCountCommand(withBackend withBackendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				count, err := rt.backend.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), count)
				return nil
			})
		},
	}
}

func newAvailableCommand(withBackend withBackendFunc) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List jobs the worker could claim now, in claim order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				n := limit
				if n <= 0 {
					n = rt.cfg.Store.ReadAhead
				}
				records, err := rt.backend.FindAvailable(ctx, rt.worker, n, rt.cfg.Store.MaxRunTime)
				if err != nil {
					return err
				}
				return renderJobs(cmd.OutOrStdout(), format, records)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (defaults to store.read_ahead)")
	cmd.Flags().StringVarP(&format, "output", "o", formatText, "output format: text|json|yaml")
	return cmd
}

func newShowCommand(withBackend withBackendFunc) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <id|key>",
		Short: "Print a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.backend.Find(ctx, args[0])
				if err != nil {
					return err
				}
				return renderJobs(cmd.OutOrStdout(), format, []*jobstore.Record{rec})
			})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatYAML, "output format: text|json|yaml")
	return cmd
}

func newEnqueueCommand(withBackend withBackendFunc) *cobra.Command {
	var (
		id       string
		payload  string
		priority int
		queue    string
		runAt    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Store a new job and print its identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseRunAt(runAt, time.Now())
			if err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				opts := []jobstore.Option{
					jobstore.WithPriority(priority),
					jobstore.WithQueue(strings.TrimSpace(queue)),
				}
				if id != "" {
					opts = append(opts, jobstore.WithID(id))
				}
				if payload != "" {
					opts = append(opts, jobstore.WithPayload([]byte(payload)))
				}
				if !at.IsZero() {
					opts = append(opts, jobstore.WithRunAt(at))
				}
				rec, err := rt.backend.Create(ctx, opts...)
				if err != nil {
					return err
				}
				rt.log.Info("job enqueued", "id", rec.ID, "priority", rec.Priority, "queue", rec.Queue)
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job identifier (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "opaque job payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest run time: RFC3339 timestamp or a delay such as 15m")
	return cmd
}

func newClearLocksCommand(withBackend withBackendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-locks",
		Short: "Release every claim held by the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				cleared, err := rt.backend.ClearLocks(ctx, rt.worker)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d jobs held by %q\n", cleared, rt.worker)
				return nil
			})
		},
	}
}

func newRelearnCommand(withBackend withBackendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "relearn",
		Short: "Rebuild the key index by scanning the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				indexed, ok := rt.backend.(indexedBackend)
				if !ok {
					return fmt.Errorf("backend %q does not keep a key index", rt.cfg.Store.Backend)
				}
				learned, err := indexed.Index().Learn(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d keys\n", learned)
				return nil
			})
		},
	}
}

func newPurgeCommand(withBackend withBackendFunc) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every stored job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("refusing to delete all jobs without --yes")
			}
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.backend.DeleteAll(ctx); err != nil {
					return err
				}
				rt.log.Warn("all jobs deleted", "backend", rt.cfg.Store.Backend)
				fmt.Fprintln(cmd.OutOrStdout(), "all jobs deleted")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm deletion")
	return cmd
}

func newHealthcheckCommand(withBackend withBackendFunc) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the job store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, rt *runtime) error {
				registry := health.NewRegistry()
				registry.Register(jobstore.NewBackendHealthChecker("", rt.backend, healthcheckTimeout))
				if indexed, ok := rt.backend.(indexedBackend); ok {
					registry.Register(health.NewCustomChecker("jobstore-index", func(ctx context.Context) (health.Status, string, error) {
						keys, err := indexed.Index().AllKeys(ctx)
						if err != nil {
							return health.StatusUnhealthy, "", err
						}
						return health.StatusHealthy, fmt.Sprintf("%d keys indexed", len(keys)), nil
					}))
				}
				result := registry.Check(ctx)
				if err := renderHealth(cmd.OutOrStdout(), format, result); err != nil {
					return err
				}
				if !result.IsHealthy() {
					return fmt.Errorf("job store is %s", result.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatText, "output format: text|json|yaml")
	return cmd
}

// parseRunAt accepts an RFC3339 timestamp or a delay relative to now.
func parseRunAt(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at, nil
	}
	delay, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --run-at %q: expected RFC3339 timestamp or duration", raw)
	}
	return now.Add(delay), nil
}
