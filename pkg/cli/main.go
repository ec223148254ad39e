package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nimburion/jobstore/pkg/config"
	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/jobstore/factory"
	"github.com/nimburion/jobstore/pkg/observability/logger"
	"github.com/nimburion/jobstore/pkg/observability/tracing"
	"github.com/nimburion/jobstore/pkg/version"
	"github.com/spf13/cobra"
)

const defaultEnvPrefix = "JOBSTORE"

// BackendFactory creates a storage backend from store configuration.
type BackendFactory func(cfg config.StoreConfig, log logger.Logger) (jobstore.Backend, error)

// CommandOptions configures the operator CLI.
type CommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: custom config validation (runs after the built-in validation)
	ValidateConfig func(cfg *config.Config) error

	// Optional: override backend construction (useful for tests/custom adapters).
	BackendFactory BackendFactory

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// runtime is what every store command receives once config, logger and
// backend are ready.
type runtime struct {
	cfg     *config.Config
	log     logger.Logger
	backend jobstore.Backend
	worker  string
}

// NewRootCommand creates the jobstore CLI with count, available, show, enqueue,
// clear-locks, relearn, purge, healthcheck and version subcommands.
func NewRootCommand(opts CommandOptions) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "jobstore"
	}
	if opts.Description == "" {
		opts.Description = "Inspect and operate a delayed job store"
	}
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.BackendFactory == nil {
		opts.BackendFactory = factory.NewBackend
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	var workerName string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", fmt.Sprintf("path to secrets file (sets %s_SECRETS_FILE)", opts.EnvPrefix))
	rootCmd.PersistentFlags().StringVar(&workerName, "worker", "", "worker name used for claims (overrides worker.name)")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.ValidateConfig)
	}

	withBackend := func(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tracer, err := tracing.NewProvider(ctx, cfg.Observability.Tracing)
		if err != nil {
			return fmt.Errorf("start tracing: %w", err)
		}
		defer func() {
			if shutdownErr := tracer.Shutdown(context.Background()); shutdownErr != nil {
				log.Warn("tracing shutdown failed", "error", shutdownErr)
			}
		}()

		backend, err := opts.BackendFactory(cfg.Store, log)
		if err != nil {
			return fmt.Errorf("create backend: %w", err)
		}
		if err := backend.Connect(ctx); err != nil {
			_ = backend.Close()
			return fmt.Errorf("connect backend: %w", err)
		}
		defer func() {
			if closeErr := backend.Close(); closeErr != nil {
				log.Warn("backend close failed", "error", closeErr)
			}
		}()

		return fn(ctx, &runtime{
			cfg:     cfg,
			log:     log,
			backend: backend,
			worker:  resolveWorkerName(workerName, cfg.Worker.Name),
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	rootCmd.AddCommand(newConfigCommand(loadConfig))
	rootCmd.AddCommand(newCountCommand(withBackend))
	rootCmd.AddCommand(newAvailableCommand(withBackend))
	rootCmd.AddCommand(newShowCommand(withBackend))
	rootCmd.AddCommand(newEnqueueCommand(withBackend))
	rootCmd.AddCommand(newClearLocksCommand(withBackend))
	rootCmd.AddCommand(newRelearnCommand(withBackend))
	rootCmd.AddCommand(newPurgeCommand(withBackend))
	rootCmd.AddCommand(newHealthcheckCommand(withBackend))

	for _, custom := range opts.CustomCommands {
		if custom != nil {
			rootCmd.AddCommand(custom)
		}
	}
	return rootCmd
}

// LoadConfigAndLogger loads configuration and builds the zap logger it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
) (*config.Config, logger.Logger, error) {
	envPrefix = resolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}

	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log.Debug("configuration loaded",
		"backend", cfg.Store.Backend,
		"prefix", cfg.Store.Prefix,
		"max_run_time", cfg.Store.MaxRunTime,
		"read_ahead", cfg.Store.ReadAhead,
	)
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return defaultEnvPrefix
	}
	return prefix
}

func resolveWorkerName(flagValue, configValue string) string {
	if name := strings.TrimSpace(flagValue); name != "" {
		return name
	}
	if name := strings.TrimSpace(configValue); name != "" {
		return name
	}
	return jobstore.DefaultWorkerName()
}

// Execute runs cmd and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
