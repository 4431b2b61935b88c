package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/quorumgrid/keel"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KEEL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keel")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keel",
		Short:         "keel inspects and maintains a keel-managed object store",
		SilenceErrors: true,
		Example: `
  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  KEEL_STORE=s3://localhost:9000/keel-data?insecure=1 keel ls

  # AWS S3 backend (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  keel --store s3://s3.us-west-2.amazonaws.com/my-bucket/keel ls state/

  # Fetch a document
  keel --store s3://localhost:9000/keel-data?insecure=1 get state/session-1

  # Validate a state snapshot and repair cached counters
  keel validate --repair snapshot.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.String("store", "", "storage backend URL (mem://, s3://host[:port]/bucket[/prefix])")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.Int("storage-retry-attempts", keel.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	persistentFlags.Duration("storage-retry-base-delay", keel.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", keel.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", keel.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = persistentFlags.Lookup(name); flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("KEEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"store", "log-level",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newListCommand(baseLogger))
	cmd.AddCommand(newGetCommand(baseLogger))
	cmd.AddCommand(newPutCommand(baseLogger))
	cmd.AddCommand(newRemoveCommand(baseLogger))
	cmd.AddCommand(newValidateCommand(baseLogger))
	cmd.AddCommand(newJournalCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *keel.Config) {
	cfg.Store = viper.GetString("store")
	cfg.StorageRetry.MaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetry.BaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetry.MaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetry.Multiplier = viper.GetFloat64("storage-retry-multiplier")
}

func cliLogger(baseLogger pslog.Logger, subsystem string) pslog.Logger {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return logger.With("sys", subsystem)
}

// openKit wires a full component kit against the configured store URL.
// Callers own the returned kit and must Close it.
func openKit(baseLogger pslog.Logger, subsystem string, journal bool) (*keel.Kit, error) {
	var cfg keel.Config
	bindConfig(&cfg)
	cfg.JournalIncomplete = journal
	return keel.New(cfg, keel.WithLogger(cliLogger(baseLogger, subsystem)))
}
