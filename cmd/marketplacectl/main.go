// Command marketplacectl is the operator CLI: it applies SQL migrations,
// provisions storage buckets and runs end-to-end checks against live data.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/logging"
)

var (
	verbose bool
	strict  bool
	envFile string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "marketplacectl",
	Short: "Operator tooling for the service marketplace",
	Long: `marketplacectl applies SQL migrations, provisions storage buckets and
runs end-to-end checks against a live deployment.

Credentials come from .env and the environment: PROJECT_URL plus
SERVICE_ROLE_KEY (or ANON_KEY / PUBLISHABLE_KEY for read-only work),
DB_* for MySQL and PLATFORM_DB_URL for direct Postgres access.

Remote failures are logged and the run continues.  The exit status is
zero unless --strict is set or required settings are missing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.LoadDotEnv(envFile)
		level := os.Getenv("LOG_LEVEL")
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(level, true)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "exit non-zero when any step fails")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load if present")

	rootCmd.AddCommand(migrateCmd, storageCmd, checkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// failIfStrict turns a non-zero failure count into an error under --strict.
func failIfStrict(n int, what string) error {
	if n > 0 && strict {
		return fmt.Errorf("%d %s failed", n, what)
	}
	return nil
}
