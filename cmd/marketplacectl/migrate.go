package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/database"
	"github.com/iliyamo/service-marketplace/internal/migrate"
	"github.com/iliyamo/service-marketplace/internal/platform"
)

var (
	migrateTarget  string
	migrateDryRun  bool
	migratePreview int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migration files",
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply <file|dir>...",
	Short: "Run SQL files statement by statement",
	Long: `Splits each file on top-level semicolons and runs the statements in
order.  There is no transaction: a failed statement is logged and the next
one runs.  Directories expand to their *.sql files in lexical order.

Targets:
  rpc       the platform's exec_sql RPC (PROJECT_URL, SERVICE_ROLE_KEY)
  mysql     the API database (DB_HOST, DB_PORT, DB_USER, DB_PASS, DB_NAME)
  postgres  the platform database directly (PLATFORM_DB_URL)`,
	Example: `  marketplacectl migrate apply migrations/
  marketplacectl migrate apply --target rpc supabase/fix_storage.sql --strict`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMigrateApply,
}

func init() {
	migrateApplyCmd.Flags().StringVar(&migrateTarget, "target", "mysql", "rpc, mysql or postgres")
	migrateApplyCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "print statements without running them")
	migrateApplyCmd.Flags().IntVar(&migratePreview, "preview", 80, "characters of each statement to log")
	migrateCmd.AddCommand(migrateApplyCmd)
}

func runMigrateApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	files, err := migrate.ExpandPaths(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .sql files in %s", strings.Join(args, ", "))
	}

	var exec migrate.Executor = migrate.ExecFunc(func(context.Context, string) error { return nil })
	if !migrateDryRun {
		var closeFn func()
		exec, closeFn, err = openExecutor(ctx, migrateTarget)
		if err != nil {
			return err
		}
		defer closeFn()
	}

	runner := migrate.NewRunner(exec, logger.Named("migrate"),
		migrate.WithDryRun(migrateDryRun), migrate.WithPreviewLen(migratePreview),
		migrate.WithDialect(dialectFor(migrateTarget)))
	reports, err := runner.RunFiles(ctx, files)
	printMigrateSummary(cmd, reports)
	if err != nil {
		return err
	}
	return failIfStrict(migrate.Failed(reports), "statements")
}

func openExecutor(ctx context.Context, target string) (migrate.Executor, func(), error) {
	switch strings.ToLower(target) {
	case "rpc":
		pc, err := config.LoadPlatform()
		if err != nil {
			return nil, nil, err
		}
		client, err := platform.New(pc, config.PrivilegeServiceRole, logger.Named("platform"))
		if err != nil {
			return nil, nil, err
		}
		return migrate.NewRPCExecutor(client, pc.ExecSQLRPC, pc.ExecSQLParam), func() {}, nil
	case "mysql":
		dc, err := config.LoadDB()
		if err != nil {
			return nil, nil, err
		}
		db, err := database.Open(dc.User, dc.Pass, dc.Host, dc.Port, dc.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		return migrate.NewSQLExecutor(db), func() { _ = db.Close() }, nil
	case "postgres":
		pc, err := config.LoadPlatform()
		if err != nil {
			return nil, nil, err
		}
		if pc.DBURL == "" {
			return nil, nil, fmt.Errorf("missing required env vars: PLATFORM_DB_URL")
		}
		pool, err := migrate.OpenPgx(ctx, pc.DBURL)
		if err != nil {
			return nil, nil, err
		}
		return migrate.NewPgxExecutor(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q (want rpc, mysql or postgres)", target)
}

// dialectFor maps a target onto its SQL quoting rules.  rpc and postgres
// both end up on the platform's Postgres.
func dialectFor(target string) migrate.Dialect {
	if strings.EqualFold(target, "mysql") {
		return migrate.MySQL
	}
	return migrate.Postgres
}

func printMigrateSummary(cmd *cobra.Command, reports []migrate.Report) {
	out := cmd.OutOrStdout()
	for _, r := range reports {
		status := "ok"
		if !r.OK() {
			status = "with errors"
		}
		fmt.Fprintf(out, "%s: %d/%d statements succeeded (%s) %s\n", r.File, r.Succeeded, r.Total, r.Duration.Round(1e6), status)
		for _, f := range r.Failed {
			fmt.Fprintf(out, "  [%d] %s\n      %s\n", f.Index, f.Preview, f.Err)
		}
		if r.Skipped > 0 {
			fmt.Fprintf(out, "  %d statements not run (interrupted)\n", r.Skipped)
		}
	}
	if n := migrate.Failed(reports); n > 0 {
		logger.Warn("migration finished with failures", zap.Int("failed", n))
	}
}
