package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iliyamo/service-marketplace/internal/checks"
	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/database"
)

var keepData bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run end-to-end checks against the live database",
	Long: `Each check creates a throw-away provider and customer tagged with a run
ID, drives the booking workflow and verifies the resulting rows.  Created
rows are deleted afterwards unless --keep is given.`,
}

var checkCommissionCmd = &cobra.Command{
	Use:   "commission",
	Short: "Complete one commission cycle and verify the payment it raises",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCheck(cmd, func(ctx context.Context, env checks.Env) checks.Result { return env.CommissionCycle(ctx) })
	},
}

var checkNoShowCmd = &cobra.Command{
	Use:   "no-show",
	Short: "File no-show reports until the provider is suspended",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCheck(cmd, func(ctx context.Context, env checks.Env) checks.Result { return env.NoShowStrikes(ctx) })
	},
}

func init() {
	checkCmd.PersistentFlags().BoolVar(&keepData, "keep", false, "leave the created rows in place")
	checkCmd.AddCommand(checkCommissionCmd, checkNoShowCmd)
}

func runCheck(cmd *cobra.Command, run func(context.Context, checks.Env) checks.Result) error {
	dc, err := config.LoadDB()
	if err != nil {
		return err
	}
	policy, err := config.LoadPolicy()
	if err != nil {
		return err
	}
	db, err := database.Open(dc.User, dc.Pass, dc.Host, dc.Port, dc.Name)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	defer db.Close()

	env := checks.NewEnv(db, policy, logger.Named("check"))
	env.Keep = keepData
	res := run(cmd.Context(), env)

	out := cmd.OutOrStdout()
	verdict := "PASSED"
	if !res.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(out, "%s (run %s): %s in %s\n", res.Name, res.RunID, verdict, res.Duration.Round(1e6))
	for _, s := range res.Steps {
		mark := "ok  "
		if !s.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "  %s %s", mark, s.Name)
		if s.Detail != "" {
			fmt.Fprintf(out, "  (%s)", s.Detail)
		}
		fmt.Fprintln(out)
	}
	failed := 0
	if !res.Passed {
		failed = 1
	}
	return failIfStrict(failed, "checks")
}

func suffix(errMsg string) string {
	if errMsg == "" {
		return ""
	}
	return ": " + errMsg
}

func indent(s, pad string) string {
	return pad + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+pad)
}
