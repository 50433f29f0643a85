package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/platform"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

var manifestPath string

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage storage buckets and their access policies",
}

var storageProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create or update buckets and apply their policies",
	Long: `Creates missing buckets, updates ones whose visibility or limits drifted,
and recreates each access policy through the exec_sql RPC.  Changes the
platform refuses are printed at the end as manual steps with the dashboard
location and the SQL to paste.`,
	Args: cobra.NoArgs,
	RunE: runStorageProvision,
}

var storageVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report missing or misconfigured buckets without changing anything",
	Args:  cobra.NoArgs,
	RunE:  runStorageVerify,
}

func init() {
	storageCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "storage/buckets.yaml", "bucket manifest")
	storageCmd.AddCommand(storageProvisionCmd, storageVerifyCmd)
}

func newProvisioner(p config.Privilege) (*storage.Provisioner, storage.Manifest, error) {
	m, err := storage.LoadManifest(manifestPath)
	if err != nil {
		return nil, m, err
	}
	pc, err := config.LoadPlatform()
	if err != nil {
		return nil, m, err
	}
	client, err := platform.New(pc, p, logger.Named("platform"))
	if err != nil {
		return nil, m, err
	}
	return storage.NewProvisioner(client, pc.ExecSQLRPC, pc.ExecSQLParam, pc.DashboardURL, logger.Named("storage")), m, nil
}

func runStorageProvision(cmd *cobra.Command, _ []string) error {
	prov, m, err := newProvisioner(config.PrivilegeServiceRole)
	if err != nil {
		return err
	}
	rep := prov.Provision(cmd.Context(), m)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Buckets:")
	for _, o := range rep.Buckets {
		fmt.Fprintf(out, "  %-24s %s%s\n", o.Bucket, o.Action, suffix(o.Error))
	}
	fmt.Fprintln(out, "Policies:")
	for _, o := range rep.Policies {
		fmt.Fprintf(out, "  %-24s %-32s %s%s\n", o.Bucket, o.Policy, o.Action, suffix(o.Error))
	}
	if len(rep.Manual) > 0 {
		fmt.Fprintf(out, "\n%d change(s) need to be made by hand:\n", len(rep.Manual))
		for i, s := range rep.Manual {
			fmt.Fprintf(out, "\n%d. [%s] %s\n   Where: %s\n", i+1, s.Bucket, s.What, s.Where)
			if s.SQL != "" {
				fmt.Fprintf(out, "   SQL:\n%s\n", indent(s.SQL, "     "))
			}
		}
	}
	return failIfStrict(rep.Failed()+len(rep.Manual), "storage changes")
}

func runStorageVerify(cmd *cobra.Command, _ []string) error {
	prov, m, err := newProvisioner(config.PrivilegeAnon)
	if err != nil {
		return err
	}
	findings, err := prov.Verify(cmd.Context(), m)
	if err != nil {
		logger.Error(err.Error())
		return failIfStrict(1, "verification")
	}
	out := cmd.OutOrStdout()
	if len(findings) == 0 {
		fmt.Fprintf(out, "all %d buckets match %s\n", len(m.Buckets), manifestPath)
		return nil
	}
	for _, f := range findings {
		fmt.Fprintf(out, "  %-24s %s\n", f.Bucket, f.Problem)
	}
	return failIfStrict(len(findings), "bucket checks")
}
