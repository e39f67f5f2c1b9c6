package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/registry"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect workers in the database",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers, newest first",
	RunE:  runWorkersList,
}

func init() {
	workersListCmd.Flags().String("tenant", "", "Only list this tenant's workers")
	workersCmd.AddCommand(workersListCmd)
}

func runWorkersList(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")

	db, err := openDB(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(db, entitlement.NewStore(db, cfg.Plans), registry.WithLogger(log))
	workers, err := reg.List(cmd.Context(), tenant)
	if err != nil {
		return err
	}
	return printWorkers(cmd, workers)
}

func printWorkers(cmd *cobra.Command, workers []*fleet.Worker) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tNAME\tHANDLE\tDESIRED\tOBSERVED\tTOKEN\tUPDATED")
	for _, w := range workers {
		token := "no"
		if w.HasCredential() {
			token = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			w.ID, w.TenantID, w.Name, w.Handle,
			w.DesiredState, w.ObservedState, token,
			w.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
