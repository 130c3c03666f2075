package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/monitoring"
	"github.com/sells-group/crm-migrate/internal/report"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

var (
	jobsOrg    string
	jobsSource string
	jobsStage  string
	jobsLimit  int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List migration jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.JobFilter{OrgID: jobsOrg, Stage: model.Stage(jobsStage), Limit: jobsLimit}
		if jobsSource != "" {
			src, ok := model.ParseSource(jobsSource)
			if !ok {
				return eris.Errorf("unsupported source %q", jobsSource)
			}
			filter.Source = src
		}

		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Engine.Jobs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print a job health snapshot and run the alert checks once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		stalled := time.Duration(cfg.Monitoring.StalledAfterMins) * time.Minute
		snap, err := monitoring.NewCollector(st, stalled).Collect(cmd.Context(), cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		for _, a := range alerts {
			zap.L().Warn("alert", zap.String("type", string(a.Type)), zap.String("message", a.Message))
		}
		if _, err := alerter.Notify(cmd.Context(), alerts, snap); err != nil {
			return err
		}
		return report.WriteJSON(cmd.OutOrStdout(), snap)
	},
}

var vaultKeyCmd = &cobra.Command{
	Use:   "vault-key",
	Short: "Generate a key for vault.key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func printJobs(w io.Writer, jobs []model.MigrationJob) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORG\tSOURCE\tSTAGE\tCREATED\tUPDATED\tSKIPPED\tFAILED\tCREATED AT")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			j.ID, j.OrgID, j.Source, j.Stage,
			j.Counts.Created, j.Counts.Updated, j.Counts.Skipped, j.Counts.Failed,
			j.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func init() {
	jobsCmd.Flags().StringVar(&jobsOrg, "org", "", "filter by tenant org id")
	jobsCmd.Flags().StringVar(&jobsSource, "source", "", "filter by source")
	jobsCmd.Flags().StringVar(&jobsStage, "stage", "", "filter by stage")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")

	rootCmd.AddCommand(migrateCmd, jobsCmd, monitorCmd, vaultKeyCmd)
}
