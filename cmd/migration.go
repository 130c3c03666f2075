package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/pipeline"
	"github.com/sells-group/crm-migrate/internal/report"
	"github.com/sells-group/crm-migrate/internal/vault"
)

var (
	migrationOrg string

	preflightSource      string
	preflightAPIKey      string
	preflightAccessToken string
	preflightInstanceURL string

	reportFormat string
	reportOut    string
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Validate source credentials and preview what would be imported",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, ok := model.ParseSource(preflightSource)
		if !ok {
			return eris.Errorf("unsupported source %q (want one of %v)", preflightSource, model.Sources())
		}
		creds := vault.Credentials{
			APIKey:      preflightAPIKey,
			AccessToken: preflightAccessToken,
			InstanceURL: preflightInstanceURL,
		}
		if creds.Empty() {
			return eris.New("--api-key or --access-token is required")
		}

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Preflight(cmd.Context(), pipeline.PreflightRequest{
			OrgID:       migrationOrg,
			Source:      src,
			Credentials: creds,
		})
		if err != nil {
			return err
		}

		zap.L().Info("preflight finished",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Bool("connection_valid", job.Preflight.ConnectionValid),
		)
		return report.WriteJSON(cmd.OutOrStdout(), map[string]any{
			"job_id":    job.ID,
			"stage":     job.Stage,
			"preflight": job.Preflight,
		})
	},
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <job-id>",
	Short: "Simulate the import without writing tenant data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Job(cmd.Context(), migrationOrg, args[0])
		if err != nil {
			return err
		}
		res, err := env.Engine.DryRun(cmd.Context(), job)
		if err != nil {
			return err
		}
		return report.WriteJSON(cmd.OutOrStdout(), res)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <job-id>",
	Short: "Run the import in the foreground until it completes, fails or is cancelled",
	Long:  "Run the import in the foreground. SIGINT stops at the next batch boundary and leaves the job executing; running execute again resumes it from its checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Job(ctx, migrationOrg, args[0])
		if err != nil {
			return err
		}
		runErr := env.Engine.Execute(ctx, job.ID)
		if runErr != nil && ctx.Err() != nil {
			zap.L().Warn("execution interrupted; run execute again to resume", zap.String("job_id", job.ID))
		}

		job, err = env.Engine.Job(cmd.Context(), migrationOrg, job.ID)
		if err != nil {
			return errors.Join(runErr, err)
		}
		if perr := writeJobReport(cmd, env, job); perr != nil {
			return errors.Join(runErr, perr)
		}
		return runErr
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Job(cmd.Context(), migrationOrg, args[0])
		if err != nil {
			return err
		}
		job, err = env.Engine.Cancel(cmd.Context(), job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s (cancel requested: %t)\n", job.ID, job.Stage, job.CancelRequested)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Create a new job continuing a cancelled or failed one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		prev, err := env.Engine.Job(cmd.Context(), migrationOrg, args[0])
		if err != nil {
			return err
		}
		job, err := env.Engine.Resume(cmd.Context(), prev)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s resumes %s; run execute %s to continue\n", job.ID, prev.ID, job.ID)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Print the report of a finished job or the progress of a running one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reportFormat != "json" && reportFormat != "xlsx" {
			return eris.Errorf("unsupported format %q (want json or xlsx)", reportFormat)
		}

		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Job(cmd.Context(), migrationOrg, args[0])
		if err != nil {
			return err
		}
		return writeJobReport(cmd, env, job)
	},
}

// writeJobReport writes the final report of a terminal job, or its progress,
// honouring --format and --out.
func writeJobReport(cmd *cobra.Command, env *appEnv, job *model.MigrationJob) error {
	if !job.Stage.Terminal() {
		return report.WriteJSON(cmd.OutOrStdout(), report.Progress(job))
	}

	errs, total, err := env.Engine.Errors(cmd.Context(), job.ID, 0)
	if err != nil {
		return err
	}
	rep, err := report.Generate(job, errs, total)
	if err != nil {
		return err
	}

	if reportFormat == "xlsx" && reportOut == "" {
		return eris.New("--out is required for xlsx reports")
	}
	var w io.Writer = cmd.OutOrStdout()
	if reportOut != "" {
		f, err := os.Create(reportOut)
		if err != nil {
			return eris.Wrap(err, "create report file")
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if reportFormat == "xlsx" {
		return report.WriteXLSX(w, rep)
	}
	return report.WriteJSON(w, rep)
}

func init() {
	for _, c := range []*cobra.Command{preflightCmd, dryRunCmd, executeCmd, cancelCmd, resumeCmd, reportCmd} {
		c.Flags().StringVar(&migrationOrg, "org", "", "tenant org id")
		_ = c.MarkFlagRequired("org")
		rootCmd.AddCommand(c)
	}

	preflightCmd.Flags().StringVar(&preflightSource, "source", "", "source CRM (source_a, source_b, salesforce)")
	preflightCmd.Flags().StringVar(&preflightAPIKey, "api-key", "", "source api key")
	preflightCmd.Flags().StringVar(&preflightAccessToken, "access-token", "", "source OAuth access token")
	preflightCmd.Flags().StringVar(&preflightInstanceURL, "instance-url", "", "salesforce instance url")
	_ = preflightCmd.MarkFlagRequired("source")

	for _, c := range []*cobra.Command{executeCmd, reportCmd} {
		c.Flags().StringVar(&reportFormat, "format", "json", "report format: json or xlsx")
		c.Flags().StringVar(&reportOut, "out", "", "write the report to this file instead of stdout")
	}
}
