package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/worker"
)

func newTriggerCommand() *cobra.Command {
	var current bool

	cmd := &cobra.Command{
		Use:   "trigger <source> <external-version>",
		Short: "Ingest one release, bypassing discovery",
		Long: `Create (or join) the job for one release of a source and drive it
to a terminal status. Discovery and mode policy are bypassed; the
release is ingested even if the catalog already has a newer one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			plugin, err := app.registry.Get(args[0])
			if err != nil {
				return err
			}

			workerCfg := worker.LoadConfig()
			reaper := coordinator.NewReaper(app.queue, app.publisher, workerCfg.HeartbeatInterval, workerCfg.MaxRetries)
			reaper.Start()
			defer reaper.Stop()

			runner := &releaseRunner{app: app}

			return runner.RunRelease(cmd.Context(), plugin, args[1], current)
		},
	}

	cmd.Flags().BoolVar(&current, "current", false, "mark the release as ingested from the upstream current path")

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingestion jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			jobs, err := app.jobs.ListJobs(cmd.Context(), ingest.JobStatus(status), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORG\tSOURCE\tVERSION\tSTATUS\tPROCESSED\tSTORED\tUPDATED")

			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					job.ID, job.OrganizationSlug, job.JobType, job.ExternalVersion,
					job.Status, job.RecordsProcessed, job.RecordsStored,
					job.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by job status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	return cmd
}

func newRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Requeue a job's terminally failed work units",
		Long: `Reset a job's failed work units to pending with a fresh retry
budget. Run this during the failure grace period to resume a job after
fixing the underlying problem.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			requeued, err := app.queue.Requeue(cmd.Context(), jobID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed units of job %d\n", requeued, jobID)

			return nil
		},
	}
}
