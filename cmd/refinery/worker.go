package main

import (
	"github.com/spf13/cobra"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/stage"
	"github.com/refinery-io/refinery/internal/worker"
	"github.com/refinery-io/refinery/internal/xref"
)

func newWorkerCommand() *cobra.Command {
	var (
		jobID    int64
		unitType string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a work-unit executor until interrupted",
		Long: `Run a worker process that claims pending work units and executes
them. Workers are anonymous and horizontally scalable; start as many as
the database can feed. Scope claims with --job and --type.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			maxMalformed := config.GetEnvInt("INGEST_MAX_PARSE_ERRORS", DefaultMaxParseErrors)

			handlers := []worker.Handler{
				stage.NewParseHandler(app.jobs, app.staging, app.cache, app.objects, app.registry, maxMalformed),
				stage.NewStoreHandler(app.jobs, app.staging, app.catalog, xref.NewResolver(app.catalog), app.objects, app.registry),
			}

			cfg := worker.LoadConfig()
			cfg.JobID = jobID
			cfg.UnitType = ingest.UnitType(unitType)

			w, err := worker.New(app.queue, app.jobs, handlers, cfg)
			if err != nil {
				return err
			}

			w.Run(cmd.Context())

			return nil
		},
	}

	cmd.Flags().Int64Var(&jobID, "job", 0, "only claim units of this job id")
	cmd.Flags().StringVar(&unitType, "type", "", "only claim units of this type (parse|store)")

	return cmd
}
