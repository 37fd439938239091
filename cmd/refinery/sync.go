package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/worker"
)

func newSyncCommand() *cobra.Command {
	var scheduled bool

	cmd := &cobra.Command{
		Use:   "sync [source...]",
		Short: "Sync sources under their configured mode",
		Long: `Run one sync pass for the named sources, or for every registered
source when none are named. Each source runs under its configured mode
(INGEST_<SOURCE>_MODE): latest ingests the current release when it is
new; historical ingests an archived range.

With --scheduled the command blocks and repeats on the cron schedule in
REFINERY_SYNC_SCHEDULE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			plugins, err := resolvePlugins(app, args)
			if err != nil {
				return err
			}

			workerCfg := worker.LoadConfig()
			reaper := coordinator.NewReaper(app.queue, app.publisher, workerCfg.HeartbeatInterval, workerCfg.MaxRetries)
			reaper.Start()
			defer reaper.Stop()

			controller := app.newController()

			if scheduled {
				schedule := config.GetEnvStr("REFINERY_SYNC_SCHEDULE", "")
				if schedule == "" {
					return errors.New("--scheduled requires REFINERY_SYNC_SCHEDULE")
				}

				err := controller.RunScheduled(cmd.Context(), schedule, plugins)
				if errors.Is(err, cmd.Context().Err()) {
					return nil
				}

				return err
			}

			var failed int

			for _, plugin := range plugins {
				if err := controller.Sync(cmd.Context(), plugin); err != nil {
					failed++

					fmt.Fprintf(cmd.ErrOrStderr(), "sync %s: %v\n", plugin.Descriptor().Name, err)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(plugins))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "repeat on the REFINERY_SYNC_SCHEDULE cron schedule")

	return cmd
}

// resolvePlugins maps source names to registered plugins; no names
// means all of them.
func resolvePlugins(app *app, names []string) ([]sources.Plugin, error) {
	if len(names) == 0 {
		names = app.registry.Names()
	}

	if len(names) == 0 {
		return nil, errors.New("no sources registered; set REFINERY_SOURCES_FILE")
	}

	plugins := make([]sources.Plugin, 0, len(names))

	for _, name := range names {
		plugin, err := app.registry.Get(name)
		if err != nil {
			return nil, err
		}

		plugins = append(plugins, plugin)
	}

	return plugins, nil
}
