package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/ingest"
)

// ingestCmd implements: spindex ingest [--limit N | --id ID] [--period D]
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch hosting metadata for packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		client, err := a.github()
		if err != nil {
			return err
		}
		store, err := a.readmes()
		if err != nil {
			return err
		}

		in := &ingest.Ingester{
			DB:          a.db,
			Client:      client,
			Env:         a.env,
			Concurrency: a.concurrency(),
			DeadTime:    viper.GetDuration("reingestion.deadtime"),
		}
		if store != nil {
			in.Readmes = store
		}

		mode := modeFromFlags(cmd)
		return runPeriodically(cmd, func(ctx context.Context) error {
			summary, err := in.Run(ctx, mode)
			if err != nil {
				return err
			}
			utils.Log.Infof("Ingestion: %s", summary)
			a.logMetrics()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	addModeFlags(ingestCmd, "ingest")
}
