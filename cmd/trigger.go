package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/builds"
)

// triggerCmd implements: spindex trigger-builds [--limit N | --id ID [--force]]
var triggerCmd = &cobra.Command{
	Use:   "trigger-builds",
	Short: "Trigger compatibility builds for missing platform and Swift version pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		id, _ := cmd.Flags().GetString("id")
		if force && id == "" {
			return fmt.Errorf("--force requires --id")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		client, err := a.gitlab()
		if err != nil {
			return err
		}
		matrix, err := a.matrix()
		if err != nil {
			return err
		}
		o := &builds.Orchestrator{
			DB:       a.db,
			Client:   client,
			Matrix:   matrix,
			Settings: a.buildSettings(),
			Env:      a.env,
		}

		mode := modeFromFlags(cmd)
		return runPeriodically(cmd, func(ctx context.Context) error {
			out, err := o.Run(ctx, mode, force)
			if err != nil {
				return err
			}
			if out.Skipped != "" {
				utils.Log.Infof("Build triggers skipped: %s", out.Skipped)
			}
			utils.Log.Infof("Builds: %d candidates, %d triggered, %d failed, %d trimmed", out.Candidates, out.Triggered, out.Failed, out.Trimmed)
			a.logMetrics()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	addModeFlags(triggerCmd, "trigger builds for")
	triggerCmd.Flags().Bool("force", false, "Trigger every missing build of --id, skipping downscaling and capacity checks")
}
