package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/analyze"
	"github.com/spindex/spindex/pkg/manifest"
)

func newAnalyzer(a *app) (*analyze.Analyzer, error) {
	exec := a.executor()
	checkouts, err := a.checkouts(exec)
	if err != nil {
		return nil, err
	}
	leaser, err := a.leaser()
	if err != nil {
		return nil, err
	}
	return &analyze.Analyzer{
		DB:          a.db,
		Checkouts:   checkouts,
		Exec:        exec,
		Extractor:   &manifest.Extractor{Exec: exec, Tool: viper.GetString("swift.tool")},
		Leaser:      leaser,
		Env:         a.env,
		Concurrency: a.concurrency(),
		TrimAge:     viper.GetDuration("checkouts.trim_age"),
	}, nil
}

// analyzeCmd implements: spindex analyze [--limit N | --id ID] [--period D]
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Refresh checkouts, reconcile versions and extract manifests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		an, err := newAnalyzer(a)
		if err != nil {
			return err
		}
		mode := modeFromFlags(cmd)
		return runPeriodically(cmd, func(ctx context.Context) error {
			summary, err := an.Run(ctx, mode)
			if err != nil {
				return err
			}
			utils.Log.Infof("Analysis: %s", summary)
			a.logMetrics()
			return nil
		})
	},
}

// reanalyzeCmd implements: spindex reanalyze --before RFC3339 [--limit N]
var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze",
	Short: "Re-extract manifests of unchanged versions last updated before a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")
		if before == "" {
			return fmt.Errorf("--before is required")
		}
		cutoff, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return fmt.Errorf("invalid --before timestamp: %w", err)
		}
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		an, err := newAnalyzer(a)
		if err != nil {
			return err
		}
		summary, err := an.Reanalyze(cmd.Context(), cutoff, limit)
		if err != nil {
			return err
		}
		utils.Log.Infof("Reanalysis: %s", summary)
		a.logMetrics()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	addModeFlags(analyzeCmd, "analyze")

	rootCmd.AddCommand(reanalyzeCmd)
	reanalyzeCmd.Flags().String("before", "", "Reanalyze versions last updated before this RFC3339 timestamp")
	reanalyzeCmd.Flags().Int("limit", 10, "Maximum number of packages to reanalyze")
}
