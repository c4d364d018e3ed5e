package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/reconcile"
	"github.com/spindex/spindex/pkg/whttp"
)

// reconcileCmd implements: spindex reconcile [--dry-run] [--file path]
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync the package table with the upstream package list",
	RunE: func(cmd *cobra.Command, args []string) error {
		unlock, err := lockDatabase()
		if err != nil {
			return err
		}
		defer unlock()

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		var source reconcile.Source
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			source = reconcile.FileSource{Path: path}
		} else {
			proxy, _ := cmd.Flags().GetString("proxy")
			client, err := whttp.NewClient(whttp.Options{RetryMax: 3, Proxy: proxy})
			if err != nil {
				return err
			}
			source = reconcile.HTTPSource{URL: viper.GetString("packagelist.url"), Client: client}
		}

		r := &reconcile.Reconciler{
			DB:     a.db,
			Source: source,
			Deny:   viper.GetStringSlice("packagelist.deny"),
			Hosts:  viper.GetStringSlice("packagelist.hosts"),
			Env:    a.env,
		}

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			c, err := r.DryRun(cmd.Context(), os.Stdout)
			if err != nil {
				return err
			}
			utils.Log.Infof("Dry run: %d to add, %d to delete, %d rejected", len(c.Insert), len(c.Delete), len(c.Rejected))
			return nil
		}

		return runPeriodically(cmd, func(ctx context.Context) error {
			_, err := r.Run(ctx)
			a.logMetrics()
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("dry-run", false, "Print the changes as a unified diff without writing them")
	reconcileCmd.Flags().String("file", "", "Read the package list from a local JSON file instead of packagelist.url")
	reconcileCmd.Flags().Duration("period", 0, "Rerun every period until interrupted (0 runs once)")
}
