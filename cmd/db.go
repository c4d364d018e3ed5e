package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spindex/spindex/pkg/storage"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the spindex database",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		driver := viper.GetString("db.driver")
		dsn := viper.GetString("db.dsn")

		var client string
		var clientArgs []string
		switch driver {
		case storage.DriverPostgres:
			client, clientArgs = "psql", []string{dsn}
		default:
			if _, err := os.Stat(dsn); os.IsNotExist(err) {
				return fmt.Errorf("database file not found: %s", dsn)
			}
			client, clientArgs = "sqlite3", []string{dsn}
		}

		path, err := exec.LookPath(client)
		if err != nil {
			return fmt.Errorf("%s command not found in your PATH. Please install it to use the db shell", client)
		}

		if client == "sqlite3" {
			fmt.Println("--> Database schema:")
			schemaCmd := exec.Command(path, dsn, ".schema")
			schemaCmd.Stdout = os.Stdout
			schemaCmd.Stderr = os.Stderr
			if err := schemaCmd.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
			}
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(path, clientArgs...)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints package counts per processing stage and status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(viper.GetString("db.driver"), viper.GetString("db.dsn"))
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		if len(stats) == 0 {
			fmt.Println("No packages in the database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "STAGE\tSTATUS\tPACKAGES\t")

		var total int
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%s\t%d\t\n", s.Stage, s.Status, s.Count)
			total += s.Count
		}

		fmt.Fprintln(w, " \t \t \t")
		fmt.Fprintf(w, "TOTAL\t\t%d\t\n", total)

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.AddCommand(statsCmd)
}
