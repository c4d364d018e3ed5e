package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spindex/spindex/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spindex",
	Short: "Keeps a Swift package index in sync with its upstream sources.",
	Long: `spindex maintains an index of Swift packages: it reconciles the package list,
ingests hosting metadata, analyzes git checkouts and triggers compatibility builds.

Each stage is a subcommand. Run them on a schedule, or with --period to loop.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.spindex.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy for package list and alert requests (Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

func setDefaults() {
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "spindex.sqlite")
	viper.SetDefault("checkouts.dir", "checkouts")
	viper.SetDefault("checkouts.trim_age", "168h")
	viper.SetDefault("git.timeout", "5m")
	viper.SetDefault("swift.tool", "swift")
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.api_url", "")
	viper.SetDefault("github.concurrency", 5)
	viper.SetDefault("packagelist.url", "https://raw.githubusercontent.com/SwiftPackageIndex/PackageList/main/packages.json")
	viper.SetDefault("packagelist.deny", []string{})
	viper.SetDefault("packagelist.hosts", []string{"github.com"})
	viper.SetDefault("reingestion.deadtime", "1h")
	viper.SetDefault("builds.allow_triggers", true)
	viper.SetDefault("builds.downscaling", 1.0)
	viper.SetDefault("builds.pipeline_limit", 200)
	viper.SetDefault("builds.allow_list", []string{})
	viper.SetDefault("builds.trim_after", "4h")
	viper.SetDefault("builds.platforms", []string{})
	viper.SetDefault("builds.swift_versions", []string{})
	viper.SetDefault("gitlab.api_url", "")
	viper.SetDefault("gitlab.project_id", "")
	viper.SetDefault("gitlab.trigger_token", "")
	viper.SetDefault("gitlab.api_token", "")
	viper.SetDefault("gitlab.ref", "main")
	viper.SetDefault("builder.token", "")
	viper.SetDefault("builder.api_base_url", "")
	viper.SetDefault("readme.s3.endpoint", "")
	viper.SetDefault("readme.s3.bucket", "")
	viper.SetDefault("readme.s3.access_key", "")
	viper.SetDefault("readme.s3.secret_key", "")
	viper.SetDefault("readme.s3.use_ssl", true)
	viper.SetDefault("readme.s3.public_url", "")
	viper.SetDefault("lease.redis_addr", "")
	viper.SetDefault("lease.ttl", "1h")
	viper.SetDefault("alerts.webhook_url", "")
	viper.SetDefault("alerts.log_file", "")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error loading .env: %s\n", err)
	}

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".spindex")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SPINDEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := filepath.Join(home, ".spindex.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s\n", err)
			}
		} else {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}
