package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/builds"
	"github.com/spindex/spindex/pkg/checkout"
	"github.com/spindex/spindex/pkg/github"
	"github.com/spindex/spindex/pkg/gitlab"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/readme"
	"github.com/spindex/spindex/pkg/report"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/storage"
	"github.com/spindex/spindex/pkg/whttp"
)

// app holds what every stage command needs. close releases it.
type app struct {
	db  *storage.DB
	env *pipeline.Environment

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(cmd *cobra.Command) (*app, error) {
	db, err := storage.Open(viper.GetString("db.driver"), viper.GetString("db.dsn"))
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindEnvironment, "", fmt.Errorf("open database: %w", err))
	}
	a := &app{db: db}
	a.closers = append(a.closers, func() { _ = db.Close() })

	reporter, err := a.reporter(cmd)
	if err != nil {
		a.close()
		return nil, err
	}
	a.env = pipeline.NewEnvironment(
		pipeline.WithLogger(utils.Log),
		pipeline.WithReporter(reporter),
	)
	return a, nil
}

// reporter builds the alert chain: a JSON alert log and a webhook, each
// only when configured.
func (a *app) reporter(cmd *cobra.Command) (pipeline.Reporter, error) {
	var multi report.Multi

	if path := viper.GetString("alerts.log_file"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open alert log: %w", err)
		}
		a.closers = append(a.closers, func() { _ = f.Close() })
		l := logrus.New()
		l.SetOutput(f)
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(logrus.WarnLevel)
		multi = append(multi, report.LogReporter{Log: l})
	}

	if url := viper.GetString("alerts.webhook_url"); url != "" {
		proxy, _ := cmd.Flags().GetString("proxy")
		client, err := whttp.NewClient(whttp.Options{RetryMax: 2, Proxy: proxy})
		if err != nil {
			return nil, err
		}
		wh := report.NewWebhookReporter(url,
			report.WithHTTPClient(client),
			report.WithWebhookLogger(utils.Log),
		)
		a.closers = append(a.closers, wh.Wait)
		multi = append(multi, wh)
	}
	return multi, nil
}

// lockDatabase serializes commands that rewrite the whole package list
// against a local sqlite file, waiting for a running one to finish. Other
// drivers need no lock.
func lockDatabase() (func(), error) {
	if viper.GetString("db.driver") != storage.DriverSQLite {
		return func() {}, nil
	}
	lock, err := utils.NewFileLock(viper.GetString("db.dsn"))
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	utils.Log.Debugf("Holding %s", lock.Path())
	return func() {
		if err := lock.Unlock(); err != nil {
			utils.Log.Warnf("Could not release %s: %v", lock.Path(), err)
		}
	}, nil
}

func (a *app) concurrency() int {
	if n := viper.GetInt("github.concurrency"); n > 0 {
		return n
	}
	return 5
}

func (a *app) executor() *shell.Pool {
	return shell.NewPool(shell.Exec{Timeout: viper.GetDuration("git.timeout")}, a.concurrency())
}

func (a *app) checkouts(exec shell.Executor) (*checkout.Manager, error) {
	dir := viper.GetString("checkouts.dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pipeline.NewError(pipeline.KindEnvironment, "", fmt.Errorf("checkouts dir: %w", err))
	}
	return &checkout.Manager{Dir: dir, Exec: exec, Log: utils.Log, Now: a.env.Now}, nil
}

// leaser uses redis when configured so workers on several hosts can share
// the package queue, and lock files otherwise.
func (a *app) leaser() (checkout.Leaser, error) {
	if addr := viper.GetString("lease.redis_addr"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		return checkout.RedisLeaser{Client: client, TTL: viper.GetDuration("lease.ttl")}, nil
	}
	dir := filepath.Join(viper.GetString("checkouts.dir"), ".leases")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return checkout.FileLeaser{Dir: dir}, nil
}

func (a *app) github() (*github.Client, error) {
	token := viper.GetString("github.token")
	if token == "" {
		return nil, pipeline.NewError(pipeline.KindEnvironment, "", fmt.Errorf("github.token is not set"))
	}
	opts := []github.Option{github.WithLogger(utils.Log)}
	if u := viper.GetString("github.api_url"); u != "" {
		opts = append(opts, github.WithAPIURL(u))
	}
	return github.NewClient(token, opts...)
}

// readmes returns nil when no object store is configured, which disables
// readme upload.
func (a *app) readmes() (readme.Store, error) {
	if viper.GetString("readme.s3.endpoint") == "" {
		utils.Log.Info("Skipping readme upload: readme.s3.endpoint not set in config.")
		return nil, nil
	}
	store, err := readme.NewS3Store(readme.S3Config{
		Endpoint:  viper.GetString("readme.s3.endpoint"),
		Bucket:    viper.GetString("readme.s3.bucket"),
		AccessKey: viper.GetString("readme.s3.access_key"),
		SecretKey: viper.GetString("readme.s3.secret_key"),
		UseSSL:    viper.GetBool("readme.s3.use_ssl"),
		PublicURL: viper.GetString("readme.s3.public_url"),
	})
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindEnvironment, "", err)
	}
	return store, nil
}

func (a *app) gitlab() (*gitlab.Client, error) {
	return gitlab.NewClient(gitlab.Config{
		APIURL:            viper.GetString("gitlab.api_url"),
		ProjectID:         viper.GetString("gitlab.project_id"),
		TriggerToken:      viper.GetString("gitlab.trigger_token"),
		APIToken:          viper.GetString("gitlab.api_token"),
		Ref:               viper.GetString("gitlab.ref"),
		BuilderToken:      viper.GetString("builder.token"),
		BuilderAPIBaseURL: viper.GetString("builder.api_base_url"),
	}, gitlab.WithLogger(utils.Log))
}

func (a *app) matrix() (builds.Matrix, error) {
	return builds.ParseMatrix(viper.GetStringSlice("builds.platforms"), viper.GetStringSlice("builds.swift_versions"))
}

func (a *app) buildSettings() builds.Settings {
	return builds.Settings{
		AllowTriggers: viper.GetBool("builds.allow_triggers"),
		Downscaling:   viper.GetFloat64("builds.downscaling"),
		PipelineLimit: viper.GetInt("builds.pipeline_limit"),
		AllowList:     viper.GetStringSlice("builds.allow_list"),
		TrimAfter:     viper.GetDuration("builds.trim_after"),
	}
}

// logMetrics prints the counters that moved during the run.
func (a *app) logMetrics() {
	snap := a.env.Metrics.Snapshot()
	fields := logrus.Fields{}
	for _, name := range a.env.Metrics.NonZero() {
		fields[name] = snap[name]
	}
	if len(fields) > 0 {
		utils.Log.WithFields(fields).Info("Run metrics")
	}
}

func addModeFlags(cmd *cobra.Command, what string) {
	cmd.Flags().Int("limit", 10, "Maximum number of packages to "+what+" per run")
	cmd.Flags().String("id", "", "Only "+what+" the package with this id")
	cmd.Flags().Duration("period", 0, "Rerun every period until interrupted (0 runs once)")
}

func modeFromFlags(cmd *cobra.Command) pipeline.Mode {
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		return pipeline.ID(id)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	return pipeline.Limit(limit)
}

// runPeriodically runs fn once, or every period until the process is
// interrupted. In a loop only batch-fatal errors stop it.
func runPeriodically(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	period, _ := cmd.Flags().GetDuration("period")
	if period <= 0 {
		return fn(ctx)
	}
	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			utils.Log.Errorf("Run failed: %v", err)
			if pipeline.KindOf(err) == pipeline.KindEnvironment {
				return err
			}
		}
		utils.Log.Debugf("Sleeping %s", period)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(period):
		}
	}
}
