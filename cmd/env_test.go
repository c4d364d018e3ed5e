package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindex/spindex/internal/utils"
	"github.com/spindex/spindex/pkg/builds"
	"github.com/spindex/spindex/pkg/pipeline"
)

func newTestCmd(args ...string) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addModeFlags(c, "test")
	_ = c.Flags().Parse(args)
	return c
}

func TestModeFromFlags(t *testing.T) {
	assert.Equal(t, pipeline.Limit(10), modeFromFlags(newTestCmd()))
	assert.Equal(t, pipeline.Limit(3), modeFromFlags(newTestCmd("--limit", "3")))
	assert.Equal(t, pipeline.ID("p1"), modeFromFlags(newTestCmd("--id", "p1", "--limit", "3")))
}

func TestRunPeriodicallyOnce(t *testing.T) {
	calls := 0
	err := runPeriodically(newTestCmd(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunPeriodicallyStopsOnEnvironmentError(t *testing.T) {
	calls := 0
	err := runPeriodically(newTestCmd("--period", "1ms"), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return pipeline.NewError(pipeline.KindEnvironment, "", errors.New("no token"))
	})
	assert.Equal(t, pipeline.KindEnvironment, pipeline.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestBuildSettingsFromConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()
	viper.Set("builds.downscaling", 0.25)
	viper.Set("builds.allow_list", []string{"p1"})

	var a app
	s := a.buildSettings()
	assert.True(t, s.AllowTriggers)
	assert.Equal(t, 0.25, s.Downscaling)
	assert.Equal(t, 200, s.PipelineLimit)
	assert.Equal(t, []string{"p1"}, s.AllowList)
	assert.Equal(t, 4*time.Hour, s.TrimAfter)

	m, err := a.matrix()
	require.NoError(t, err)
	assert.Equal(t, builds.DefaultMatrix().Expected(), m.Expected())
}

func TestGitLabRequiresTokens(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	var a app
	_, err := a.gitlab()
	assert.Equal(t, pipeline.KindEnvironment, pipeline.KindOf(err))
	_, err = a.github()
	assert.Equal(t, pipeline.KindEnvironment, pipeline.KindOf(err))
}

func TestLockDatabaseSerializesSQLite(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()
	dsn := filepath.Join(t.TempDir(), "spindex.sqlite")
	viper.Set("db.dsn", dsn)

	unlock, err := lockDatabase()
	require.NoError(t, err)

	other, err := utils.NewFileLock(dsn)
	require.NoError(t, err)
	assert.ErrorIs(t, other.TryLock(), utils.ErrLocked)

	unlock()
	require.NoError(t, other.TryLock())
	require.NoError(t, other.Unlock())

	viper.Set("db.driver", "postgres")
	unlock, err = lockDatabase()
	require.NoError(t, err)
	unlock()
}
