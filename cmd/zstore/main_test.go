package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstore/zstore/internal/config"
	"github.com/zstore/zstore/internal/driver/emulator"
	"github.com/zstore/zstore/internal/runtime"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/health"
)

func writeConfig(t *testing.T, mutate func(*config.Configuration)) *config.Configuration {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Cursor.Path = filepath.Join(dir, "current_zone")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "zstore.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	previous := slog.Default()
	flagMain.Config = path
	t.Cleanup(func() {
		flagMain.Config = ""
		slog.SetDefault(previous)
	})
	return cfg
}

func TestNewDriver_AppliesGeometry(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Devices[0].Geometry = &config.GeometryConfig{FirstZoneLBA: 0x5780267, ZoneCapacity: 16}

	drv := newDriver(cfg).(*emulator.Driver)

	ns, ok := drv.Namespace(cfg.Devices[0].Target)
	require.True(t, ok)
	assert.Equal(t, uint64(0x5780267), ns.Describe().FirstZoneLBA)
	assert.Equal(t, uint64(16), ns.Describe().ZoneCapacity)

	ns, ok = drv.Namespace(cfg.Devices[1].Target)
	require.True(t, ok)
	assert.Equal(t, emulator.DefaultDescriptor(), ns.Describe())
}

func TestLoadConfig_RejectsInvalidFile(t *testing.T) {
	writeConfig(t, func(c *config.Configuration) { c.Session.QueueDepth = 0 })

	_, err := loadConfig(cmdRun)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation), "got %v", err)
}

func TestRunWorkload_CheckpointsCursor(t *testing.T) {
	cfg := writeConfig(t, func(c *config.Configuration) { c.Workload.Appends = 3 })
	flagRun.Appends = -1

	require.NoError(t, runWorkload(cmdRun, nil))

	data, err := os.ReadFile(cfg.Cursor.Path)
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(data))
}

func TestRunWorkload_UnwritableCursorStillSucceeds(t *testing.T) {
	cfg := writeConfig(t, func(c *config.Configuration) {
		c.Workload.Appends = 3
		c.Cursor.Path = filepath.Join(t.TempDir(), "missing", "current_zone")
	})
	flagRun.Appends = -1

	err := runWorkload(cmdRun, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, runtime.ExitCode(err))

	_, statErr := os.Stat(cfg.Cursor.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunReset_RequiresConfirmation(t *testing.T) {
	writeConfig(t, nil)
	flagReset.Yes = false

	err := runReset(cmdReset, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument), "got %v", err)
}

func TestApp_SetDivergedTracksReplicaSetHealth(t *testing.T) {
	writeConfig(t, nil)
	a, err := newApp(cmdRun)
	require.NoError(t, err)
	defer a.close()

	a.SetDiverged(true)
	assert.Equal(t, health.StateUnavailable, a.health.GetState(replicaSetComponent))
	assert.False(t, a.health.CanRead(replicaSetComponent))

	a.SetDiverged(false)
	assert.Equal(t, health.StateHealthy, a.health.GetOverallHealth())
}

func TestApp_SessionOptionsObserveHealth(t *testing.T) {
	writeConfig(t, nil)
	a, err := newApp(cmdRun)
	require.NoError(t, err)
	defer a.close()

	opts, err := a.sessionOptions()
	require.NoError(t, err)
	require.Len(t, opts.Observers, 1, "metrics are disabled by default")
	assert.Same(t, a.health, opts.Observers[0])
}
