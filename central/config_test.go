package central_test

import (
  "os"
  "path/filepath"
  "testing"
  "time"

  "github.com/robertof/go-gattkit/central"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
  cfg := central.DefaultConfig()

  assert.Equal(t, 50 * time.Millisecond, cfg.AutoUpdateRate)
  assert.Equal(t, 5 * time.Second, cfg.ReconnectShortTermTimeout)
  assert.True(t, cfg.PostCallbacksToExecutor)
}

func TestOtaConfig(t *testing.T) {
  cfg := central.OtaConfig()

  assert.Equal(t, time.Millisecond, cfg.AutoUpdateRate)
  assert.True(t, cfg.AutoScanDuringOta)
  assert.True(t, cfg.ClearGattOnOtaSuccess)
  assert.False(t, cfg.PostCallbacksToExecutor)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
  path := filepath.Join(t.TempDir(), "gattkit.yaml")

  require.NoError(t, os.WriteFile(path, []byte(`
auto_update_rate: 100ms
reconnect_filter_short_term_timeout: 2s
manage_last_disconnect_on_disk: true
n_for_average_running_read_time: 25
`), 0o644))

  cfg, err := central.LoadConfig(path)
  require.NoError(t, err)

  assert.Equal(t, 100 * time.Millisecond, cfg.AutoUpdateRate)
  assert.Equal(t, 2 * time.Second, cfg.ReconnectShortTermTimeout)
  assert.True(t, cfg.ManageLastDisconnectOnDisk)
  assert.Equal(t, 25, cfg.NForAverageRunningReadTime)

  // untouched options keep their defaults.
  assert.Equal(t, 5 * time.Minute, cfg.ReconnectLongTermTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
  _, err := central.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
  assert.Error(t, err)
}
