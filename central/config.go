package central

import (
  "os"
  "time"

  "github.com/pkg/errors"
  "gopkg.in/yaml.v3"
)

const (
  DefaultAutoUpdateRate = 50 * time.Millisecond
  OtaAutoUpdateRate = 1 * time.Millisecond
  DefaultTaskTimeout = 12500 * time.Millisecond
  DefaultMtu = 23
  // GATT write payloads lose 3 bytes of ATT header per PDU.
  GattWriteMtuOverhead = 3
)

// ManagerConfig is the global configuration. Per-device overrides live in
// DeviceConfig. The zero value is not usable directly; start from
// DefaultConfig (or OtaConfig) and adjust.
type ManagerConfig struct {
  // AutoUpdateRate is the scheduler tick interval. ManualUpdate disables the
  // worker entirely; the application then drives Manager.Update itself.
  AutoUpdateRate time.Duration `yaml:"auto_update_rate"`
  ManualUpdate bool `yaml:"manual_update"`

  NForAverageRunningReadTime int `yaml:"n_for_average_running_read_time"`
  NForAverageRunningWriteTime int `yaml:"n_for_average_running_write_time"`
  IncludeOtaReadWriteTimesInAverage bool `yaml:"include_ota_read_write_times_in_average"`

  // DefaultTxPower (dBm at 1m) is the fallback for distance estimation when
  // the advertisement carries no calibrated value.
  DefaultTxPower int `yaml:"default_tx_power"`

  ReconnectShortTermTimeout time.Duration `yaml:"reconnect_filter_short_term_timeout"`
  ReconnectLongTermTimeout time.Duration `yaml:"reconnect_filter_long_term_timeout"`

  ManageLastDisconnectOnDisk bool `yaml:"manage_last_disconnect_on_disk"`
  SaveNameChangesToDisk bool `yaml:"save_name_changes_to_disk"`

  ClearGattOnOtaSuccess bool `yaml:"clear_gatt_on_ota_success"`
  AutoScanDuringOta bool `yaml:"auto_scan_during_ota"`

  // PostCallbacksToExecutor posts application callbacks through
  // CallbackExecutor (the app's runloop) instead of invoking them inline on
  // the update worker.
  PostCallbacksToExecutor bool `yaml:"post_callbacks_to_executor"`
  CallbackExecutor func(fn func()) `yaml:"-"`

  DefaultGattRefreshDelay time.Duration `yaml:"default_gatt_refresh_delay"`

  // UndiscoveryKeepAlive is how long a device may stay unseen during an
  // active scan before it is transitioned to UNDISCOVERED. 0 disables the
  // sweep.
  UndiscoveryKeepAlive time.Duration `yaml:"undiscovery_keep_alive"`

  TaskTimeout time.Duration `yaml:"task_timeout"`
}

func DefaultConfig() ManagerConfig {
  return ManagerConfig{
    AutoUpdateRate: DefaultAutoUpdateRate,
    NForAverageRunningReadTime: 10,
    NForAverageRunningWriteTime: 10,
    DefaultTxPower: -50,
    ReconnectShortTermTimeout: 5 * time.Second,
    ReconnectLongTermTimeout: 5 * time.Minute,
    PostCallbacksToExecutor: true,
    DefaultGattRefreshDelay: 500 * time.Millisecond,
    TaskTimeout: DefaultTaskTimeout,
  }
}

// OtaConfig tunes the defaults for firmware-transfer throughput: a 1 ms tick,
// callbacks kept on the update worker, scanning allowed to continue, and the
// GATT database cleared once the transfer succeeds.
func OtaConfig() ManagerConfig {
  cfg := DefaultConfig()

  cfg.AutoUpdateRate = OtaAutoUpdateRate
  cfg.AutoScanDuringOta = true
  cfg.ClearGattOnOtaSuccess = true
  cfg.PostCallbacksToExecutor = false

  return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (ManagerConfig, error) {
  cfg := DefaultConfig()

  data, err := os.ReadFile(path)

  if err != nil {
    return cfg, errors.Wrap(err, "failed to read config file")
  }

  if err := yaml.Unmarshal(data, &cfg); err != nil {
    return cfg, errors.Wrap(err, "failed to parse config file")
  }

  return cfg.normalized(), nil
}

// UnmarshalYAML accepts Go duration strings ("50ms", "2s") for every
// duration option and leaves absent fields untouched, so file contents layer
// over the defaults.
func (c *ManagerConfig) UnmarshalYAML(node *yaml.Node) error {
  type rawConfig struct {
    AutoUpdateRate *string `yaml:"auto_update_rate"`
    ManualUpdate *bool `yaml:"manual_update"`
    NForAverageRunningReadTime *int `yaml:"n_for_average_running_read_time"`
    NForAverageRunningWriteTime *int `yaml:"n_for_average_running_write_time"`
    IncludeOtaReadWriteTimesInAverage *bool `yaml:"include_ota_read_write_times_in_average"`
    DefaultTxPower *int `yaml:"default_tx_power"`
    ReconnectShortTermTimeout *string `yaml:"reconnect_filter_short_term_timeout"`
    ReconnectLongTermTimeout *string `yaml:"reconnect_filter_long_term_timeout"`
    ManageLastDisconnectOnDisk *bool `yaml:"manage_last_disconnect_on_disk"`
    SaveNameChangesToDisk *bool `yaml:"save_name_changes_to_disk"`
    ClearGattOnOtaSuccess *bool `yaml:"clear_gatt_on_ota_success"`
    AutoScanDuringOta *bool `yaml:"auto_scan_during_ota"`
    PostCallbacksToExecutor *bool `yaml:"post_callbacks_to_executor"`
    DefaultGattRefreshDelay *string `yaml:"default_gatt_refresh_delay"`
    UndiscoveryKeepAlive *string `yaml:"undiscovery_keep_alive"`
    TaskTimeout *string `yaml:"task_timeout"`
  }

  var raw rawConfig

  if err := node.Decode(&raw); err != nil {
    return err
  }

  setDuration := func(dst *time.Duration, src *string) error {
    if src == nil {
      return nil
    }

    d, err := time.ParseDuration(*src)

    if err != nil {
      return errors.Wrapf(err, "invalid duration %q", *src)
    }

    *dst = d

    return nil
  }

  for dst, src := range map[*time.Duration]*string{
    &c.AutoUpdateRate: raw.AutoUpdateRate,
    &c.ReconnectShortTermTimeout: raw.ReconnectShortTermTimeout,
    &c.ReconnectLongTermTimeout: raw.ReconnectLongTermTimeout,
    &c.DefaultGattRefreshDelay: raw.DefaultGattRefreshDelay,
    &c.UndiscoveryKeepAlive: raw.UndiscoveryKeepAlive,
    &c.TaskTimeout: raw.TaskTimeout,
  } {
    if err := setDuration(dst, src); err != nil {
      return err
    }
  }

  if raw.ManualUpdate != nil {
    c.ManualUpdate = *raw.ManualUpdate
  }

  if raw.NForAverageRunningReadTime != nil {
    c.NForAverageRunningReadTime = *raw.NForAverageRunningReadTime
  }

  if raw.NForAverageRunningWriteTime != nil {
    c.NForAverageRunningWriteTime = *raw.NForAverageRunningWriteTime
  }

  if raw.IncludeOtaReadWriteTimesInAverage != nil {
    c.IncludeOtaReadWriteTimesInAverage = *raw.IncludeOtaReadWriteTimesInAverage
  }

  if raw.DefaultTxPower != nil {
    c.DefaultTxPower = *raw.DefaultTxPower
  }

  if raw.ManageLastDisconnectOnDisk != nil {
    c.ManageLastDisconnectOnDisk = *raw.ManageLastDisconnectOnDisk
  }

  if raw.SaveNameChangesToDisk != nil {
    c.SaveNameChangesToDisk = *raw.SaveNameChangesToDisk
  }

  if raw.ClearGattOnOtaSuccess != nil {
    c.ClearGattOnOtaSuccess = *raw.ClearGattOnOtaSuccess
  }

  if raw.AutoScanDuringOta != nil {
    c.AutoScanDuringOta = *raw.AutoScanDuringOta
  }

  if raw.PostCallbacksToExecutor != nil {
    c.PostCallbacksToExecutor = *raw.PostCallbacksToExecutor
  }

  return nil
}

func (c ManagerConfig) normalized() ManagerConfig {
  if c.AutoUpdateRate <= 0 {
    c.AutoUpdateRate = DefaultAutoUpdateRate
  }

  if c.TaskTimeout <= 0 {
    c.TaskTimeout = DefaultTaskTimeout
  }

  return c
}

// DeviceConfig overrides a subset of the global options per device. Nil
// fields inherit from the ManagerConfig.
type DeviceConfig struct {
  ReconnectShortTermTimeout *time.Duration `yaml:"reconnect_filter_short_term_timeout"`
  ReconnectLongTermTimeout *time.Duration `yaml:"reconnect_filter_long_term_timeout"`
  NForAverageRunningReadTime *int `yaml:"n_for_average_running_read_time"`
  NForAverageRunningWriteTime *int `yaml:"n_for_average_running_write_time"`
  IncludeOtaReadWriteTimesInAverage *bool `yaml:"include_ota_read_write_times_in_average"`
  TaskTimeout *time.Duration `yaml:"task_timeout"`
}

func durationOr(override *time.Duration, fallback time.Duration) time.Duration {
  if override != nil {
    return *override
  }

  return fallback
}

func intOr(override *int, fallback int) int {
  if override != nil {
    return *override
  }

  return fallback
}

func boolOr(override *bool, fallback bool) bool {
  if override != nil {
    return *override
  }

  return fallback
}
