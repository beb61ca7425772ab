package main

import (
  "os"
  "time"

  "github.com/robertof/go-gattkit/central"
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/stack"
  "github.com/robertof/go-gattkit/storage"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "github.com/spf13/cobra"
)

type cliOptions struct {
  Debug, Trace bool
  BluetoothDeviceId int
  ActiveScan bool
  ConfigPath string
  StorePath string
  EnableBluez bool
}

var opts cliOptions

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  root := &cobra.Command{
    Use: "gattkit",
    Short: "BLE central toolbox built on the gattkit scheduler",
    PersistentPreRun: func(cmd *cobra.Command, args []string) {
      if opts.Trace || os.Getenv("TRACE") != "" {
        zerolog.SetGlobalLevel(zerolog.TraceLevel)
      } else if opts.Debug || os.Getenv("DEBUG") != "" {
        zerolog.SetGlobalLevel(zerolog.DebugLevel)
      } else {
        zerolog.SetGlobalLevel(zerolog.InfoLevel)
      }
    },
  }

  root.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logs")
  root.PersistentFlags().BoolVar(&opts.Trace, "trace", false, "Enable trace logs")
  root.PersistentFlags().IntVar(&opts.BluetoothDeviceId, "bluetooth-device", 0,
    "Bluetooth (HCI) device ID")
  root.PersistentFlags().BoolVar(&opts.ActiveScan, "active", false,
    "Use active scans (request scan responses)")
  root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "",
    "Path to a YAML manager config")
  root.PersistentFlags().StringVar(&opts.StorePath, "store", "",
    "Path to the sqlite store for disconnect intents, names and history")
  root.PersistentFlags().BoolVar(&opts.EnableBluez, "bluez", false,
    "Enable BlueZ D-Bus support (bonding, adapter power)")

  root.AddCommand(newScanCommand())
  root.AddCommand(newExploreCommand())
  root.AddCommand(newWatchCommand())

  if err := root.Execute(); err != nil {
    os.Exit(1)
  }
}

// buildManager wires an adapter, optional store and manager from the flags.
func buildManager() (*central.Manager, func()) {
  cfg := central.DefaultConfig()

  if opts.ConfigPath != "" {
    loaded, err := central.LoadConfig(opts.ConfigPath)

    if err != nil {
      log.Fatal().Err(err).Msg("Failed to load config")
    }

    cfg = loaded
  }

  var bluez *stack.BluezSupport

  if opts.EnableBluez {
    var err error
    bluez, err = stack.NewBluezSupport("")

    if err != nil {
      log.Fatal().Err(err).Msg("Failed to connect to BlueZ")
    }
  }

  adapter, err := stack.NewGobleAdapter(stack.GobleOptions{
    DeviceId: opts.BluetoothDeviceId,
    ActiveScan: opts.ActiveScan,
    Bluez: bluez,
  })

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  var mgrOpts []central.Option
  var store *storage.Store

  if opts.StorePath != "" {
    store, err = storage.Open(opts.StorePath)

    if err != nil {
      log.Fatal().Err(err).Msg("Failed to open store")
    }

    mgrOpts = append(mgrOpts, central.WithDiskStore(store))
  }

  mgr, err := central.NewManager(adapter, cfg, mgrOpts...)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to create manager")
  }

  metrics.RegisterMetrics(prometheus.DefaultRegisterer)

  mgr.Start()

  cleanup := func() {
    mgr.Shutdown()
    adapter.Stop()

    if store != nil {
      store.Close()
    }

    if bluez != nil {
      bluez.Close()
    }
  }

  return mgr, cleanup
}
