package main

import (
  "fmt"
  "os"
  "os/signal"
  "time"

  "github.com/go-ble/ble"
  "github.com/robertof/go-gattkit/central"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
  "github.com/spf13/cobra"
  "golang.org/x/exp/maps"
)

func newScanCommand() *cobra.Command {
  var duration time.Duration

  cmd := &cobra.Command{
    Use: "scan",
    Short: "Discover nearby devices and print what they advertise",
    Run: func(cmd *cobra.Command, args []string) {
      mgr, cleanup := buildManager()
      defer cleanup()

      type deviceInfo struct {
        name string
        rssi int
        services map[string]bool
      }

      devices := make(map[string]*deviceInfo)

      mgr.PushDiscoveryListener(func(e central.DiscoveryEvent) {
        if e.Lifecycle == central.LifecycleUndiscovered {
          delete(devices, string(e.Device.Mac()))
          return
        }

        info := devices[string(e.Device.Mac())]

        if info == nil {
          info = &deviceInfo{services: make(map[string]bool)}
          devices[string(e.Device.Mac())] = info
        }

        info.name = e.Device.Name()
        info.rssi = e.Rssi

        if record := e.Device.ScanRecord(); record != nil {
          for _, svc := range record.Services {
            info.services[svc.String()] = true
          }
        }

        log.Debug().
          Stringer("Mac", e.Device.Mac()).
          Str("Name", e.Device.Name()).
          Int("Rssi", e.Rssi).
          Stringer("Lifecycle", e.Lifecycle).
          Msg("Received advertisement")
      })

      log.Info().Dur("DurationSec", duration).Msg("Scanning for devices...")

      mgr.StartScan(stack.ScanParams{Active: opts.ActiveScan})

      select {
      case <-time.After(duration):
      case <-interrupted():
      }

      mgr.StopScan()

      log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

      for mac, info := range devices {
        log.Info().
          Str("Mac", mac).
          Str("Name", info.name).
          Int("Rssi", info.rssi).
          Strs("Services", maps.Keys(info.services)).
          Msg("Found device")
      }
    },
  }

  cmd.Flags().DurationVar(&duration, "duration", 5 * time.Second, "How long to scan")

  return cmd
}

func newExploreCommand() *cobra.Command {
  cmd := &cobra.Command{
    Use: "explore <mac>",
    Short: "Connect to a device and dump its GATT database",
    Args: cobra.ExactArgs(1),
    Run: func(cmd *cobra.Command, args []string) {
      mgr, cleanup := buildManager()
      defer cleanup()

      dev, err := mgr.NewDevice(args[0])

      if err != nil {
        log.Fatal().Err(err).Msg("Invalid device address")
      }

      done := make(chan struct{}, 1)

      dev.PushStateChangeListener(func(e central.StateChangeEvent) {
        if e.Entered(central.StateInitialized) {
          select {
          case done <- struct{}{}:
          default:
          }
        }
      })

      dev.PushConnectFailListener(func(e central.ConnectFailEvent) {
        log.Fatal().
          Stringer("Status", e.Status).
          Stringer("HighestState", e.HighestStateReached).
          Msg("Connection failed")
      })

      log.Info().Stringer("Device", dev.Mac()).Msg("Connecting...")

      if e := dev.Connect(); !e.Status.Ok() {
        log.Fatal().Stringer("Status", e.Status).Msg("Connect rejected")
      }

      select {
      case <-done:
      case <-interrupted():
        return
      }

      for _, svc := range dev.Services() {
        fmt.Printf("service %v\n", svc.UUID)

        for _, char := range svc.Characteristics {
          fmt.Printf("  characteristic %v (props 0x%02x)\n", char.UUID, char.Properties)

          for _, desc := range char.Descriptors {
            fmt.Printf("    descriptor %v\n", desc.UUID)
          }
        }
      }

      dev.Disconnect()
    },
  }

  return cmd
}

func newWatchCommand() *cobra.Command {
  var forceRead time.Duration

  cmd := &cobra.Command{
    Use: "watch <mac> <char-uuid>",
    Short: "Subscribe to a characteristic and print every notification",
    Args: cobra.ExactArgs(2),
    Run: func(cmd *cobra.Command, args []string) {
      mgr, cleanup := buildManager()
      defer cleanup()

      dev, err := mgr.NewDevice(args[0])

      if err != nil {
        log.Fatal().Err(err).Msg("Invalid device address")
      }

      charUuid, err := ble.Parse(args[1])

      if err != nil {
        log.Fatal().Err(err).Msg("Invalid characteristic UUID")
      }

      target := stack.NewTarget(charUuid)

      dev.PushStateChangeListener(func(e central.StateChangeEvent) {
        if !e.Entered(central.StateInitialized) {
          return
        }

        result := e.Device.EnableNotify(target, forceRead, func(rw central.ReadWriteEvent) {
          if !rw.Status.Ok() {
            log.Fatal().Stringer("Status", rw.Status).Msg("Failed to enable notifications")
          }

          log.Info().Stringer("Target", target).Msg("Notifications enabled")
        })

        if !result.Null && !result.Status.Ok() {
          log.Fatal().Stringer("Status", result.Status).Msg("Notify enable rejected")
        }
      })

      dev.PushNotificationListener(func(e central.NotificationEvent) {
        log.Info().
          Stringer("Type", e.Type).
          Hex("Data", e.Data).
          Msg("Notification")
      })

      if e := dev.Connect(); !e.Status.Ok() {
        log.Fatal().Stringer("Status", e.Status).Msg("Connect rejected")
      }

      <-interrupted()

      dev.Disconnect()
    },
  }

  cmd.Flags().DurationVar(&forceRead, "force-read-timeout", 0,
    "Issue a read when the characteristic stays silent this long after subscribing")

  return cmd
}

func interrupted() <-chan os.Signal {
  ch := make(chan os.Signal, 1)
  signal.Notify(ch, os.Interrupt)

  return ch
}
