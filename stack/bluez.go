//go:build linux

package stack

import (
  "fmt"
  "strings"
  "time"

  dbus "github.com/godbus/dbus/v5"
  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"
)

// BluezSupport fills the gaps the raw HCI socket leaves open: pairing (SMP
// lives in bluetoothd), adapter power and the crash-resolver power cycle.
// It talks to org.bluez over the system bus.
type BluezSupport struct {
  bus *dbus.Conn
  adapterPath dbus.ObjectPath
}

const (
  bluezService = "org.bluez"
  bluezAdapterIface = "org.bluez.Adapter1"
  bluezDeviceIface = "org.bluez.Device1"

  bluezCallTimeout = 30 * time.Second
)

var (
  ErrAlreadyBonded = errors.New("device is already bonded")
  ErrUnknownDevice = errors.New("device is unknown to bluez")
)

// NewBluezSupport connects to the system bus and binds to the given adapter
// (e.g. "hci0").
func NewBluezSupport(adapterId string) (*BluezSupport, error) {
  bus, err := dbus.SystemBus()

  if err != nil {
    return nil, errors.Wrap(err, "failed to connect to system bus")
  }

  if adapterId == "" {
    adapterId = "hci0"
  }

  return &BluezSupport{
    bus: bus,
    adapterPath: dbus.ObjectPath("/org/bluez/" + adapterId),
  }, nil
}

func (b *BluezSupport) Close() error {
  return b.bus.Close()
}

// devicePath maps a MAC to the BlueZ object path:
// /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX.
func (b *BluezSupport) devicePath(mac Mac) dbus.ObjectPath {
  return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s",
    b.adapterPath, strings.ReplaceAll(string(mac), ":", "_")))
}

func (b *BluezSupport) adapter() dbus.BusObject {
  return b.bus.Object(bluezService, b.adapterPath)
}

func (b *BluezSupport) device(mac Mac) dbus.BusObject {
  return b.bus.Object(bluezService, b.devicePath(mac))
}

// SetPowered toggles Adapter1.Powered.
func (b *BluezSupport) SetPowered(on bool) error {
  err := b.adapter().SetProperty(bluezAdapterIface+".Powered", dbus.MakeVariant(on))

  return errors.Wrapf(err, "failed to set adapter power to %v", on)
}

func (b *BluezSupport) Powered() (bool, error) {
  v, err := b.adapter().GetProperty(bluezAdapterIface + ".Powered")

  if err != nil {
    return false, errors.Wrap(err, "failed to read adapter power")
  }

  on, ok := v.Value().(bool)

  if !ok {
    return false, errors.Errorf("unexpected Powered property type: %v", v)
  }

  return on, nil
}

// Pair bonds with the device through Device1.Pair. The call blocks until
// bluetoothd finishes the SMP exchange (or the agent rejects it).
func (b *BluezSupport) Pair(mac Mac) error {
  dev := b.device(mac)

  paired, err := dev.GetProperty(bluezDeviceIface + ".Paired")

  if err == nil {
    if isPaired, ok := paired.Value().(bool); ok && isPaired {
      return errors.Wrapf(ErrAlreadyBonded, "device %v", mac)
    }
  }

  log.Debug().Stringer("Mac", mac).Msg("stack: starting bluez pairing")

  call := dev.Call(bluezDeviceIface+".Pair", 0)

  if call.Err != nil {
    if isDbusError(call.Err, "org.bluez.Error.AlreadyExists") {
      return errors.Wrapf(ErrAlreadyBonded, "device %v", mac)
    }

    if isDbusError(call.Err, "org.freedesktop.DBus.Error.UnknownObject") {
      return errors.Wrapf(ErrUnknownDevice, "device %v", mac)
    }

    return errors.Wrapf(call.Err, "pairing with %v failed", mac)
  }

  return nil
}

// RemoveDevice drops the bond (and everything else bluetoothd knows about
// the device) via Adapter1.RemoveDevice.
func (b *BluezSupport) RemoveDevice(mac Mac) error {
  call := b.adapter().Call(bluezAdapterIface+".RemoveDevice", 0, b.devicePath(mac))

  if call.Err != nil {
    if isDbusError(call.Err, "org.bluez.Error.DoesNotExist") ||
        isDbusError(call.Err, "org.freedesktop.DBus.Error.UnknownObject") {
      // nothing to remove: the desired end state already holds.
      return nil
    }

    return errors.Wrapf(call.Err, "failed to remove device %v", mac)
  }

  return nil
}

// PowerCycle is the crash-resolver flush: bounce the adapter to force
// bluetoothd to drop any wedged internal state.
func (b *BluezSupport) PowerCycle() error {
  log.Warn().Msg("stack: power-cycling adapter to recover the native stack")

  if err := b.SetPowered(false); err != nil {
    return err
  }

  time.Sleep(time.Second)

  return b.SetPowered(true)
}

func isDbusError(err error, name string) bool {
  if dbusErr, ok := err.(dbus.Error); ok {
    return dbusErr.Name == name
  }

  if dbusErr, ok := err.(*dbus.Error); ok {
    return dbusErr.Name == name
  }

  return false
}
