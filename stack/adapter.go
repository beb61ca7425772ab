// Package stack defines the narrow contract between the gattkit core and a
// native BLE transport. The core consumes an Adapter and receives every
// completion through a Sink; it never blocks on an adapter call.
package stack

import (
  "fmt"
  "net"
  "strings"
  "time"

  "github.com/go-ble/ble"
  "github.com/robertof/go-gattkit/adv"
)

type UUID = ble.UUID

// Mac is the canonical textual rendering of a 48-bit device address
// (upper-case, colon-separated: XX:XX:XX:XX:XX:XX).
type Mac string

func ParseMac(s string) (Mac, error) {
  hw, err := net.ParseMAC(s)

  if err != nil {
    return "", fmt.Errorf("invalid MAC address %q: %w", s, err)
  }

  if len(hw) != 6 {
    return "", fmt.Errorf("invalid MAC address %q: want 48 bits, got %d", s, len(hw)*8)
  }

  return Mac(strings.ToUpper(hw.String())), nil
}

func (m Mac) HardwareAddr() net.HardwareAddr {
  hw, err := net.ParseMAC(string(m))

  if err != nil {
    panic("malformed Mac slipped past ParseMac: " + string(m))
  }

  return hw
}

func (m Mac) String() string {
  return string(m)
}

type AdapterState uint8

const (
  AdapterOff AdapterState = iota
  AdapterTurningOn
  AdapterOn
  AdapterTurningOff
)

func (s AdapterState) String() string {
  switch s {
  case AdapterOff:
    return "Off"
  case AdapterTurningOn:
    return "TurningOn"
  case AdapterOn:
    return "On"
  case AdapterTurningOff:
    return "TurningOff"
  default:
    return fmt.Sprintf("AdapterState(%d)", s)
  }
}

type WriteType uint8

const (
  WriteWithResponse WriteType = iota
  WriteWithoutResponse
  WriteSigned
)

func (w WriteType) String() string {
  switch w {
  case WriteWithResponse:
    return "WithResponse"
  case WriteWithoutResponse:
    return "WithoutResponse"
  case WriteSigned:
    return "Signed"
  default:
    return fmt.Sprintf("WriteType(%d)", w)
  }
}

type Phy uint8

const (
  PhyUnknown Phy = iota
  Phy1M
  Phy2M
  PhyCoded
)

func (p Phy) String() string {
  switch p {
  case Phy1M:
    return "1M"
  case Phy2M:
    return "2M"
  case PhyCoded:
    return "Coded"
  default:
    return "Unknown"
  }
}

type PhyOptions uint8

const (
  PhyOptionNoPreference PhyOptions = iota
  PhyOptionS2
  PhyOptionS8
)

type ConnectionPriority uint8

const (
  ConnectionPriorityBalanced ConnectionPriority = iota
  ConnectionPriorityHigh
  ConnectionPriorityLowPower
)

func (p ConnectionPriority) String() string {
  switch p {
  case ConnectionPriorityBalanced:
    return "Balanced"
  case ConnectionPriorityHigh:
    return "High"
  case ConnectionPriorityLowPower:
    return "LowPower"
  default:
    return fmt.Sprintf("ConnectionPriority(%d)", p)
  }
}

type BondState uint8

const (
  BondNone BondState = iota
  Bonding
  Bonded
)

func (b BondState) String() string {
  switch b {
  case BondNone:
    return "None"
  case Bonding:
    return "Bonding"
  case Bonded:
    return "Bonded"
  default:
    return fmt.Sprintf("BondState(%d)", b)
  }
}

// Property is the GATT characteristic property bitmask.
type Property uint8

const (
  PropertyBroadcast Property = 1 << iota
  PropertyRead
  PropertyWriteNoResponse
  PropertyWrite
  PropertyNotify
  PropertyIndicate
  PropertySignedWrite
)

type Descriptor struct {
  UUID UUID
}

type Characteristic struct {
  UUID UUID
  Properties Property
  Descriptors []Descriptor
}

type Service struct {
  UUID UUID
  Characteristics []Characteristic
}

// Target is the fingerprint of a characteristic (or descriptor) on a remote
// GATT database. Service narrows the lookup when multiple characteristics
// share a UUID; Descriptor selects a descriptor under the characteristic.
// A zero-length UUID acts as a wildcard.
type Target struct {
  Service UUID
  Char UUID
  Descriptor UUID
}

func NewTarget(char UUID) Target {
  return Target{Char: char}
}

func (t Target) IsZero() bool {
  return len(t.Char) == 0 && len(t.Service) == 0 && len(t.Descriptor) == 0
}

// Key returns a stable map key for per-characteristic bookkeeping.
func (t Target) Key() string {
  return t.Service.String() + "/" + t.Char.String() + "/" + t.Descriptor.String()
}

func (t Target) String() string {
  var parts []string

  if len(t.Service) > 0 {
    parts = append(parts, "svc="+t.Service.String())
  }

  if len(t.Char) > 0 {
    parts = append(parts, "char="+t.Char.String())
  }

  if len(t.Descriptor) > 0 {
    parts = append(parts, "desc="+t.Descriptor.String())
  }

  if len(parts) == 0 {
    return "target:none"
  }

  return "target:" + strings.Join(parts, ",")
}

// GattStatus is the native status code attached to a GATT callback.
// 0 means success; everything else is stack-defined.
type GattStatus int

const (
  GattSuccess GattStatus = 0
  GattInsufficientAuthentication GattStatus = 5
  GattConnectionCongested GattStatus = 143
  // The infamous spurious failure most stacks produce under load. Subject to
  // a single internal retry by the core.
  GattError133 GattStatus = 133
)

func (g GattStatus) Ok() bool {
  return g == GattSuccess
}

type ScanParams struct {
  Active bool
  AllowList []Mac
  Duration time.Duration
}

type EventKind uint8

const (
  EvtAdapterState EventKind = iota
  EvtAdvertisement
  EvtConnected
  EvtConnectFailed
  EvtDisconnected
  EvtServicesDiscovered
  EvtCharacteristicRead
  EvtCharacteristicWritten
  EvtDescriptorRead
  EvtDescriptorWritten
  EvtNotifyState
  EvtNotification
  EvtIndication
  EvtRssi
  EvtMtu
  EvtConnectionPriority
  EvtPhy
  EvtReliableWriteBegun
  EvtReliableWriteExecuted
  EvtReliableWriteAborted
  EvtBondState
  EvtCrashResolved
)

func (k EventKind) String() string {
  names := map[EventKind]string{
    EvtAdapterState: "AdapterState",
    EvtAdvertisement: "Advertisement",
    EvtConnected: "Connected",
    EvtConnectFailed: "ConnectFailed",
    EvtDisconnected: "Disconnected",
    EvtServicesDiscovered: "ServicesDiscovered",
    EvtCharacteristicRead: "CharacteristicRead",
    EvtCharacteristicWritten: "CharacteristicWritten",
    EvtDescriptorRead: "DescriptorRead",
    EvtDescriptorWritten: "DescriptorWritten",
    EvtNotifyState: "NotifyState",
    EvtNotification: "Notification",
    EvtIndication: "Indication",
    EvtRssi: "Rssi",
    EvtMtu: "Mtu",
    EvtConnectionPriority: "ConnectionPriority",
    EvtPhy: "Phy",
    EvtReliableWriteBegun: "ReliableWriteBegun",
    EvtReliableWriteExecuted: "ReliableWriteExecuted",
    EvtReliableWriteAborted: "ReliableWriteAborted",
    EvtBondState: "BondState",
    EvtCrashResolved: "CrashResolved",
  }

  if name, ok := names[k]; ok {
    return name
  }

  return fmt.Sprintf("EventKind(%d)", k)
}

// Event is a single completion or broadcast from the native transport.
// Events may be produced on arbitrary OS threads; the core posts them to its
// update worker before touching any state.
type Event struct {
  Kind EventKind
  Mac Mac
  Status GattStatus

  Adapter AdapterState
  Record *adv.ScanRecord
  Rssi int
  Services []Service
  Target Target
  Value []byte
  NotifyEnabled bool
  Mtu int
  TxPhy Phy
  RxPhy Phy
  Bond BondState
}

// Sink receives every Event an Adapter produces. Implementations must be safe
// to call from any thread and must not block.
type Sink interface {
  OnStackEvent(e Event)
}

// Adapter is the only coupling between the core and the OS BLE stack. Every
// method with an asynchronous outcome resolves through the Sink; none of them
// block. Scan start/stop are idempotent.
type Adapter interface {
  SetSink(s Sink)

  State() AdapterState
  SetPower(on bool)

  StartScan(p ScanParams) error
  StopScan()

  Connect(mac Mac, autoConnect bool)
  Disconnect(mac Mac)
  DiscoverServices(mac Mac)

  ReadCharacteristic(mac Mac, t Target)
  WriteCharacteristic(mac Mac, t Target, value []byte, wt WriteType)
  ReadDescriptor(mac Mac, t Target)
  WriteDescriptor(mac Mac, t Target, value []byte)
  SetNotify(mac Mac, t Target, enabled bool)

  ReadRssi(mac Mac)
  RequestMtu(mac Mac, mtu int)
  RequestConnectionPriority(mac Mac, p ConnectionPriority)
  SetPhy(mac Mac, tx, rx Phy, opts PhyOptions)
  ReadPhy(mac Mac)

  BeginReliableWrite(mac Mac)
  ExecuteReliableWrite(mac Mac)
  AbortReliableWrite(mac Mac)

  CreateBond(mac Mac)
  RemoveBond(mac Mac)

  ForceCrashResolverFlush()
}
