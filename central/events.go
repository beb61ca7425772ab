package central

import (
  "fmt"
  "time"

  "github.com/robertof/go-gattkit/stack"
)

// Events are immutable value objects: they carry every field the application
// may need and never reach back into live device state.

type DiscoveryLifecycle uint8

const (
  LifecycleDiscovered DiscoveryLifecycle = iota
  LifecycleRediscovered
  LifecycleUndiscovered
)

func (l DiscoveryLifecycle) String() string {
  switch l {
  case LifecycleDiscovered:
    return "Discovered"
  case LifecycleRediscovered:
    return "Rediscovered"
  case LifecycleUndiscovered:
    return "Undiscovered"
  default:
    return fmt.Sprintf("DiscoveryLifecycle(%d)", l)
  }
}

type DiscoveryEvent struct {
  Device *Device
  Lifecycle DiscoveryLifecycle
  Rssi int
}

type StateChangeEvent struct {
  Device *Device
  Prev DeviceState
  New DeviceState
  Intent Intent
}

// Entered reports whether the transition set the given bits.
func (e StateChangeEvent) Entered(bits DeviceState) bool {
  return !e.Prev.Has(bits) && e.New.Has(bits)
}

// Exited reports whether the transition cleared the given bits.
func (e StateChangeEvent) Exited(bits DeviceState) bool {
  return e.Prev.HasAny(bits) && !e.New.HasAny(bits)
}

type ReadWriteType uint8

const (
  OpRead ReadWriteType = iota
  OpWrite
  OpNotification
  OpIndication
  // OpPsuedoNotification is a forced read masquerading as a notification,
  // issued when a just-enabled characteristic stays silent past the
  // configured force-read timeout. (Spelling is historical.)
  OpPsuedoNotification
  OpEnablingNotification
  OpDisablingNotification
  OpRssi
  OpMtu
  OpConnectionPriority
  OpPhyOptions
  OpReliableWriteBegin
  OpReliableWriteExecute
  OpReliableWriteAbort
)

var opNames = map[ReadWriteType]string{
  OpRead: "Read",
  OpWrite: "Write",
  OpNotification: "Notification",
  OpIndication: "Indication",
  OpPsuedoNotification: "PsuedoNotification",
  OpEnablingNotification: "EnablingNotification",
  OpDisablingNotification: "DisablingNotification",
  OpRssi: "Rssi",
  OpMtu: "Mtu",
  OpConnectionPriority: "ConnectionPriority",
  OpPhyOptions: "PhyOptions",
  OpReliableWriteBegin: "ReliableWriteBegin",
  OpReliableWriteExecute: "ReliableWriteExecute",
  OpReliableWriteAbort: "ReliableWriteAbort",
}

func (t ReadWriteType) String() string {
  if name, ok := opNames[t]; ok {
    return name
  }

  return fmt.Sprintf("ReadWriteType(%d)", t)
}

// ReadWriteEvent reports the outcome of any characteristic/descriptor
// operation, plus RSSI/MTU/priority/PHY requests.
//
// Every façade call that submits an operation also returns a ReadWriteEvent
// synchronously: when Null is true the call was admitted and the real outcome
// arrives asynchronously later; when Null is false the event already carries
// the final (gate-rejected) status and nothing else will arrive.
type ReadWriteEvent struct {
  Device *Device
  Target stack.Target
  Type ReadWriteType
  Status Status
  Data []byte
  Rssi int
  Mtu int
  TxPhy stack.Phy
  RxPhy stack.Phy

  // TimeTotal spans submission to terminal state; TimeOta is the portion
  // spent while the device was PERFORMING_OTA.
  TimeTotal time.Duration
  TimeOta time.Duration

  Null bool
}

func (e ReadWriteEvent) String() string {
  if e.Null {
    return fmt.Sprintf("readwrite[%v pending %v]", e.Type, e.Target)
  }

  return fmt.Sprintf("readwrite[%v %v %v %d bytes]", e.Type, e.Status, e.Target, len(e.Data))
}

type ConnectEvent struct {
  Device *Device
  Status Status
}

// ConnectFailEvent is the terminal failure of a whole connect attempt
// (BLE_CONNECTING through INITIALIZING). Sub-step failures during short and
// long term reconnect windows are silent; exactly one of these surfaces when
// the controller gives up.
type ConnectFailEvent struct {
  Device *Device
  Status Status
  // HighestStateReached is the furthest the attempt got before failing.
  HighestStateReached DeviceState
  Timing time.Duration
  Attempts int
  BondFailReason Status
  TxnFailReason Status
  AutoConnectUsed bool
}

type BondEvent struct {
  Device *Device
  State stack.BondState
  Status Status
}

type NotificationEvent struct {
  Device *Device
  Target stack.Target
  Type ReadWriteType
  Data []byte
}

// Listener signatures. Each slot on Device/Manager holds a stack of these;
// only the top of the stack receives events.

type DiscoveryListener func(e DiscoveryEvent)
type StateChangeListener func(e StateChangeEvent)
type ConnectListener func(e ConnectEvent)
type ConnectFailListener func(e ConnectFailEvent)
type ReadWriteListener func(e ReadWriteEvent)
type NotificationListener func(e NotificationEvent)
type BondListener func(e BondEvent)
type HistoricalDataLoadListener func(target stack.Target, count int, err error)
