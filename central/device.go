package central

import (
  "fmt"
  "math"
  "sync"
  "time"

  "github.com/robertof/go-gattkit/adv"
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/stack"
  "github.com/robertof/go-gattkit/utils"
  "github.com/rs/zerolog/log"
)

type NotifyState uint8

const (
  NotifyDisabled NotifyState = iota
  NotifyEnabling
  NotifyEnabled
  NotifyDisabling
)

func (n NotifyState) String() string {
  switch n {
  case NotifyEnabling:
    return "Enabling"
  case NotifyEnabled:
    return "Enabled"
  case NotifyDisabling:
    return "Disabling"
  default:
    return "Disabled"
  }
}

type ReliableWriteState uint8

const (
  ReliableNone ReliableWriteState = iota
  ReliableOpen
  ReliableCommitting
  ReliableAborting
)

type reliableWrite struct {
  state ReliableWriteState
  buffer []bufferedWrite
}

type bufferedWrite struct {
  target stack.Target
  value []byte
}

type pseudoNotify struct {
  timeout time.Duration
  deadline time.Time
  armed bool
}

// Device is the per-peripheral aggregate: the state bitmask, the last scan
// record, GATT bookkeeping (MTU, notify states, cached values, reliable-write
// session), timing averages and reconnect state. Devices are created on
// discovery or explicitly via Manager.NewDevice and live until undiscovered
// or manager teardown.
//
// All mutation happens on the update worker; accessors take a snapshot under
// the device lock.
type Device struct {
  mgr *Manager
  mac stack.Mac

  mu sync.Mutex

  name string
  nameOverridden bool

  state DeviceState
  lastDiscoveredAt time.Time
  record *adv.ScanRecord
  rssi int

  services []stack.Service
  mtu int
  connectionPriority stack.ConnectionPriority
  txPhy, rxPhy stack.Phy
  bondState stack.BondState

  notifyStates map[string]NotifyState
  pseudoNotifies map[string]*pseudoNotify
  lastNotifyAt map[string]time.Time
  cache map[string][]byte

  readAvg *utils.MovingAverage
  writeAvg *utils.MovingAverage

  reliable reliableWrite

  recon reconnectState
  lastDisconnectIntent Intent
  // set while an explicit disconnect task is in flight so the disconnected
  // callback is attributed correctly.
  expectingDisconnect bool

  authTxn TxnFunc
  initTxn TxnFunc
  activeTxn *Txn

  polls []*poll

  gattRefreshAt time.Time
  gattRefreshPending bool

  cfg DeviceConfig

  stateListeners listenerStack[StateChangeListener]
  connectListeners listenerStack[ConnectListener]
  connectFailListeners listenerStack[ConnectFailListener]
  readWriteListeners listenerStack[ReadWriteListener]
  notificationListeners listenerStack[NotificationListener]
  bondListeners listenerStack[BondListener]
  historicalListeners listenerStack[HistoricalDataLoadListener]
}

func newDevice(mgr *Manager, mac stack.Mac) *Device {
  cfg := mgr.cfg

  d := &Device{
    mgr: mgr,
    mac: mac,
    state: StateUndiscovered | StateBleDisconnected,
    mtu: DefaultMtu,
    txPhy: stack.Phy1M,
    rxPhy: stack.Phy1M,
    notifyStates: make(map[string]NotifyState),
    pseudoNotifies: make(map[string]*pseudoNotify),
    lastNotifyAt: make(map[string]time.Time),
    cache: make(map[string][]byte),
    readAvg: utils.NewMovingAverage(cfg.NForAverageRunningReadTime),
    writeAvg: utils.NewMovingAverage(cfg.NForAverageRunningWriteTime),
  }

  if mgr.disk != nil {
    if name, err := mgr.disk.LoadName(string(mac)); err == nil && name != "" {
      d.name = name
      d.nameOverridden = true
    }
  }

  return d
}

func (d *Device) Mac() stack.Mac {
  return d.mac
}

func (d *Device) Name() string {
  d.mu.Lock()
  defer d.mu.Unlock()

  if d.name != "" {
    return d.name
  }

  return string(d.mac)
}

// SetName overrides the advertised name, optionally persisting it.
func (d *Device) SetName(name string) {
  d.mu.Lock()
  d.name = name
  d.nameOverridden = true
  d.mu.Unlock()

  if d.mgr.cfg.SaveNameChangesToDisk && d.mgr.disk != nil {
    if err := d.mgr.disk.SaveName(string(d.mac), name); err != nil {
      log.Warn().Err(err).Stringer("Device", d).Msg("central: failed to persist name override")
    }
  }
}

func (d *Device) String() string {
  return fmt.Sprintf("device[%v name=%q state=%v]", d.mac, d.Name(), d.State())
}

func (d *Device) State() DeviceState {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.state
}

func (d *Device) Is(bits DeviceState) bool {
  return d.State().Has(bits)
}

func (d *Device) IsAny(bits DeviceState) bool {
  return d.State().HasAny(bits)
}

func (d *Device) Rssi() int {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.rssi
}

func (d *Device) Mtu() int {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.mtu
}

// EffectiveWriteMtu is the usable payload of a single write PDU.
func (d *Device) EffectiveWriteMtu() int {
  return d.Mtu() - GattWriteMtuOverhead
}

func (d *Device) ConnectionPriority() stack.ConnectionPriority {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.connectionPriority
}

func (d *Device) Phy() (tx, rx stack.Phy) {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.txPhy, d.rxPhy
}

func (d *Device) BondState() stack.BondState {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.bondState
}

func (d *Device) ScanRecord() *adv.ScanRecord {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.record
}

func (d *Device) Services() []stack.Service {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.services
}

func (d *Device) AverageReadTime() time.Duration {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.readAvg.Average()
}

func (d *Device) AverageWriteTime() time.Duration {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.writeAvg.Average()
}

// CachedValue returns the latest value seen for the target (read, write or
// notification), or nil.
func (d *Device) CachedValue(t stack.Target) []byte {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.cache[t.Key()]
}

func (d *Device) NotifyStateFor(t stack.Target) NotifyState {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.notifyStates[t.Key()]
}

func (d *Device) LastDisconnectIntent() Intent {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.lastDisconnectIntent
}

// Distance estimates the range in meters from the latest RSSI and the
// calibrated TX power from the scan record (default_tx_power as fallback).
func (d *Device) Distance() float64 {
  d.mu.Lock()
  rssi := d.rssi
  txPower := d.mgr.cfg.DefaultTxPower

  if d.record != nil && d.record.HasTxPower {
    txPower = d.record.TxPower
  }
  d.mu.Unlock()

  if rssi == 0 {
    return -1
  }

  // log-distance path loss model with exponent 2 (free space).
  return math.Pow(10, float64(txPower - rssi) / 20.0)
}

// Equal compares devices by identity (MAC). Both operands must be non-nil:
// comparing against a nil device is a programming error and panics.
func (d *Device) Equal(other *Device) bool {
  return d.mac == other.mac
}

// SetConfig applies per-device overrides on top of the manager config.
func (d *Device) SetConfig(cfg DeviceConfig) {
  d.mu.Lock()
  defer d.mu.Unlock()

  d.cfg = cfg

  if cfg.NForAverageRunningReadTime != nil {
    d.readAvg = utils.NewMovingAverage(*cfg.NForAverageRunningReadTime)
  }

  if cfg.NForAverageRunningWriteTime != nil {
    d.writeAvg = utils.NewMovingAverage(*cfg.NForAverageRunningWriteTime)
  }
}

func (d *Device) shortTermTimeout() time.Duration {
  return durationOr(d.cfg.ReconnectShortTermTimeout, d.mgr.cfg.ReconnectShortTermTimeout)
}

func (d *Device) longTermTimeout() time.Duration {
  return durationOr(d.cfg.ReconnectLongTermTimeout, d.mgr.cfg.ReconnectLongTermTimeout)
}

func (d *Device) taskTimeout() time.Duration {
  return durationOr(d.cfg.TaskTimeout, d.mgr.cfg.TaskTimeout)
}

func (d *Device) includeOtaTimes() bool {
  return boolOr(d.cfg.IncludeOtaReadWriteTimesInAverage,
    d.mgr.cfg.IncludeOtaReadWriteTimesInAverage)
}

// --- state machine -----------------------------------------------------------

// setStates applies a transition on the update worker: set the given bits,
// clear the given bits, recompute derived bits and dispatch a
// StateChangeEvent when anything changed.
func (d *Device) setStates(set, clear DeviceState, intent Intent) {
  d.mu.Lock()

  prev := d.state
  next := ((prev &^ clear) | set).normalize()

  if next == prev {
    d.mu.Unlock()
    return
  }

  d.state = next
  d.recon.noteState(next)
  d.mu.Unlock()

  log.Debug().
    Stringer("Device", d).
    Stringer("Prev", prev).
    Stringer("New", next).
    Stringer("Intent", intent).
    Msg("central: device state change")

  if next.Has(StateBleDisconnected) && !prev.Has(StateBleDisconnected) {
    d.persistDisconnectIntent(intent)
  }

  d.mgr.emitStateChange(StateChangeEvent{
    Device: d,
    Prev: prev,
    New: next,
    Intent: intent,
  })
}

func (d *Device) persistDisconnectIntent(intent Intent) {
  d.mu.Lock()
  d.lastDisconnectIntent = intent
  d.mu.Unlock()

  if !d.mgr.cfg.ManageLastDisconnectOnDisk || d.mgr.disk == nil {
    return
  }

  if err := d.mgr.disk.SaveLastDisconnect(string(d.mac), intent.String()); err != nil {
    log.Warn().Err(err).Stringer("Device", d).Msg("central: failed to persist disconnect intent")
  }
}

// --- connection flow ---------------------------------------------------------

// Connect starts a full connect attempt: BLE link, service discovery, then the
// auth and init transactions when configured. The attempt does not bond;
// bonding happens only through Bond. Returns an event with StatusBusy when the
// device is already connecting or connected.
func (d *Device) Connect() ConnectEvent {
  var out ConnectEvent

  d.mgr.runOnWorkerAndWait(func() {
    if d.IsAny(StateBleConnecting | StateBleConnected) {
      out = ConnectEvent{Device: d, Status: StatusBusy}
      return
    }

    d.mu.Lock()
    d.recon.reset()
    d.mu.Unlock()

    d.beginConnectAttempt(false)

    out = ConnectEvent{Device: d, Status: StatusSuccess}
  })

  return out
}

// beginConnectAttempt enqueues a connect task. implicit marks reconnect
// attempts (which never surface per-attempt failures).
func (d *Device) beginConnectAttempt(implicit bool) {
  d.mu.Lock()
  d.recon.beginAttempt(d.mgr.clock.Now())
  autoConnect := d.recon.autoConnect
  d.mu.Unlock()

  d.setStates(StateBleConnecting, StateBleDisconnected, IntentIntentional)

  d.mgr.enqueue(d.newConnectTask(autoConnect, implicit))
}

func (d *Device) onBleConnected() {
  metrics.ConnectionSucceeded()

  d.setStates(StateBleConnected, StateBleConnecting, IntentIntentional)
  d.setStates(StateDiscoveringServices, 0, IntentIntentional)

  d.mgr.enqueue(d.newDiscoverServicesTask())
}

func (d *Device) onServicesDiscovered(services []stack.Service) {
  d.mu.Lock()
  d.services = services
  d.mu.Unlock()

  d.setStates(StateServicesDiscovered, StateDiscoveringServices, IntentIntentional)

  d.startAuthOrInit()
}

func (d *Device) startAuthOrInit() {
  d.mu.Lock()
  auth := d.authTxn
  init := d.initTxn
  authenticated := d.state.Has(StateAuthenticated)
  d.mu.Unlock()

  if auth != nil && !authenticated {
    d.startTxn(TxnAuth, auth)
    return
  }

  if init != nil {
    d.startTxn(TxnInit, init)
    return
  }

  d.finishConnect()
}

// finishConnect commits a successful attempt: INITIALIZED is set, every
// transient connecting bit drops, the reconnect controller resets, and a
// single success ConnectEvent surfaces unless the attempt ends a reconnect
// episode (those recover silently).
func (d *Device) finishConnect() {
  reconnecting := d.IsAny(StateReconnectingShortTerm | StateReconnectingLongTerm)

  d.setStates(StateInitialized,
    StateBleConnecting | StateDiscoveringServices | StateAuthenticating |
      StateInitializing | StateReconnectingShortTerm | StateReconnectingLongTerm,
    IntentIntentional)

  d.mu.Lock()
  d.recon.reset()
  d.mu.Unlock()

  if reconnecting {
    log.Info().Stringer("Device", d).Msg("central: reconnected")
    return
  }

  d.mgr.emitConnect(ConnectEvent{Device: d, Status: StatusSuccess})
}

// failConnectAttempt routes a failed attempt (native failure, timeout with no
// retry left, txn failure) to the reconnect controller.
func (d *Device) failConnectAttempt(status Status) {
  metrics.ConnectionFailed()

  now := d.mgr.clock.Now()

  d.mu.Lock()
  d.recon.lastFailure = status

  // a failure once the link is up belongs to a sub-step (discovery, bond,
  // auth, init).
  if d.state.Has(StateBleConnected) {
    d.recon.subFailures += 1
  }

  phase := d.recon.phase
  d.mu.Unlock()

  log.Debug().
    Stringer("Device", d).
    Stringer("Status", status).
    Stringer("Phase", phase).
    Msg("central: connect attempt failed")

  switch phase {
  case reconnectIdle:
    // first failure of an explicit connect: enter the short-term window when
    // there is budget, otherwise give up right away.
    if d.shortTermTimeout() > 0 {
      d.mu.Lock()
      d.recon.enterShortTerm(now)
      d.recon.scheduleNext(now)
      d.mu.Unlock()

      d.setStates(StateReconnectingShortTerm | StateBleDisconnected,
        StateBleConnecting | StateDiscoveringServices | StateAuthenticating | StateInitializing,
        IntentUnintentional)
      return
    }

    d.giveUpConnect(status)
  case reconnectShortTerm:
    if d.recon.expired(now, d.shortTermTimeout()) {
      if d.longTermTimeout() > 0 {
        d.mu.Lock()
        d.recon.enterLongTerm(now)
        d.recon.scheduleNext(now)
        d.mu.Unlock()

        d.setStates(StateReconnectingLongTerm | StateBleDisconnected,
          StateReconnectingShortTerm | StateBleConnecting | StateDiscoveringServices |
            StateAuthenticating | StateInitializing,
          IntentUnintentional)
        return
      }

      d.giveUpConnect(status)
      return
    }

    d.mu.Lock()
    d.recon.scheduleNext(now)
    d.mu.Unlock()

    d.setStates(StateBleDisconnected, StateBleConnecting | StateDiscoveringServices |
      StateAuthenticating | StateInitializing, IntentUnintentional)
  case reconnectLongTerm:
    if d.recon.expired(now, d.longTermTimeout()) {
      d.giveUpConnect(status)
      return
    }

    d.mu.Lock()
    d.recon.scheduleNext(now)
    d.mu.Unlock()

    d.setStates(StateBleDisconnected, StateBleConnecting | StateDiscoveringServices |
      StateAuthenticating | StateInitializing, IntentUnintentional)
  }
}

// giveUpConnect is the single user-visible failure of the whole episode.
func (d *Device) giveUpConnect(status Status) {
  d.mu.Lock()
  recon := d.recon
  d.mu.Unlock()

  d.setStates(StateBleDisconnected,
    StateBleConnecting | StateBleConnected | StateDiscoveringServices |
      StateServicesDiscovered | StateAuthenticating | StateInitializing |
      StateReconnectingShortTerm | StateReconnectingLongTerm,
    IntentUnintentional)

  d.mu.Lock()
  d.recon.reset()
  d.mu.Unlock()

  var timing time.Duration

  if !recon.windowStart.IsZero() {
    timing = d.mgr.clock.Now().Sub(recon.windowStart)
  }

  d.mgr.emitConnectFail(ConnectFailEvent{
    Device: d,
    Status: status,
    HighestStateReached: recon.highestState,
    Timing: timing,
    Attempts: recon.attempts,
    BondFailReason: recon.bondFailure,
    TxnFailReason: recon.txnFailure,
    AutoConnectUsed: recon.autoConnect,
  })
}

// Disconnect tears the link down intentionally. CRITICAL priority: it cancels
// every pending task for this device and preempts interruptible work.
func (d *Device) Disconnect() ConnectEvent {
  var out ConnectEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.IsAny(StateBleConnected | StateBleConnecting |
        StateReconnectingShortTerm | StateReconnectingLongTerm) {
      out = ConnectEvent{Device: d, Status: StatusNotConnected}
      return
    }

    d.mu.Lock()
    d.expectingDisconnect = true
    d.recon.reset()
    d.mu.Unlock()

    // abandon any reconnect window right away.
    d.setStates(0, StateReconnectingShortTerm | StateReconnectingLongTerm, IntentIntentional)

    d.mgr.enqueue(d.newDisconnectTask())

    out = ConnectEvent{Device: d, Status: StatusSuccess}
  })

  return out
}

// onDisconnected handles the native disconnected callback, expected or not.
func (d *Device) onDisconnected(status stack.GattStatus) {
  metrics.Disconnected()

  d.mu.Lock()
  expected := d.expectingDisconnect
  d.expectingDisconnect = false
  wasUp := d.state.HasAny(StateConnectingOverall | StateInitialized | StateBleConnected)
  d.reliable = reliableWrite{}
  d.services = nil
  d.mtu = DefaultMtu
  for key := range d.notifyStates {
    d.notifyStates[key] = NotifyDisabled
  }
  d.pseudoNotifies = make(map[string]*pseudoNotify)
  d.mu.Unlock()

  d.abortActiveTxn(StatusExplicitDisconnect)

  if expected {
    d.setStates(StateBleDisconnected,
      StateBleConnected | StateBleConnecting | StateDiscoveringServices |
        StateServicesDiscovered | StateAuthenticating | StateAuthenticated |
        StateInitializing | StateInitialized | StatePerformingOta,
      IntentIntentional)
    return
  }

  log.Info().
    Stringer("Device", d).
    Int("GattStatus", int(status)).
    Msg("central: unexpected disconnect")

  if !wasUp || d.shortTermTimeout() <= 0 {
    d.setStates(StateBleDisconnected,
      StateBleConnected | StateBleConnecting | StateDiscoveringServices |
        StateServicesDiscovered | StateAuthenticating | StateAuthenticated |
        StateInitializing | StateInitialized | StatePerformingOta,
      IntentUnintentional)
    return
  }

  // unintended drop while connecting or initialized: silent short-term
  // reconnect window.
  now := d.mgr.clock.Now()

  d.mu.Lock()
  d.recon.enterShortTerm(now)
  d.mu.Unlock()

  d.setStates(StateReconnectingShortTerm | StateBleDisconnected,
    StateBleConnected | StateBleConnecting | StateDiscoveringServices |
      StateServicesDiscovered | StateAuthenticating | StateAuthenticated |
      StateInitializing | StateInitialized | StatePerformingOta,
    IntentUnintentional)
}

// update runs once per tick on the worker: reconnect pacing, pseudo-notify
// deadlines, polls and the deferred GATT refresh.
func (d *Device) update(dt time.Duration) {
  now := d.mgr.clock.Now()

  d.updateReconnect(now)
  d.updatePseudoNotifies(now)
  d.updatePolls(now)
  d.updateGattRefresh(now)
}

func (d *Device) updateReconnect(now time.Time) {
  d.mu.Lock()
  phase := d.recon.phase
  due := !now.Before(d.recon.nextAttemptAt)
  d.mu.Unlock()

  if phase == reconnectIdle || d.IsAny(StateBleConnecting | StateBleConnected) {
    return
  }

  var timeout time.Duration

  switch phase {
  case reconnectShortTerm:
    timeout = d.shortTermTimeout()
  case reconnectLongTerm:
    timeout = d.longTermTimeout()
  }

  d.mu.Lock()
  expired := d.recon.expired(now, timeout)
  lastFailure := d.recon.lastFailure
  d.mu.Unlock()

  // window expiry terminates the episode even when no attempt is due, so a
  // long backoff cannot stretch the window past its budget.
  if expired {
    if phase == reconnectShortTerm && d.longTermTimeout() > 0 {
      d.mu.Lock()
      d.recon.enterLongTerm(now)
      d.mu.Unlock()

      d.setStates(StateReconnectingLongTerm, StateReconnectingShortTerm, IntentUnintentional)
      return
    }

    if lastFailure == StatusSuccess {
      lastFailure = StatusTimedOut
    }

    d.giveUpConnect(lastFailure)
    return
  }

  if !due {
    return
  }

  switch phase {
  case reconnectShortTerm:
    metrics.ReconnectAttempt("short_term")
  case reconnectLongTerm:
    metrics.ReconnectAttempt("long_term")
  }

  d.beginConnectAttempt(true)
}

func (d *Device) updatePseudoNotifies(now time.Time) {
  d.mu.Lock()

  var due []string

  for key, pn := range d.pseudoNotifies {
    if pn.armed && !now.Before(pn.deadline) {
      pn.armed = false
      due = append(due, key)
    }
  }

  targets := make([]stack.Target, 0, len(due))

  for _, key := range due {
    if target, ok := d.targetByKeyLocked(key); ok {
      targets = append(targets, target)
    }
  }

  d.mu.Unlock()

  for _, target := range targets {
    log.Trace().
      Stringer("Device", d).
      Stringer("Target", target).
      Msg("central: notification silent past force-read timeout, issuing pseudo read")

    d.mgr.enqueue(d.newReadTask(target, OpPsuedoNotification, true, nil))
  }
}

func (d *Device) updateGattRefresh(now time.Time) {
  d.mu.Lock()
  due := d.gattRefreshPending && !now.Before(d.gattRefreshAt)

  if due {
    d.gattRefreshPending = false
  }
  d.mu.Unlock()

  if !due || !d.Is(StateBleConnected) {
    return
  }

  d.setStates(StateDiscoveringServices, StateServicesDiscovered, IntentIntentional)
  d.mgr.enqueue(d.newDiscoverServicesTask())
}

// RefreshGattDatabase drops the cached services and re-discovers after the
// configured delay.
func (d *Device) RefreshGattDatabase() {
  d.mgr.runOnWorkerAndWait(func() {
    d.mu.Lock()
    d.services = nil
    d.gattRefreshPending = true
    d.gattRefreshAt = d.mgr.clock.Now().Add(d.mgr.cfg.DefaultGattRefreshDelay)
    d.mu.Unlock()
  })
}

// targetByKeyLocked reverses a Target.Key back into a live target. Caller
// holds d.mu.
func (d *Device) targetByKeyLocked(key string) (stack.Target, bool) {
  for _, svc := range d.services {
    for _, char := range svc.Characteristics {
      t := stack.Target{Service: svc.UUID, Char: char.UUID}

      if t.Key() == key {
        return t, true
      }
    }
  }

  return stack.Target{}, false
}

// findTarget resolves a fingerprint against the discovered GATT database.
func (d *Device) findTarget(t stack.Target) (resolved stack.Target, char *stack.Characteristic, status Status) {
  if t.IsZero() {
    return t, nil, StatusNullTarget
  }

  d.mu.Lock()
  defer d.mu.Unlock()

  if len(d.services) == 0 {
    return t, nil, StatusNullCharacteristic
  }

  for i := range d.services {
    svc := &d.services[i]

    if len(t.Service) > 0 && !svc.UUID.Equal(t.Service) {
      continue
    }

    for j := range svc.Characteristics {
      char := &svc.Characteristics[j]

      if !char.UUID.Equal(t.Char) {
        continue
      }

      if len(t.Descriptor) > 0 && !hasDescriptor(char, t.Descriptor) {
        continue
      }

      return stack.Target{
        Service: svc.UUID,
        Char: char.UUID,
        Descriptor: t.Descriptor,
      }, char, StatusSuccess
    }
  }

  return t, nil, StatusNoMatchingTarget
}

func hasDescriptor(char *stack.Characteristic, u stack.UUID) bool {
  for _, desc := range char.Descriptors {
    if desc.UUID.Equal(u) {
      return true
    }
  }

  return false
}

// Listener registration. Each slot is a LIFO stack: Push shadows, Pop
// restores, Set replaces everything.

func (d *Device) PushStateChangeListener(l StateChangeListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.stateListeners.Push(l)
}

func (d *Device) PopStateChangeListener() bool {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.stateListeners.Pop()
}

func (d *Device) SetStateChangeListener(l StateChangeListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.stateListeners.Set(l)
}

func (d *Device) PushConnectListener(l ConnectListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.connectListeners.Push(l)
}

func (d *Device) PopConnectListener() bool {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.connectListeners.Pop()
}

func (d *Device) PushConnectFailListener(l ConnectFailListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.connectFailListeners.Push(l)
}

func (d *Device) PushReadWriteListener(l ReadWriteListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.readWriteListeners.Push(l)
}

func (d *Device) PopReadWriteListener() bool {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.readWriteListeners.Pop()
}

func (d *Device) RemoveReadWriteListener(id ListenerToken) bool {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.readWriteListeners.Remove(id)
}

func (d *Device) PushNotificationListener(l NotificationListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.notificationListeners.Push(l)
}

func (d *Device) PopNotificationListener() bool {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.notificationListeners.Pop()
}

func (d *Device) PushBondListener(l BondListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.bondListeners.Push(l)
}

func (d *Device) PushHistoricalDataLoadListener(l HistoricalDataLoadListener) ListenerToken {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.historicalListeners.Push(l)
}
