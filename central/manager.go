package central

import (
  "sync"
  "sync/atomic"
  "time"

  "github.com/pkg/errors"
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/robertof/go-gattkit/utils"
  "github.com/rs/zerolog/log"
)

// The native adapter is process-global, so only one live Manager is allowed.
var managerLive atomic.Bool

var ErrManagerAlreadyLive = errors.New("another Manager instance is already live")

// Manager is the singleton coordinator: it owns the task queue, the device
// registry, the stack adapter, the clock and the global configuration.
// Everything it owns mutates on the update worker only.
type Manager struct {
  cfg ManagerConfig
  adapter stack.Adapter
  disk DiskStore
  dispatcher Dispatcher

  clock *scheduler.Clock
  loop *scheduler.Loop
  queue *scheduler.Queue

  mu sync.Mutex
  devices map[stack.Mac]*Device

  adapterState stack.AdapterState
  scanning bool
  scanParams stack.ScanParams

  crashRecoveryInProgress bool

  // cancelStatus scopes the reason attached to tasks dying in the current
  // cancellation sweep. Worker-only.
  cancelStatus Status

  discoveryListeners listenerStack[DiscoveryListener]
  stateListeners listenerStack[StateChangeListener]
  connectListeners listenerStack[ConnectListener]
  connectFailListeners listenerStack[ConnectFailListener]
  readWriteListeners listenerStack[ReadWriteListener]
  notificationListeners listenerStack[NotificationListener]
  bondListeners listenerStack[BondListener]
}

// Option configures optional manager collaborators.
type Option func(m *Manager)

// WithDiskStore attaches the persistence capability backing
// manage_last_disconnect_on_disk, save_name_changes_to_disk and historical
// data.
func WithDiskStore(store DiskStore) Option {
  return func(m *Manager) {
    m.disk = store
  }
}

func NewManager(adapter stack.Adapter, cfg ManagerConfig, opts ...Option) (*Manager, error) {
  if !managerLive.CompareAndSwap(false, true) {
    return nil, ErrManagerAlreadyLive
  }

  cfg = cfg.normalized()

  m := &Manager{
    cfg: cfg,
    adapter: adapter,
    devices: make(map[stack.Mac]*Device),
    adapterState: adapter.State(),
    cancelStatus: StatusCancelledFromDisconnect,
  }

  for _, opt := range opts {
    opt(m)
  }

  m.dispatcher = newDispatcher(&m.cfg)
  m.clock = scheduler.NewClock(time.Now())
  m.queue = scheduler.NewQueue(m.clock, m.taskGate)

  rate := cfg.AutoUpdateRate

  if cfg.ManualUpdate {
    rate = 0
  }

  m.loop = scheduler.NewLoop(rate, m.tick)

  adapter.SetSink(m)

  log.Info().
    Dur("AutoUpdateRate", cfg.AutoUpdateRate).
    Bool("ManualUpdate", cfg.ManualUpdate).
    Msg("central: manager created")

  return m, nil
}

// Start spawns the update worker. A no-op in manual update mode.
func (m *Manager) Start() {
  m.loop.Start()
}

// Update drives one tick in manual update mode. The caller owns the "update
// thread": every Update call must come from the same goroutine (or be
// externally serialised).
func (m *Manager) Update(dt time.Duration) {
  m.loop.Step(dt)
}

// Shutdown stops the worker and releases the singleton slot. Devices are
// dropped without disconnect attempts; call Disconnect first for a clean
// teardown.
func (m *Manager) Shutdown() {
  m.loop.Stop()

  log.Info().
    Array("Devices", utils.ToZeroLogArray(m.Devices())).
    Msg("central: manager shutting down")

  m.mu.Lock()
  m.devices = make(map[stack.Mac]*Device)
  m.mu.Unlock()

  managerLive.Store(false)
}

func (m *Manager) Config() ManagerConfig {
  return m.cfg
}

// tick is the scheduler heartbeat: stack callbacks were already drained by
// the loop; advance the clock, the queue and every device, then sweep stale
// discoveries.
func (m *Manager) tick(dt time.Duration) {
  m.clock.Advance(dt)
  m.queue.Advance(dt)

  m.mu.Lock()
  devices := make([]*Device, 0, len(m.devices))

  for _, d := range m.devices {
    devices = append(devices, d)
  }
  m.mu.Unlock()

  for _, d := range devices {
    d.update(dt)
  }

  m.sweepUndiscovered()

  metrics.SetQueueDepth(m.queue.Len())
}

func (m *Manager) enqueue(t *scheduler.Task) {
  m.queue.Enqueue(t)
}

// runOnWorkerAndWait executes fn on the update worker and blocks until done.
// In manual mode the caller is the update thread by contract, so fn runs
// inline.
func (m *Manager) runOnWorkerAndWait(fn func()) {
  if m.cfg.ManualUpdate || m.loop.OnWorker() {
    fn()
    return
  }

  done := make(chan struct{})

  m.loop.Post(func() {
    fn()
    close(done)
  })

  <-done
}

// taskGate implements the queue preconditions: requires_ble_on and
// requires_connection are re-checked on every scheduling round.
func (m *Manager) taskGate(t *scheduler.Task) bool {
  if t.RequiresBleOn && m.adapterState != stack.AdapterOn {
    return false
  }

  if t.RequiresConnection {
    d := m.DeviceByMac(t.Mac)

    if d == nil || !d.Is(StateBleConnected) {
      return false
    }
  }

  return true
}

// cancelDeviceTasks kills every pending/executing task for mac except keep,
// with the given reason scoped for the sweep.
func (m *Manager) cancelDeviceTasks(mac stack.Mac, keep *scheduler.Task, reason Status) {
  prev := m.cancelStatus
  m.cancelStatus = reason

  m.queue.CancelWhere(func(t *scheduler.Task) bool {
    return t.Mac == mac && t != keep
  }, true)

  m.cancelStatus = prev
}

// statusForTerminal maps a task's terminal state to the event Status.
func (m *Manager) statusForTerminal(s scheduler.State, fail Status) Status {
  switch s {
  case scheduler.StateSucceeded, scheduler.StateRedundant, scheduler.StateNoOp:
    return StatusSuccess
  case scheduler.StateTimedOut:
    return StatusTimedOut
  case scheduler.StateCancelled, scheduler.StateSoftlyCancelled, scheduler.StateInterrupted:
    return m.cancelStatus
  default:
    if fail == StatusSuccess {
      return StatusRemoteGattFailure
    }

    return fail
  }
}

// --- device registry ---------------------------------------------------------

// DeviceByMac returns the known device for mac, or nil.
func (m *Manager) DeviceByMac(mac stack.Mac) *Device {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.devices[mac]
}

// NewDevice returns the device for the given address, creating it in
// UNDISCOVERED|BLE_DISCONNECTED if the manager has never seen it.
func (m *Manager) NewDevice(macStr string) (*Device, error) {
  mac, err := stack.ParseMac(macStr)

  if err != nil {
    return nil, err
  }

  m.mu.Lock()
  defer m.mu.Unlock()

  if d, ok := m.devices[mac]; ok {
    return d, nil
  }

  d := newDevice(m, mac)
  m.devices[mac] = d

  return d, nil
}

// Devices returns a snapshot of every known device.
func (m *Manager) Devices() []*Device {
  m.mu.Lock()
  defer m.mu.Unlock()

  out := make([]*Device, 0, len(m.devices))

  for _, d := range m.devices {
    out = append(out, d)
  }

  return out
}

// Undiscover forgets the device entirely: pending tasks die, the device
// leaves the registry, and a final UNDISCOVERED event fires.
func (m *Manager) Undiscover(d *Device) {
  m.runOnWorkerAndWait(func() {
    m.cancelDeviceTasks(d.mac, nil, StatusCancelledFromDisconnect)

    m.mu.Lock()
    delete(m.devices, d.mac)
    m.mu.Unlock()

    d.setStates(StateUndiscovered, StateAdvertising | StateDiscovered, IntentIntentional)

    m.emitDiscovery(DiscoveryEvent{Device: d, Lifecycle: LifecycleUndiscovered})
  })
}

// sweepUndiscovered expires devices unseen for longer than the keep-alive
// while a scan is running.
func (m *Manager) sweepUndiscovered() {
  keepAlive := m.cfg.UndiscoveryKeepAlive

  if keepAlive <= 0 || !m.scanning {
    return
  }

  now := m.clock.Now()

  for _, d := range m.Devices() {
    d.mu.Lock()
    stale := d.state.Has(StateDiscovered) &&
      !d.state.HasAny(StateBleConnected | StateBleConnecting | StateConnectingOverall) &&
      !d.lastDiscoveredAt.IsZero() &&
      now.Sub(d.lastDiscoveredAt) > keepAlive
    d.mu.Unlock()

    if !stale {
      continue
    }

    d.setStates(StateUndiscovered, StateAdvertising | StateDiscovered, IntentIntentional)
    m.emitDiscovery(DiscoveryEvent{Device: d, Lifecycle: LifecycleUndiscovered})
  }
}

// --- stack event intake ------------------------------------------------------

// OnStackEvent implements stack.Sink. Native callbacks land on OS threads and
// are posted to the update worker; nothing is processed inline.
func (m *Manager) OnStackEvent(e stack.Event) {
  m.loop.Post(func() {
    m.handleStackEvent(e)
  })
}

func (m *Manager) handleStackEvent(e stack.Event) {
  log.Trace().
    Stringer("Kind", e.Kind).
    Stringer("Mac", e.Mac).
    Int("Status", int(e.Status)).
    Msg("central: stack event")

  // the executing task sees every event first; completions resolve it.
  if exec := m.queue.Executing(); exec != nil {
    exec.DeliverStackEvent(e)
  }

  // broadcasts and unsolicited events drive the rest of the system.
  switch e.Kind {
  case stack.EvtAdapterState:
    m.onAdapterState(e.Adapter)
  case stack.EvtAdvertisement:
    m.onAdvertisement(e)
  case stack.EvtDisconnected:
    if d := m.DeviceByMac(e.Mac); d != nil {
      d.onDisconnected(e.Status)
    }
  case stack.EvtNotification, stack.EvtIndication:
    m.onNotification(e)
  case stack.EvtBondState:
    if d := m.DeviceByMac(e.Mac); d != nil {
      d.mu.Lock()
      d.bondState = e.Bond
      d.mu.Unlock()
    }
  case stack.EvtCrashResolved:
    m.crashRecoveryInProgress = false
  }
}

func (m *Manager) onAdapterState(s stack.AdapterState) {
  prev := m.adapterState
  m.adapterState = s

  if prev == s {
    return
  }

  log.Info().
    Stringer("Prev", prev).
    Stringer("New", s).
    Msg("central: adapter state changed")

  if s != stack.AdapterOff {
    return
  }

  // the radio died underneath us: every BLE-dependent task dies with the
  // turning-off reason and every connected device drops unintentionally.
  prevStatus := m.cancelStatus
  m.cancelStatus = StatusCancelledFromBleTurningOff

  m.queue.CancelWhere(func(t *scheduler.Task) bool {
    return t.RequiresBleOn
  }, false)

  m.cancelStatus = prevStatus

  m.scanning = false

  for _, d := range m.Devices() {
    if !d.IsAny(StateBleConnected | StateBleConnecting | StateConnectingOverall |
        StateReconnectingLongTerm) {
      continue
    }

    d.mu.Lock()
    d.recon.reset()
    d.services = nil
    d.mtu = DefaultMtu
    d.mu.Unlock()

    d.abortActiveTxn(StatusCancelledFromBleTurningOff)

    d.setStates(StateBleDisconnected,
      StateBleConnected | StateBleConnecting | StateDiscoveringServices |
        StateServicesDiscovered | StateAuthenticating | StateAuthenticated |
        StateInitializing | StateInitialized | StatePerformingOta |
        StateReconnectingShortTerm | StateReconnectingLongTerm,
      IntentUnintentional)
  }
}

func (m *Manager) onAdvertisement(e stack.Event) {
  if e.Record == nil {
    return
  }

  mac := e.Mac

  m.mu.Lock()
  d, known := m.devices[mac]

  if !known {
    m.mu.Unlock()

    d = newDevice(m, mac)

    m.mu.Lock()
    m.devices[mac] = d
  }
  m.mu.Unlock()

  d.mu.Lock()
  first := d.state.Has(StateUndiscovered)
  d.record = e.Record
  d.rssi = e.Rssi
  d.lastDiscoveredAt = m.clock.Now()

  if !d.nameOverridden && e.Record.LocalName != "" {
    d.name = e.Record.LocalName
  }
  d.mu.Unlock()

  d.setStates(StateAdvertising | StateDiscovered, StateUndiscovered, IntentIntentional)

  lifecycle := LifecycleRediscovered

  if first {
    lifecycle = LifecycleDiscovered
  }

  m.emitDiscovery(DiscoveryEvent{Device: d, Lifecycle: lifecycle, Rssi: e.Rssi})
}

func (m *Manager) onNotification(e stack.Event) {
  d := m.DeviceByMac(e.Mac)

  if d == nil {
    return
  }

  key := e.Target.Key()
  now := m.clock.Now()

  d.mu.Lock()
  d.cache[key] = e.Value
  d.lastNotifyAt[key] = now

  // a live notification disarms any pending forced read for the target.
  if pn := d.pseudoNotifies[key]; pn != nil {
    pn.armed = false
  }
  d.mu.Unlock()

  typ := OpNotification

  if e.Kind == stack.EvtIndication {
    typ = OpIndication
  }

  m.emitNotification(NotificationEvent{
    Device: d,
    Target: e.Target,
    Type: typ,
    Data: e.Value,
  })
}

// --- scanning & power --------------------------------------------------------

// StartScan schedules a scan task. Scanning runs at the lowest priority and
// yields to (and resumes after) any connection work.
func (m *Manager) StartScan(p stack.ScanParams) {
  m.runOnWorkerAndWait(func() {
    if m.scanning {
      return
    }

    m.scanning = true
    m.scanParams = p

    m.enqueue(m.newScanTask(p))
  })
}

func (m *Manager) StopScan() {
  m.runOnWorkerAndWait(func() {
    if !m.scanning {
      return
    }

    m.scanning = false

    m.queue.CancelWhere(func(t *scheduler.Task) bool {
      return t.Kind == scheduler.KindScan
    }, false)

    m.adapter.StopScan()
  })
}

func (m *Manager) IsScanning() bool {
  var out bool

  m.runOnWorkerAndWait(func() {
    out = m.scanning
  })

  return out
}

func (m *Manager) newScanTask(p stack.ScanParams) *scheduler.Task {
  var t *scheduler.Task

  t = scheduler.NewTask(scheduler.KindScan, "", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      if err := m.adapter.StartScan(p); err != nil {
        log.Error().Err(err).Msg("central: failed to start scan")

        m.scanning = false
        t.Fail()
      }
    },
    OnUpdate: func(t *scheduler.Task, dt time.Duration) {
      if p.Duration > 0 && m.clock.Now().Sub(t.StartedAt()) >= p.Duration {
        m.adapter.StopScan()
        m.scanning = false
        t.Succeed()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())
    },
    CancellableBy: func(t, other *scheduler.Task) bool {
      return other.Kind == scheduler.KindTurnBleOff
    },
    // any device work preempts the scan; it resumes afterwards because
    // requeued tasks keep their slot at the head of their band.
    InterruptibleBy: func(t, other *scheduler.Task) bool {
      return true
    },
    Requeueable: true,
  })

  t.Priority = scheduler.PriorityTrivial
  t.RequiresBleOn = true
  t.Implicit = true

  return t
}

// TurnBleOn powers the adapter up.
func (m *Manager) TurnBleOn() {
  m.runOnWorkerAndWait(func() {
    if m.adapterState == stack.AdapterOn {
      return
    }

    m.enqueue(m.newPowerTask(true, false))
  })
}

// TurnBleOff powers the adapter down, sweeping almost everything out of the
// queue on its way in.
func (m *Manager) TurnBleOff() {
  m.runOnWorkerAndWait(func() {
    if m.adapterState == stack.AdapterOff {
      return
    }

    m.enqueue(m.newPowerTask(false, false))
  })
}

// Reset force-flushes the native stack, then power-cycles the adapter.
func (m *Manager) Reset() {
  m.runOnWorkerAndWait(func() {
    m.enqueue(m.newCrashResolverTask(true))

    off := m.newPowerTask(false, true)
    m.enqueue(off)

    m.enqueue(m.newPowerTask(true, true))
  })
}

func (m *Manager) newPowerTask(on, partOfReset bool) *scheduler.Task {
  kind := scheduler.KindTurnBleOn
  want := stack.AdapterOn

  if !on {
    kind = scheduler.KindTurnBleOff
    want = stack.AdapterOff
  }

  var t *scheduler.Task

  t = scheduler.NewTask(kind, "", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      if m.adapterState == want {
        t.Redundant()
        return
      }

      m.adapter.SetPower(on)
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind == stack.EvtAdapterState && e.Adapter == want {
        t.Succeed()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())
    },
  })

  if on {
    t.Priority = scheduler.PriorityHigh
  } else {
    t.Priority = scheduler.PriorityCritical
  }

  t.Timeout = m.cfg.TaskTimeout
  t.Implicit = !partOfReset

  return t
}

// --- event dispatch ----------------------------------------------------------

// Events go to the top of the device-level stack and the top of the
// manager-level stack (when present), through the configured dispatcher.

func (m *Manager) emitStateChange(e StateChangeEvent) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.stateListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.stateListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

func (m *Manager) emitDiscovery(e DiscoveryEvent) {
  m.mu.Lock()
  listener, ok := m.discoveryListeners.Top()
  m.mu.Unlock()

  if ok {
    m.dispatcher.Dispatch(func() { listener(e) })
  }
}

func (m *Manager) emitConnect(e ConnectEvent) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.connectListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.connectListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

func (m *Manager) emitConnectFail(e ConnectFailEvent) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.connectFailListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.connectFailListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

func (m *Manager) emitReadWrite(e ReadWriteEvent, extra ReadWriteListener) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.readWriteListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.readWriteListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if extra != nil {
      extra(e)
    }

    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

func (m *Manager) emitNotification(e NotificationEvent) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.notificationListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.notificationListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

func (m *Manager) emitBond(e BondEvent) {
  e.Device.mu.Lock()
  devListener, devOk := e.Device.bondListeners.Top()
  e.Device.mu.Unlock()

  m.mu.Lock()
  mgrListener, mgrOk := m.bondListeners.Top()
  m.mu.Unlock()

  m.dispatcher.Dispatch(func() {
    if devOk {
      devListener(e)
    }

    if mgrOk {
      mgrListener(e)
    }
  })
}

// Manager-level listener registration.

func (m *Manager) PushDiscoveryListener(l DiscoveryListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.discoveryListeners.Push(l)
}

func (m *Manager) PopDiscoveryListener() bool {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.discoveryListeners.Pop()
}

func (m *Manager) PushStateChangeListener(l StateChangeListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.stateListeners.Push(l)
}

func (m *Manager) PopStateChangeListener() bool {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.stateListeners.Pop()
}

func (m *Manager) PushConnectListener(l ConnectListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.connectListeners.Push(l)
}

func (m *Manager) PushConnectFailListener(l ConnectFailListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.connectFailListeners.Push(l)
}

func (m *Manager) PushReadWriteListener(l ReadWriteListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.readWriteListeners.Push(l)
}

func (m *Manager) PushNotificationListener(l NotificationListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.notificationListeners.Push(l)
}

func (m *Manager) PushBondListener(l BondListener) ListenerToken {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.bondListeners.Push(l)
}

var _ stack.Sink = (*Manager)(nil)
