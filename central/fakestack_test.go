package central_test

import (
  "fmt"
  "sync"
  "testing"
  "time"

  "github.com/go-ble/ble"
  "github.com/robertof/go-gattkit/adv"
  "github.com/robertof/go-gattkit/central"
  "github.com/robertof/go-gattkit/stack"
  "github.com/stretchr/testify/require"
)

const testMac = stack.Mac("AA:BB:CC:00:01:02")

var (
  charReadNotify = ble.UUID16(0xff01)
  charWriteOnly = ble.UUID16(0xff02)
  svcMain = ble.UUID16(0x180f)
)

func testServices() []stack.Service {
  return []stack.Service{
    {
      UUID: svcMain,
      Characteristics: []stack.Characteristic{
        {
          UUID: charReadNotify,
          Properties: stack.PropertyRead | stack.PropertyWrite | stack.PropertyNotify,
        },
        {
          UUID: charWriteOnly,
          Properties: stack.PropertyWrite,
        },
      },
    },
  }
}

// fakeAdapter is a scripted stack: it records every native call and lets the
// test inject callbacks. All events go through the manager's mailbox exactly
// like OS-thread callbacks would.
type fakeAdapter struct {
  mu sync.Mutex
  sink stack.Sink
  state stack.AdapterState

  calls []string
  autoConnectFlags []bool

  // optional scripted responses.
  onConnect func(mac stack.Mac, autoConnect bool)
  onDiscover func(mac stack.Mac)
}

func newFakeAdapter() *fakeAdapter {
  return &fakeAdapter{state: stack.AdapterOn}
}

func (f *fakeAdapter) record(format string, args ...any) {
  f.mu.Lock()
  defer f.mu.Unlock()

  f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeAdapter) Calls() []string {
  f.mu.Lock()
  defer f.mu.Unlock()

  out := make([]string, len(f.calls))
  copy(out, f.calls)

  return out
}

func (f *fakeAdapter) CallCount(prefix string) int {
  count := 0

  for _, call := range f.Calls() {
    if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
      count += 1
    }
  }

  return count
}

func (f *fakeAdapter) emit(e stack.Event) {
  f.mu.Lock()
  sink := f.sink
  f.mu.Unlock()

  sink.OnStackEvent(e)
}

func (f *fakeAdapter) SetSink(s stack.Sink) {
  f.mu.Lock()
  defer f.mu.Unlock()

  f.sink = s
}

func (f *fakeAdapter) State() stack.AdapterState {
  f.mu.Lock()
  defer f.mu.Unlock()

  return f.state
}

func (f *fakeAdapter) SetPower(on bool) {
  f.record("set_power %v", on)

  next := stack.AdapterOff

  if on {
    next = stack.AdapterOn
  }

  f.mu.Lock()
  f.state = next
  f.mu.Unlock()

  f.emit(stack.Event{Kind: stack.EvtAdapterState, Adapter: next})
}

func (f *fakeAdapter) StartScan(p stack.ScanParams) error {
  f.record("start_scan")
  return nil
}

func (f *fakeAdapter) StopScan() {
  f.record("stop_scan")
}

func (f *fakeAdapter) Connect(mac stack.Mac, autoConnect bool) {
  f.record("connect %v auto=%v", mac, autoConnect)

  f.mu.Lock()
  f.autoConnectFlags = append(f.autoConnectFlags, autoConnect)
  handler := f.onConnect
  f.mu.Unlock()

  if handler != nil {
    handler(mac, autoConnect)
  }
}

func (f *fakeAdapter) Disconnect(mac stack.Mac) {
  f.record("disconnect %v", mac)
}

func (f *fakeAdapter) DiscoverServices(mac stack.Mac) {
  f.record("discover_services %v", mac)

  f.mu.Lock()
  handler := f.onDiscover
  f.mu.Unlock()

  if handler != nil {
    handler(mac)
  }
}

func (f *fakeAdapter) ReadCharacteristic(mac stack.Mac, t stack.Target) {
  f.record("read %v %v", mac, t.Char)
}

func (f *fakeAdapter) WriteCharacteristic(mac stack.Mac, t stack.Target,
    value []byte, wt stack.WriteType) {
  f.record("write %v %v %x", mac, t.Char, value)
}

func (f *fakeAdapter) ReadDescriptor(mac stack.Mac, t stack.Target) {
  f.record("read_descriptor %v %v", mac, t.Descriptor)
}

func (f *fakeAdapter) WriteDescriptor(mac stack.Mac, t stack.Target, value []byte) {
  f.record("write_descriptor %v %v %x", mac, t.Descriptor, value)
}

func (f *fakeAdapter) SetNotify(mac stack.Mac, t stack.Target, enabled bool) {
  f.record("set_notify %v %v %v", mac, t.Char, enabled)
}

func (f *fakeAdapter) ReadRssi(mac stack.Mac) {
  f.record("read_rssi %v", mac)
}

func (f *fakeAdapter) RequestMtu(mac stack.Mac, mtu int) {
  f.record("request_mtu %v %d", mac, mtu)
}

func (f *fakeAdapter) RequestConnectionPriority(mac stack.Mac, p stack.ConnectionPriority) {
  f.record("request_connection_priority %v %v", mac, p)
}

func (f *fakeAdapter) SetPhy(mac stack.Mac, tx, rx stack.Phy, opts stack.PhyOptions) {
  f.record("set_phy %v", mac)
}

func (f *fakeAdapter) ReadPhy(mac stack.Mac) {
  f.record("read_phy %v", mac)
}

func (f *fakeAdapter) BeginReliableWrite(mac stack.Mac) {
  f.record("begin_reliable_write %v", mac)
}

func (f *fakeAdapter) ExecuteReliableWrite(mac stack.Mac) {
  f.record("execute_reliable_write %v", mac)
}

func (f *fakeAdapter) AbortReliableWrite(mac stack.Mac) {
  f.record("abort_reliable_write %v", mac)
}

func (f *fakeAdapter) CreateBond(mac stack.Mac) {
  f.record("create_bond %v", mac)
}

func (f *fakeAdapter) RemoveBond(mac stack.Mac) {
  f.record("remove_bond %v", mac)
}

func (f *fakeAdapter) ForceCrashResolverFlush() {
  f.record("force_crash_resolver_flush")
}

var _ stack.Adapter = (*fakeAdapter)(nil)

// --- harness -----------------------------------------------------------------

type harness struct {
  t *testing.T
  mgr *central.Manager
  fake *fakeAdapter
  dev *central.Device

  states []central.StateChangeEvent
  connects []central.ConnectEvent
  fails []central.ConnectFailEvent
  readWrites []central.ReadWriteEvent
  notifications []central.NotificationEvent
  discoveries []central.DiscoveryEvent
  bonds []central.BondEvent
}

func newHarness(t *testing.T, tweak func(cfg *central.ManagerConfig)) *harness {
  t.Helper()

  cfg := central.DefaultConfig()
  cfg.ManualUpdate = true

  if tweak != nil {
    tweak(&cfg)
  }

  fake := newFakeAdapter()

  mgr, err := central.NewManager(fake, cfg)
  require.NoError(t, err)

  t.Cleanup(mgr.Shutdown)

  h := &harness{t: t, mgr: mgr, fake: fake}

  mgr.PushStateChangeListener(func(e central.StateChangeEvent) {
    h.states = append(h.states, e)
  })
  mgr.PushConnectListener(func(e central.ConnectEvent) {
    h.connects = append(h.connects, e)
  })
  mgr.PushConnectFailListener(func(e central.ConnectFailEvent) {
    h.fails = append(h.fails, e)
  })
  mgr.PushReadWriteListener(func(e central.ReadWriteEvent) {
    h.readWrites = append(h.readWrites, e)
  })
  mgr.PushNotificationListener(func(e central.NotificationEvent) {
    h.notifications = append(h.notifications, e)
  })
  mgr.PushDiscoveryListener(func(e central.DiscoveryEvent) {
    h.discoveries = append(h.discoveries, e)
  })
  mgr.PushBondListener(func(e central.BondEvent) {
    h.bonds = append(h.bonds, e)
  })

  dev, err := mgr.NewDevice(string(testMac))
  require.NoError(t, err)

  h.dev = dev

  return h
}

// update runs n manual ticks of dt each.
func (h *harness) update(n int, dt time.Duration) {
  h.t.Helper()

  for i := 0; i < n; i += 1 {
    h.mgr.Update(dt)
  }
}

// enteredStates returns the bits newly set by each observed transition, in
// order, filtered to the given mask.
func (h *harness) enteredStates(mask central.DeviceState) []central.DeviceState {
  var out []central.DeviceState

  for _, e := range h.states {
    gained := (e.New &^ e.Prev) & mask

    if gained != 0 {
      out = append(out, gained)
    }
  }

  return out
}

// connectHappy drives the device to INITIALIZED through the scripted fake.
func (h *harness) connectHappy() {
  h.t.Helper()

  e := h.dev.Connect()
  require.True(h.t, e.Status.Ok())

  // connect task executes.
  h.update(1, 50 * time.Millisecond)
  h.fake.emit(stack.Event{Kind: stack.EvtConnected, Mac: testMac})

  // connected handled, discover task executes.
  h.update(2, 50 * time.Millisecond)
  h.fake.emit(stack.Event{
    Kind: stack.EvtServicesDiscovered,
    Mac: testMac,
    Services: testServices(),
  })

  h.update(2, 50 * time.Millisecond)

  require.True(h.t, h.dev.Is(central.StateInitialized),
    "device should be INITIALIZED, state: %v", h.dev.State())
}

func (h *harness) advertise(rssi int) {
  h.fake.emit(stack.Event{
    Kind: stack.EvtAdvertisement,
    Mac: testMac,
    Rssi: rssi,
    Record: &adv.ScanRecord{
      LocalName: "gattkit-test",
      Services: []ble.UUID{ble.UUID16(0xff00)},
    },
  })

  h.update(1, 50 * time.Millisecond)
}
