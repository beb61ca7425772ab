package central_test

import (
  "testing"
  "time"

  "github.com/robertof/go-gattkit/central"
  "github.com/robertof/go-gattkit/stack"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestHappyConnect(t *testing.T) {
  h := newHarness(t, nil)

  h.advertise(-60)

  require.Len(t, h.discoveries, 1)
  assert.Equal(t, central.LifecycleDiscovered, h.discoveries[0].Lifecycle)
  assert.Equal(t, -60, h.dev.Rssi())

  h.connectHappy()

  entered := h.enteredStates(
    central.StateBleConnecting | central.StateBleConnected |
      central.StateDiscoveringServices | central.StateServicesDiscovered |
      central.StateInitialized)

  assert.Equal(t, []central.DeviceState{
    central.StateBleConnecting,
    central.StateBleConnected,
    central.StateDiscoveringServices,
    central.StateServicesDiscovered,
    central.StateInitialized,
  }, entered)

  // exactly one success ConnectEvent, no failures.
  require.Len(t, h.connects, 1)
  assert.True(t, h.connects[0].Status.Ok())
  assert.Empty(t, h.fails)

  // state coherence: INITIALIZED implies SERVICES_DISCOVERED and connected,
  // and the transient connecting bits are gone.
  state := h.dev.State()
  assert.True(t, state.Has(central.StateServicesDiscovered))
  assert.True(t, state.Has(central.StateBleConnected))
  assert.False(t, state.HasAny(central.StateConnectingOverall))
}

func TestRediscoveryLifecycle(t *testing.T) {
  h := newHarness(t, nil)

  h.advertise(-60)
  h.advertise(-61)

  require.Len(t, h.discoveries, 2)
  assert.Equal(t, central.LifecycleDiscovered, h.discoveries[0].Lifecycle)
  assert.Equal(t, central.LifecycleRediscovered, h.discoveries[1].Lifecycle)
}

func TestDisconnectPreemptsExecutingRead(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charReadNotify}

  h.dev.StartPoll(target, 100 * time.Millisecond, nil)

  // first tick registers the due poll, second executes the read.
  h.update(2, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("read "))

  before := len(h.readWrites)

  e := h.dev.Disconnect()
  require.True(t, e.Status.Ok())

  // the in-flight read died the moment the CRITICAL disconnect was admitted.
  require.Len(t, h.readWrites, before + 1)
  interrupted := h.readWrites[len(h.readWrites)-1]
  assert.Equal(t, central.OpRead, interrupted.Type)
  assert.Equal(t, central.StatusCancelledFromDisconnect, interrupted.Status)

  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("disconnect "))

  h.fake.emit(stack.Event{Kind: stack.EvtDisconnected, Mac: testMac})
  h.update(1, 50 * time.Millisecond)

  assert.True(t, h.dev.Is(central.StateBleDisconnected))

  last := h.states[len(h.states)-1]
  assert.True(t, last.New.Has(central.StateBleDisconnected))
  assert.Equal(t, central.IntentIntentional, last.Intent)

  // the persisted disconnect intent records the intentional disconnect too.
  assert.Equal(t, central.IntentIntentional, h.dev.LastDisconnectIntent())
}

func TestConnectTimeoutRetriesWithFlippedAutoConnect(t *testing.T) {
  h := newHarness(t, nil)

  e := h.dev.Connect()
  require.True(t, e.Status.Ok())

  h.update(1, 50 * time.Millisecond)

  require.Equal(t, []bool{false}, h.fake.autoConnectFlags)

  // the stack never answers; 13 seconds later the task times out and the
  // immediate retry fires with the flipped flag.
  h.update(13, time.Second)

  require.Equal(t, []bool{false, true}, h.fake.autoConnectFlags)
  assert.Empty(t, h.fails)

  // the retry succeeds: the user still sees a single success event.
  h.fake.emit(stack.Event{Kind: stack.EvtConnected, Mac: testMac})
  h.update(2, 50 * time.Millisecond)

  h.fake.emit(stack.Event{
    Kind: stack.EvtServicesDiscovered,
    Mac: testMac,
    Services: testServices(),
  })
  h.update(2, 50 * time.Millisecond)

  require.True(t, h.dev.Is(central.StateInitialized))
  require.Len(t, h.connects, 1)
  assert.True(t, h.connects[0].Status.Ok())
  assert.Empty(t, h.fails)
}

func TestOtaTransaction(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charWriteOnly}
  payloads := [][]byte{{0xc0, 0xff, 0xee}, {0x01, 0x02}}

  status := h.dev.PerformOtaWrites(target, payloads)
  require.True(t, status.Ok())

  // txn start task raises PERFORMING_OTA and submits the first write.
  h.update(2, time.Millisecond)

  assert.True(t, h.dev.Is(central.StatePerformingOta))
  require.Equal(t, 1, h.fake.CallCount("write "))

  h.fake.emit(stack.Event{
    Kind: stack.EvtCharacteristicWritten,
    Mac: testMac,
    Target: target,
  })
  h.update(2, time.Millisecond)

  require.Equal(t, 2, h.fake.CallCount("write "))

  h.fake.emit(stack.Event{
    Kind: stack.EvtCharacteristicWritten,
    Mac: testMac,
    Target: target,
  })
  h.update(2, time.Millisecond)

  // both writes surfaced in order and succeeded; OTA is over; the device is
  // back to plain INITIALIZED.
  var writes []central.ReadWriteEvent

  for _, e := range h.readWrites {
    if e.Type == central.OpWrite {
      writes = append(writes, e)
    }
  }

  require.Len(t, writes, 2)
  assert.True(t, writes[0].Status.Ok())
  assert.True(t, writes[1].Status.Ok())

  assert.False(t, h.dev.Is(central.StatePerformingOta))
  assert.True(t, h.dev.Is(central.StateInitialized))

  calls := h.fake.Calls()
  assert.Contains(t, calls, "write "+string(testMac)+" "+charWriteOnly.String()+" c0ffee")
  assert.Contains(t, calls, "write "+string(testMac)+" "+charWriteOnly.String()+" 0102")
}

func TestNotifyEnableWithForcedRead(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charReadNotify}

  e := h.dev.EnableNotify(target, 500 * time.Millisecond, nil)
  require.True(t, e.Null)

  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("set_notify "))

  h.fake.emit(stack.Event{
    Kind: stack.EvtNotifyState,
    Mac: testMac,
    Target: stack.Target{Service: svcMain, Char: charReadNotify},
    NotifyEnabled: true,
  })
  h.update(1, 50 * time.Millisecond)

  var enabling *central.ReadWriteEvent

  for i := range h.readWrites {
    if h.readWrites[i].Type == central.OpEnablingNotification {
      enabling = &h.readWrites[i]
    }
  }

  require.NotNil(t, enabling)
  assert.True(t, enabling.Status.Ok())
  assert.Equal(t, central.NotifyEnabled, h.dev.NotifyStateFor(
    stack.Target{Service: svcMain, Char: charReadNotify}))

  // the characteristic stays silent past the force-read timeout: a synthetic
  // read fires and surfaces as a PSUEDO_NOTIFICATION.
  h.update(7, 100 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("read "))

  h.fake.emit(stack.Event{
    Kind: stack.EvtCharacteristicRead,
    Mac: testMac,
    Target: stack.Target{Service: svcMain, Char: charReadNotify},
    Value: []byte{0xab},
  })
  h.update(1, 50 * time.Millisecond)

  require.Len(t, h.notifications, 1)
  assert.Equal(t, central.OpPsuedoNotification, h.notifications[0].Type)
  assert.Equal(t, []byte{0xab}, h.notifications[0].Data)
}

func TestNotifyEnableWithoutForcedReadWhenDataArrives(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charReadNotify}
  resolved := stack.Target{Service: svcMain, Char: charReadNotify}

  h.dev.EnableNotify(target, 500 * time.Millisecond, nil)
  h.update(1, 50 * time.Millisecond)

  h.fake.emit(stack.Event{
    Kind: stack.EvtNotifyState,
    Mac: testMac,
    Target: resolved,
    NotifyEnabled: true,
  })
  h.update(1, 50 * time.Millisecond)

  // a real notification lands inside the window: no forced read happens.
  h.fake.emit(stack.Event{
    Kind: stack.EvtNotification,
    Mac: testMac,
    Target: resolved,
    Value: []byte{0x11},
  })
  h.update(10, 100 * time.Millisecond)

  assert.Equal(t, 0, h.fake.CallCount("read "))

  require.Len(t, h.notifications, 1)
  assert.Equal(t, central.OpNotification, h.notifications[0].Type)
  assert.Equal(t, []byte{0x11}, h.dev.CachedValue(resolved))
}

func TestBleOffMidWrite(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charWriteOnly}

  e := h.dev.Write(target, []byte{0x01}, nil)
  require.True(t, e.Null)

  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("write "))

  // the adapter dies underneath the in-flight write.
  h.fake.mu.Lock()
  h.fake.state = stack.AdapterOff
  h.fake.mu.Unlock()

  h.fake.emit(stack.Event{Kind: stack.EvtAdapterState, Adapter: stack.AdapterOff})
  h.update(1, 50 * time.Millisecond)

  var write *central.ReadWriteEvent

  for i := range h.readWrites {
    if h.readWrites[i].Type == central.OpWrite && !h.readWrites[i].Null {
      write = &h.readWrites[i]
    }
  }

  require.NotNil(t, write)
  assert.Equal(t, central.StatusCancelledFromBleTurningOff, write.Status)

  assert.True(t, h.dev.Is(central.StateBleDisconnected))

  last := h.states[len(h.states)-1]
  assert.Equal(t, central.IntentUnintentional, last.Intent)

  // no further per-device work leaves the gate.
  rejected := h.dev.Read(stack.Target{Char: charReadNotify}, nil)
  assert.False(t, rejected.Null)
  assert.Equal(t, central.StatusNotConnected, rejected.Status)
}

func TestBondIdempotence(t *testing.T) {
  h := newHarness(t, nil)

  h.dev.Bond()
  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("create_bond"))

  h.fake.emit(stack.Event{Kind: stack.EvtBondState, Mac: testMac, Bond: stack.Bonded})
  h.update(1, 50 * time.Millisecond)

  require.Len(t, h.bonds, 1)
  assert.True(t, h.bonds[0].Status.Ok())
  assert.Equal(t, stack.Bonded, h.dev.BondState())
  assert.True(t, h.dev.Is(central.StateBonded))

  // bonding again is redundant: no second native call.
  h.dev.Bond()
  h.update(2, 50 * time.Millisecond)

  assert.Equal(t, 1, h.fake.CallCount("create_bond"))
}

func TestLongTermReconnectSurfacesSingleFailure(t *testing.T) {
  h := newHarness(t, func(cfg *central.ManagerConfig) {
    cfg.ReconnectShortTermTimeout = 200 * time.Millisecond
    cfg.ReconnectLongTermTimeout = time.Second
  })

  h.connectHappy()

  // every reconnect attempt is scripted to fail immediately.
  h.fake.onConnect = func(mac stack.Mac, autoConnect bool) {
    h.fake.emit(stack.Event{Kind: stack.EvtConnectFailed, Mac: mac, Status: 8})
  }

  connectsBefore := len(h.connects)

  // rogue disconnect while INITIALIZED.
  h.fake.emit(stack.Event{Kind: stack.EvtDisconnected, Mac: testMac})
  h.update(1, 50 * time.Millisecond)

  assert.True(t, h.dev.Is(central.StateReconnectingShortTerm))

  // run well past both windows.
  h.update(40, 100 * time.Millisecond)

  assert.True(t, h.dev.Is(central.StateBleDisconnected))
  assert.False(t, h.dev.IsAny(
    central.StateReconnectingShortTerm | central.StateReconnectingLongTerm))

  // sub-failures were silent: exactly one terminal ConnectFailEvent, and no
  // spurious success events.
  require.Len(t, h.fails, 1)
  assert.Equal(t, len(h.connects), connectsBefore)
  assert.Greater(t, h.fails[0].Attempts, 0)
}

func TestShortTermReconnectRecoversSilently(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  h.fake.onConnect = func(mac stack.Mac, autoConnect bool) {
    h.fake.emit(stack.Event{Kind: stack.EvtConnected, Mac: mac})
  }
  h.fake.onDiscover = func(mac stack.Mac) {
    h.fake.emit(stack.Event{
      Kind: stack.EvtServicesDiscovered,
      Mac: mac,
      Services: testServices(),
    })
  }

  connectsBefore := len(h.connects)

  h.fake.emit(stack.Event{Kind: stack.EvtDisconnected, Mac: testMac})
  h.update(1, 50 * time.Millisecond)

  require.True(t, h.dev.Is(central.StateReconnectingShortTerm))

  h.update(10, 50 * time.Millisecond)

  // back to INITIALIZED with no user-visible connect or failure events.
  assert.True(t, h.dev.Is(central.StateInitialized))
  assert.False(t, h.dev.Is(central.StateReconnectingShortTerm))
  assert.Empty(t, h.fails)
  assert.Equal(t, connectsBefore, len(h.connects))
}

func TestSetMtuRedundancy(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  assert.Equal(t, central.DefaultMtu, h.dev.Mtu())

  h.dev.SetMtu(158, nil)
  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("request_mtu"))

  h.fake.emit(stack.Event{Kind: stack.EvtMtu, Mac: testMac, Mtu: 158})
  h.update(1, 50 * time.Millisecond)

  assert.Equal(t, 158, h.dev.Mtu())
  assert.Equal(t, 155, h.dev.EffectiveWriteMtu())

  // asking for the MTU we already have never reaches the stack.
  h.dev.SetMtu(158, nil)
  h.update(2, 50 * time.Millisecond)

  assert.Equal(t, 1, h.fake.CallCount("request_mtu"))
}

func TestOperationGateRejections(t *testing.T) {
  h := newHarness(t, nil)

  // not connected yet.
  e := h.dev.Read(stack.Target{Char: charReadNotify}, nil)
  assert.False(t, e.Null)
  assert.Equal(t, central.StatusNotConnected, e.Status)

  h.connectHappy()

  // unknown characteristic.
  e = h.dev.Read(stack.NewTarget(charUnknown()), nil)
  assert.Equal(t, central.StatusNoMatchingTarget, e.Status)

  // notify on a characteristic without the notify property.
  e = h.dev.EnableNotify(stack.Target{Char: charWriteOnly}, 0, nil)
  assert.Equal(t, central.StatusOperationNotSupported, e.Status)

  // zero target.
  e = h.dev.Read(stack.Target{}, nil)
  assert.Equal(t, central.StatusNullTarget, e.Status)

  // none of those rejections ever touched the stack.
  assert.Equal(t, 0, h.fake.CallCount("read "))
  assert.Equal(t, 0, h.fake.CallCount("set_notify"))
}

func TestReliableWriteSessionBuffersWrites(t *testing.T) {
  h := newHarness(t, nil)

  h.connectHappy()

  target := stack.Target{Char: charWriteOnly}

  h.dev.ReliableWriteBegin(nil)
  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("begin_reliable_write"))

  h.fake.emit(stack.Event{Kind: stack.EvtReliableWriteBegun, Mac: testMac})
  h.update(1, 50 * time.Millisecond)

  // writes during the open session never hit the stack individually.
  h.dev.Write(target, []byte{0x01}, nil)
  h.dev.Write(target, []byte{0x02}, nil)
  h.update(2, 50 * time.Millisecond)

  assert.Equal(t, 0, h.fake.CallCount("write "))

  h.dev.ReliableWriteExecute(nil)
  h.update(1, 50 * time.Millisecond)

  // the execute task flushes the buffer in order...
  require.Equal(t, 1, h.fake.CallCount("write "))

  h.fake.emit(stack.Event{Kind: stack.EvtCharacteristicWritten, Mac: testMac, Target: target})
  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 2, h.fake.CallCount("write "))

  h.fake.emit(stack.Event{Kind: stack.EvtCharacteristicWritten, Mac: testMac, Target: target})
  h.update(1, 50 * time.Millisecond)

  // ...then commits atomically.
  require.Equal(t, 1, h.fake.CallCount("execute_reliable_write"))

  h.fake.emit(stack.Event{Kind: stack.EvtReliableWriteExecuted, Mac: testMac})
  h.update(1, 50 * time.Millisecond)

  last := h.readWrites[len(h.readWrites)-1]
  assert.Equal(t, central.OpReliableWriteExecute, last.Type)
  assert.True(t, last.Status.Ok())
}

func TestUndiscoverySweep(t *testing.T) {
  h := newHarness(t, func(cfg *central.ManagerConfig) {
    cfg.UndiscoveryKeepAlive = time.Second
  })

  h.mgr.StartScan(stack.ScanParams{})
  h.update(1, 50 * time.Millisecond)

  h.advertise(-60)

  require.Len(t, h.discoveries, 1)

  // unseen for longer than the keep-alive: the device goes away.
  h.update(15, 100 * time.Millisecond)

  require.Len(t, h.discoveries, 2)
  assert.Equal(t, central.LifecycleUndiscovered, h.discoveries[1].Lifecycle)
  assert.True(t, h.dev.Is(central.StateUndiscovered))
}

func TestCrashResolverSerializesRuns(t *testing.T) {
  h := newHarness(t, nil)

  h.mgr.ResolveCrashes()
  h.update(1, 50 * time.Millisecond)

  require.Equal(t, 1, h.fake.CallCount("force_crash_resolver_flush"))

  // a second resolver scheduled while the first is still recovering waits
  // behind it and never double-flushes a recovery in progress.
  h.mgr.ResolveCrashes()
  h.update(2, 50 * time.Millisecond)

  assert.Equal(t, 1, h.fake.CallCount("force_crash_resolver_flush"))

  // the first recovery completes (observed by the polling update hook); only
  // then does the second run start.
  h.fake.emit(stack.Event{Kind: stack.EvtCrashResolved})
  h.update(2, 50 * time.Millisecond)

  assert.Equal(t, 2, h.fake.CallCount("force_crash_resolver_flush"))
}

func TestSingleManagerInstance(t *testing.T) {
  h := newHarness(t, nil)

  _, err := central.NewManager(h.fake, central.DefaultConfig())
  assert.ErrorIs(t, err, central.ErrManagerAlreadyLive)
}

func charUnknown() stack.UUID {
  return stack.UUID{0xde, 0xc0}
}
