package central

import (
  "time"

  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
)

// Façade operations. Every one of these returns a synchronous ReadWriteEvent:
// Null=true means the operation was admitted to the queue and the real
// outcome will arrive through the listeners; Null=false means it was rejected
// at the gate and the event already carries the final status.

func (d *Device) earlyOut(op ReadWriteType, target stack.Target, status Status) ReadWriteEvent {
  log.Debug().
    Stringer("Device", d).
    Stringer("Op", op).
    Stringer("Target", target).
    Stringer("Status", status).
    Msg("central: operation rejected at the gate")

  return ReadWriteEvent{
    Device: d,
    Target: target,
    Type: op,
    Status: status,
  }
}

func (d *Device) placeholder(op ReadWriteType, target stack.Target) ReadWriteEvent {
  return ReadWriteEvent{
    Device: d,
    Target: target,
    Type: op,
    Status: StatusSuccess,
    Null: true,
  }
}

// gateTargetOp validates a characteristic operation without issuing any stack
// call: connectivity, target resolution, property support.
func (d *Device) gateTargetOp(op ReadWriteType, target stack.Target,
    need stack.Property) (stack.Target, *ReadWriteEvent) {
  if !d.Is(StateBleConnected) {
    e := d.earlyOut(op, target, StatusNotConnected)
    return target, &e
  }

  resolved, char, status := d.findTarget(target)

  if !status.Ok() {
    e := d.earlyOut(op, target, status)
    return target, &e
  }

  if need != 0 && char.Properties & need == 0 {
    e := d.earlyOut(op, resolved, StatusOperationNotSupported)
    return resolved, &e
  }

  return resolved, nil
}

// Read reads a characteristic. The result (and error) arrives through the
// per-call listener, the device read/write listener stack and the manager
// analogue, in that order.
func (d *Device) Read(target stack.Target, listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    resolved, early := d.gateTargetOp(OpRead, target, stack.PropertyRead)

    if early != nil {
      out = *early
      return
    }

    d.mgr.enqueue(d.newReadTask(resolved, OpRead, false, listener))
    out = d.placeholder(OpRead, resolved)
  })

  return out
}

// WriteWithType is the canonical write entry point.
func (d *Device) WriteWithType(target stack.Target, value []byte,
    wt stack.WriteType, listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    need := stack.PropertyWrite

    switch wt {
    case stack.WriteWithoutResponse:
      need = stack.PropertyWriteNoResponse
    case stack.WriteSigned:
      need = stack.PropertySignedWrite
    }

    resolved, early := d.gateTargetOp(OpWrite, target, need)

    if early != nil {
      out = *early
      return
    }

    if len(value) > d.EffectiveWriteMtu() {
      log.Warn().
        Stringer("Device", d).
        Int("Len", len(value)).
        Int("EffectiveMtu", d.EffectiveWriteMtu()).
        Msg("central: write exceeds negotiated MTU payload, the stack will truncate or reject")
    }

    // writes inside an open reliable-write session are buffered until
    // execute/abort and never hit the stack individually.
    d.mu.Lock()
    if d.reliable.state == ReliableOpen {
      d.reliable.buffer = append(d.reliable.buffer, bufferedWrite{target: resolved, value: value})
      d.mu.Unlock()

      out = d.placeholder(OpWrite, resolved)
      return
    }
    d.mu.Unlock()

    d.mgr.enqueue(d.newWriteTask(resolved, value, wt, listener))
    out = d.placeholder(OpWrite, resolved)
  })

  return out
}

// Write forwards to WriteWithType with a with-response write.
func (d *Device) Write(target stack.Target, value []byte, listener ReadWriteListener) ReadWriteEvent {
  return d.WriteWithType(target, value, stack.WriteWithResponse, listener)
}

// EnableNotify subscribes to notifications/indications on the target. When
// forceReadTimeout is positive and the characteristic stays silent past it, a
// forced read is issued and surfaces as a PSUEDO_NOTIFICATION.
func (d *Device) EnableNotify(target stack.Target, forceReadTimeout time.Duration,
    listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    resolved, early := d.gateTargetOp(OpEnablingNotification, target,
      stack.PropertyNotify | stack.PropertyIndicate)

    if early != nil {
      out = *early
      return
    }

    d.mu.Lock()
    current := d.notifyStates[resolved.Key()]
    d.mu.Unlock()

    if current == NotifyEnabled || current == NotifyEnabling {
      out = d.earlyOut(OpEnablingNotification, resolved, StatusSuccess)
      return
    }

    d.mgr.enqueue(d.newNotifyTask(resolved, true, forceReadTimeout, listener))
    out = d.placeholder(OpEnablingNotification, resolved)
  })

  return out
}

func (d *Device) DisableNotify(target stack.Target, listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    resolved, early := d.gateTargetOp(OpDisablingNotification, target,
      stack.PropertyNotify | stack.PropertyIndicate)

    if early != nil {
      out = *early
      return
    }

    d.mu.Lock()
    current := d.notifyStates[resolved.Key()]
    delete(d.pseudoNotifies, resolved.Key())
    d.mu.Unlock()

    if current == NotifyDisabled || current == NotifyDisabling {
      out = d.earlyOut(OpDisablingNotification, resolved, StatusSuccess)
      return
    }

    d.mgr.enqueue(d.newNotifyTask(resolved, false, 0, listener))
    out = d.placeholder(OpDisablingNotification, resolved)
  })

  return out
}

func (d *Device) ReadDescriptor(target stack.Target, listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if len(target.Descriptor) == 0 {
      out = d.earlyOut(OpRead, target, StatusNullTarget)
      return
    }

    resolved, early := d.gateTargetOp(OpRead, target, 0)

    if early != nil {
      out = *early
      return
    }

    d.mgr.enqueue(d.newDescriptorTask(resolved, nil, false, listener))
    out = d.placeholder(OpRead, resolved)
  })

  return out
}

func (d *Device) WriteDescriptor(target stack.Target, value []byte,
    listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if len(target.Descriptor) == 0 {
      out = d.earlyOut(OpWrite, target, StatusNullTarget)
      return
    }

    resolved, early := d.gateTargetOp(OpWrite, target, 0)

    if early != nil {
      out = *early
      return
    }

    d.mgr.enqueue(d.newDescriptorTask(resolved, value, true, listener))
    out = d.placeholder(OpWrite, resolved)
  })

  return out
}

func (d *Device) ReadRssi(listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpRssi, stack.Target{}, StatusNotConnected)
      return
    }

    d.mgr.enqueue(d.newSimpleOpTask(scheduler.KindReadRssi, OpRssi, listener,
      func() { d.mgr.adapter.ReadRssi(d.mac) },
      stack.EvtRssi))
    out = d.placeholder(OpRssi, stack.Target{})
  })

  return out
}

// SetMtu negotiates the ATT MTU. Requesting the already-negotiated value
// resolves redundant without a stack call.
func (d *Device) SetMtu(mtu int, listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpMtu, stack.Target{}, StatusNotConnected)
      return
    }

    d.mgr.enqueue(d.newSetMtuTask(mtu, listener))
    out = d.placeholder(OpMtu, stack.Target{})
  })

  return out
}

func (d *Device) SetConnectionPriority(p stack.ConnectionPriority,
    listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpConnectionPriority, stack.Target{}, StatusNotConnected)
      return
    }

    d.mgr.enqueue(d.newSimpleOpTask(scheduler.KindSetConnectionPriority,
      OpConnectionPriority, listener,
      func() { d.mgr.adapter.RequestConnectionPriority(d.mac, p) },
      stack.EvtConnectionPriority))
    out = d.placeholder(OpConnectionPriority, stack.Target{})
  })

  return out
}

func (d *Device) SetPhy(tx, rx stack.Phy, opts stack.PhyOptions,
    listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpPhyOptions, stack.Target{}, StatusNotConnected)
      return
    }

    d.mgr.enqueue(d.newSimpleOpTask(scheduler.KindSetPhy, OpPhyOptions, listener,
      func() { d.mgr.adapter.SetPhy(d.mac, tx, rx, opts) },
      stack.EvtPhy))
    out = d.placeholder(OpPhyOptions, stack.Target{})
  })

  return out
}

func (d *Device) ReadPhy(listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpPhyOptions, stack.Target{}, StatusNotConnected)
      return
    }

    d.mgr.enqueue(d.newSimpleOpTask(scheduler.KindReadPhy, OpPhyOptions, listener,
      func() { d.mgr.adapter.ReadPhy(d.mac) },
      stack.EvtPhy))
    out = d.placeholder(OpPhyOptions, stack.Target{})
  })

  return out
}

// --- reliable write session --------------------------------------------------

func (d *Device) ReliableWriteBegin(listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = d.earlyOut(OpReliableWriteBegin, stack.Target{}, StatusNotConnected)
      return
    }

    d.mu.Lock()
    busy := d.reliable.state != ReliableNone
    d.mu.Unlock()

    if busy {
      out = d.earlyOut(OpReliableWriteBegin, stack.Target{}, StatusBusy)
      return
    }

    d.mgr.enqueue(d.newReliableWriteTask(scheduler.KindReliableWriteBegin, listener))
    out = d.placeholder(OpReliableWriteBegin, stack.Target{})
  })

  return out
}

func (d *Device) ReliableWriteExecute(listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    d.mu.Lock()
    open := d.reliable.state == ReliableOpen
    d.mu.Unlock()

    if !open {
      out = d.earlyOut(OpReliableWriteExecute, stack.Target{}, StatusOperationNotSupported)
      return
    }

    d.mgr.enqueue(d.newReliableWriteTask(scheduler.KindReliableWriteExecute, listener))
    out = d.placeholder(OpReliableWriteExecute, stack.Target{})
  })

  return out
}

func (d *Device) ReliableWriteAbort(listener ReadWriteListener) ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    d.mu.Lock()
    open := d.reliable.state == ReliableOpen
    d.mu.Unlock()

    if !open {
      out = d.earlyOut(OpReliableWriteAbort, stack.Target{}, StatusOperationNotSupported)
      return
    }

    d.mgr.enqueue(d.newReliableWriteTask(scheduler.KindReliableWriteAbort, listener))
    out = d.placeholder(OpReliableWriteAbort, stack.Target{})
  })

  return out
}

// --- bonding -----------------------------------------------------------------

// Bond creates a persistent pairing. Redundant when already bonded: no native
// call is issued.
func (d *Device) Bond() ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if d.BondState() == stack.Bonded {
      d.mgr.enqueue(d.newBondTask(true, true))
      out = d.placeholder(OpWrite, stack.Target{})
      return
    }

    d.mgr.enqueue(d.newBondTask(true, false))
    out = d.placeholder(OpWrite, stack.Target{})
  })

  return out
}

func (d *Device) Unbond() ReadWriteEvent {
  var out ReadWriteEvent

  d.mgr.runOnWorkerAndWait(func() {
    if d.BondState() == stack.BondNone {
      d.mgr.enqueue(d.newBondTask(false, true))
      out = d.placeholder(OpWrite, stack.Target{})
      return
    }

    d.mgr.enqueue(d.newBondTask(false, false))
    out = d.placeholder(OpWrite, stack.Target{})
  })

  return out
}

// --- historical data ---------------------------------------------------------

// AddHistoricalData appends one timestamped value to the persistent history
// for the target. A no-op without a configured disk store.
func (d *Device) AddHistoricalData(target stack.Target, ts time.Time, value []byte) error {
  if d.mgr.disk == nil {
    return nil
  }

  return d.mgr.disk.AppendHistoricalData(string(d.mac), target.Char.String(), ts, value)
}

// BulkAddHistoricalData streams entries from the cursor into the store
// without materialising them.
func (d *Device) BulkAddHistoricalData(target stack.Target, cursor HistoricalCursor) (int, error) {
  if d.mgr.disk == nil {
    return 0, nil
  }

  return d.mgr.disk.BulkAddHistoricalData(string(d.mac), target.Char.String(), cursor)
}

// LoadHistoricalData fetches the history on a background goroutine and
// reports completion through the HistoricalDataLoad listener stack.
func (d *Device) LoadHistoricalData(target stack.Target) {
  if d.mgr.disk == nil {
    d.notifyHistoricalLoad(target, 0, nil)
    return
  }

  go func() {
    cursor, err := d.mgr.disk.HistoricalData(string(d.mac), target.Char.String())

    if err != nil {
      d.notifyHistoricalLoad(target, 0, err)
      return
    }

    defer cursor.Close()

    count := 0

    for cursor.Next() {
      count += 1
    }

    d.notifyHistoricalLoad(target, count, cursor.Err())
  }()
}

// HistoricalData returns a cursor over the persisted history.
func (d *Device) HistoricalData(target stack.Target) (HistoricalCursor, error) {
  if d.mgr.disk == nil {
    return emptyCursor{}, nil
  }

  return d.mgr.disk.HistoricalData(string(d.mac), target.Char.String())
}

func (d *Device) notifyHistoricalLoad(target stack.Target, count int, err error) {
  d.mgr.loop.RunOrPost(func() {
    d.mu.Lock()
    listener, ok := d.historicalListeners.Top()
    d.mu.Unlock()

    if ok {
      d.mgr.dispatcher.Dispatch(func() { listener(target, count, err) })
    }
  })
}

type emptyCursor struct{}

func (emptyCursor) Next() bool { return false }
func (emptyCursor) Value() (time.Time, []byte) { return time.Time{}, nil }
func (emptyCursor) Err() error { return nil }
func (emptyCursor) Close() error { return nil }
