package central

import (
  "time"

  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
)

// opContext carries one GATT operation through its task: the request, the
// captured result, and the emit bookkeeping.
type opContext struct {
  op ReadWriteType
  target stack.Target
  value []byte
  writeType stack.WriteType
  listener ReadWriteListener
  pseudo bool
  enable bool
  forceReadTimeout time.Duration
  mtu int

  // issue re-fires the native call; used for the single internal retry on a
  // spurious 133.
  issue func()
  // onSuccess captures the completion payload into the context and updates
  // device bookkeeping. Runs on the update worker.
  onSuccess func(e stack.Event)

  data []byte
  rssi int
  mtuOut int
  txPhy, rxPhy stack.Phy

  failStatus Status
  armedAt time.Time

  // onDone runs before the event is emitted on any terminal transition.
  onDone func(s scheduler.State)
}

// newOpTask builds the common scaffolding shared by every characteristic/
// descriptor/link-parameter operation: execute issues the native call, the
// matching completion event resolves the task (with one internal retry on a
// spurious 133), and the terminal hook converts the outcome into exactly one
// ReadWriteEvent.
func (d *Device) newOpTask(kind scheduler.Kind, ctx *opContext,
    completion stack.EventKind) *scheduler.Task {
  t := scheduler.NewTask(kind, d.mac, scheduler.Hooks{
    OnExecute: func(t *scheduler.Task) {
      ctx.armedAt = d.mgr.clock.Now()
      ctx.issue()
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind != completion || e.Mac != d.mac {
        return
      }

      if len(ctx.target.Char) > 0 && len(e.Target.Char) > 0 &&
          !e.Target.Char.Equal(ctx.target.Char) {
        return
      }

      if e.Status.Ok() {
        if ctx.onSuccess != nil {
          ctx.onSuccess(e)
        }

        t.Succeed()
        return
      }

      if e.Status == stack.GattError133 && t.RetryBudget > 0 {
        t.RetryBudget -= 1

        log.Debug().
          Stringer("Device", d).
          Stringer("Op", ctx.op).
          Msg("central: transient gatt failure, retrying once")

        ctx.issue()
        return
      }

      if ctx.failStatus == StatusSuccess {
        ctx.failStatus = StatusRemoteGattFailure
      }

      t.Fail()
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      d.finishOp(t, ctx, s)
    },
    CancellableBy: cancellableByPowerCycle,
    InterruptibleBy: interruptibleByTeardown,
  })

  t.Priority = scheduler.PriorityLow
  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true
  t.RequiresConnection = true
  t.RetryBudget = 1

  return t
}

// cancellableByPowerCycle is the default cancellation relation of GATT
// operations: an implicit or explicit BLE-off sweeps them from the queue.
// (Disconnect clears per-device tasks directly, not through this relation.)
func cancellableByPowerCycle(t, other *scheduler.Task) bool {
  return other.Kind == scheduler.KindTurnBleOff
}

// interruptibleByTeardown lets teardown paths preempt an in-flight operation
// whose native callback is still pending.
func interruptibleByTeardown(t, other *scheduler.Task) bool {
  return other.Kind == scheduler.KindDisconnect || other.Kind == scheduler.KindTurnBleOff
}

// finishOp converts a terminal task state into the single ReadWriteEvent for
// the operation, updates timing averages and fires secondary notification
// events where applicable.
func (d *Device) finishOp(t *scheduler.Task, ctx *opContext, s scheduler.State) {
  metrics.TaskFinished(t.Kind.String(), s.String())

  if ctx.onDone != nil {
    ctx.onDone(s)
  }

  now := d.mgr.clock.Now()
  status := d.mgr.statusForTerminal(s, ctx.failStatus)

  event := ReadWriteEvent{
    Device: d,
    Target: ctx.target,
    Type: ctx.op,
    Status: status,
    Data: ctx.data,
    Rssi: ctx.rssi,
    Mtu: ctx.mtuOut,
    TxPhy: ctx.txPhy,
    RxPhy: ctx.rxPhy,
    TimeTotal: now.Sub(t.EnqueuedAt()),
  }

  ota := d.Is(StatePerformingOta)

  if ota && !ctx.armedAt.IsZero() {
    event.TimeOta = now.Sub(ctx.armedAt)
  }

  if status.Ok() && s == scheduler.StateSucceeded && !ctx.armedAt.IsZero() {
    elapsed := now.Sub(ctx.armedAt)
    include := !ota || d.includeOtaTimes()

    d.mu.Lock()
    switch ctx.op {
    case OpRead, OpPsuedoNotification:
      if include {
        d.readAvg.Add(elapsed)
      }

      d.cache[ctx.target.Key()] = ctx.data
    case OpWrite:
      if include {
        d.writeAvg.Add(elapsed)
      }

      d.cache[ctx.target.Key()] = ctx.value
    }
    d.mu.Unlock()
  }

  d.mgr.emitReadWrite(event, ctx.listener)

  // a successful forced read doubles as the notification that never came.
  if ctx.pseudo && status.Ok() && s == scheduler.StateSucceeded {
    d.mgr.emitNotification(NotificationEvent{
      Device: d,
      Target: ctx.target,
      Type: OpPsuedoNotification,
      Data: ctx.data,
    })
  }
}

func (d *Device) newReadTask(target stack.Target, op ReadWriteType,
    pseudo bool, listener ReadWriteListener) *scheduler.Task {
  ctx := &opContext{
    op: op,
    target: target,
    listener: listener,
    pseudo: pseudo,
  }

  ctx.issue = func() {
    d.mgr.adapter.ReadCharacteristic(d.mac, target)
  }

  ctx.onSuccess = func(e stack.Event) {
    ctx.data = e.Value
  }

  t := d.newOpTask(scheduler.KindRead, ctx, stack.EvtCharacteristicRead)

  if pseudo {
    t.Implicit = true

    // if the characteristic spoke up on its own between arming and now, the
    // forced read has nothing left to prove.
    prevIssue := ctx.issue
    ctx.issue = func() {
      d.mu.Lock()
      last, seen := d.lastNotifyAt[target.Key()]
      armed := d.pseudoNotifies[target.Key()]
      d.mu.Unlock()

      if seen && armed != nil && last.After(armed.deadline.Add(-armed.timeout)) {
        t.Redundant()
        return
      }

      prevIssue()
    }
  }

  return t
}

func (d *Device) newWriteTask(target stack.Target, value []byte,
    wt stack.WriteType, listener ReadWriteListener) *scheduler.Task {
  ctx := &opContext{
    op: OpWrite,
    target: target,
    value: value,
    writeType: wt,
    listener: listener,
  }

  ctx.issue = func() {
    d.mgr.adapter.WriteCharacteristic(d.mac, target, value, wt)
  }

  ctx.failStatus = StatusSuccess

  return d.newOpTask(scheduler.KindWrite, ctx, stack.EvtCharacteristicWritten)
}

func (d *Device) newDescriptorTask(target stack.Target, value []byte,
    write bool, listener ReadWriteListener) *scheduler.Task {
  ctx := &opContext{
    target: target,
    value: value,
    listener: listener,
  }

  if write {
    ctx.op = OpWrite
    ctx.issue = func() {
      d.mgr.adapter.WriteDescriptor(d.mac, target, value)
    }

    return d.newOpTask(scheduler.KindWriteDescriptor, ctx, stack.EvtDescriptorWritten)
  }

  ctx.op = OpRead
  ctx.issue = func() {
    d.mgr.adapter.ReadDescriptor(d.mac, target)
  }
  ctx.onSuccess = func(e stack.Event) {
    ctx.data = e.Value
  }

  return d.newOpTask(scheduler.KindReadDescriptor, ctx, stack.EvtDescriptorRead)
}

func (d *Device) newNotifyTask(target stack.Target, enable bool,
    forceReadTimeout time.Duration, listener ReadWriteListener) *scheduler.Task {
  op := OpEnablingNotification

  if !enable {
    op = OpDisablingNotification
  }

  ctx := &opContext{
    op: op,
    target: target,
    listener: listener,
    enable: enable,
    forceReadTimeout: forceReadTimeout,
  }

  ctx.issue = func() {
    d.mu.Lock()
    if enable {
      d.notifyStates[target.Key()] = NotifyEnabling
    } else {
      d.notifyStates[target.Key()] = NotifyDisabling
    }
    d.mu.Unlock()

    d.mgr.adapter.SetNotify(d.mac, target, enable)
  }

  ctx.onSuccess = func(e stack.Event) {
    now := d.mgr.clock.Now()

    d.mu.Lock()
    if enable {
      d.notifyStates[target.Key()] = NotifyEnabled

      if forceReadTimeout > 0 {
        d.pseudoNotifies[target.Key()] = &pseudoNotify{
          timeout: forceReadTimeout,
          deadline: now.Add(forceReadTimeout),
          armed: true,
        }
      }
    } else {
      d.notifyStates[target.Key()] = NotifyDisabled
      delete(d.pseudoNotifies, target.Key())
    }
    d.mu.Unlock()
  }

  ctx.failStatus = StatusFailedToToggleNotification

  // roll the optimistic enabling/disabling transition back on any outcome
  // other than success.
  ctx.onDone = func(s scheduler.State) {
    if s == scheduler.StateSucceeded {
      return
    }

    d.mu.Lock()
    if enable {
      d.notifyStates[target.Key()] = NotifyDisabled
    } else {
      d.notifyStates[target.Key()] = NotifyEnabled
    }
    d.mu.Unlock()
  }

  return d.newOpTask(scheduler.KindNotify, ctx, stack.EvtNotifyState)
}

func (d *Device) newSimpleOpTask(kind scheduler.Kind, op ReadWriteType,
    listener ReadWriteListener, issue func(), completion stack.EventKind) *scheduler.Task {
  ctx := &opContext{
    op: op,
    listener: listener,
    issue: issue,
  }

  ctx.onSuccess = func(e stack.Event) {
    switch e.Kind {
    case stack.EvtRssi:
      ctx.rssi = e.Rssi

      d.mu.Lock()
      d.rssi = e.Rssi
      d.mu.Unlock()
    case stack.EvtConnectionPriority:
      d.mu.Lock()
      d.connectionPriority = stack.ConnectionPriority(e.Value[0])
      d.mu.Unlock()
    case stack.EvtPhy:
      ctx.txPhy, ctx.rxPhy = e.TxPhy, e.RxPhy

      d.mu.Lock()
      d.txPhy, d.rxPhy = e.TxPhy, e.RxPhy
      d.mu.Unlock()
    }
  }

  return d.newOpTask(kind, ctx, completion)
}

func (d *Device) newSetMtuTask(mtu int, listener ReadWriteListener) *scheduler.Task {
  ctx := &opContext{
    op: OpMtu,
    listener: listener,
    mtu: mtu,
  }

  ctx.issue = func() {
    d.mgr.adapter.RequestMtu(d.mac, mtu)
  }

  ctx.onSuccess = func(e stack.Event) {
    ctx.mtuOut = e.Mtu

    d.mu.Lock()
    d.mtu = e.Mtu
    d.mu.Unlock()
  }

  t := d.newOpTask(scheduler.KindSetMtu, ctx, stack.EvtMtu)

  prevIssue := ctx.issue
  ctx.issue = func() {
    if d.Mtu() == mtu {
      ctx.mtuOut = mtu
      t.Redundant()
      return
    }

    prevIssue()
  }

  return t
}

func (d *Device) newReliableWriteTask(kind scheduler.Kind,
    listener ReadWriteListener) *scheduler.Task {
  switch kind {
  case scheduler.KindReliableWriteBegin:
    ctx := &opContext{op: OpReliableWriteBegin, listener: listener}

    ctx.issue = func() {
      d.mgr.adapter.BeginReliableWrite(d.mac)
    }

    ctx.onSuccess = func(e stack.Event) {
      d.mu.Lock()
      d.reliable.state = ReliableOpen
      d.reliable.buffer = nil
      d.mu.Unlock()
    }

    return d.newOpTask(kind, ctx, stack.EvtReliableWriteBegun)
  case scheduler.KindReliableWriteAbort:
    ctx := &opContext{op: OpReliableWriteAbort, listener: listener}

    ctx.issue = func() {
      d.mu.Lock()
      d.reliable.state = ReliableAborting
      d.mu.Unlock()

      d.mgr.adapter.AbortReliableWrite(d.mac)
    }

    ctx.onSuccess = func(e stack.Event) {
      d.mu.Lock()
      d.reliable = reliableWrite{}
      d.mu.Unlock()
    }

    return d.newOpTask(kind, ctx, stack.EvtReliableWriteAborted)
  case scheduler.KindReliableWriteExecute:
    return d.newReliableExecuteTask(listener)
  default:
    panic("not a reliable write kind: " + kind.String())
  }
}

// newReliableExecuteTask flushes the session buffer write by write, then
// commits the session atomically. Any failure along the way aborts the whole
// session.
func (d *Device) newReliableExecuteTask(listener ReadWriteListener) *scheduler.Task {
  ctx := &opContext{op: OpReliableWriteExecute, listener: listener}

  var t *scheduler.Task
  next := 0

  sendNext := func() {
    d.mu.Lock()
    buffer := d.reliable.buffer
    d.mu.Unlock()

    if next < len(buffer) {
      w := buffer[next]
      next += 1

      d.mgr.adapter.WriteCharacteristic(d.mac, w.target, w.value, stack.WriteWithResponse)
      return
    }

    d.mgr.adapter.ExecuteReliableWrite(d.mac)
  }

  ctx.issue = func() {
    d.mu.Lock()
    d.reliable.state = ReliableCommitting
    d.mu.Unlock()

    sendNext()
  }

  t = scheduler.NewTask(scheduler.KindReliableWriteExecute, d.mac, scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      ctx.armedAt = d.mgr.clock.Now()
      ctx.issue()
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Mac != d.mac {
        return
      }

      switch e.Kind {
      case stack.EvtCharacteristicWritten:
        if !e.Status.Ok() {
          ctx.failStatus = StatusFailedToSetValueOnTarget

          d.mgr.adapter.AbortReliableWrite(d.mac)
          t.Fail()
          return
        }

        sendNext()
      case stack.EvtReliableWriteExecuted:
        if !e.Status.Ok() {
          ctx.failStatus = StatusRemoteGattFailure
          t.Fail()
          return
        }

        t.Succeed()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      d.mu.Lock()
      d.reliable = reliableWrite{}
      d.mu.Unlock()

      d.finishOp(t, ctx, s)
    },
    CancellableBy: cancellableByPowerCycle,
    InterruptibleBy: interruptibleByTeardown,
  })

  t.Priority = scheduler.PriorityLow
  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true
  t.RequiresConnection = true

  return t
}
