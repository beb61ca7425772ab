package central

import (
  "time"

  "github.com/google/uuid"
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
)

type TxnKind uint8

const (
  TxnAuth TxnKind = iota
  TxnInit
  TxnOta
  TxnUser
)

func (k TxnKind) String() string {
  switch k {
  case TxnAuth:
    return "Auth"
  case TxnInit:
    return "Init"
  case TxnOta:
    return "Ota"
  default:
    return "User"
  }
}

// TxnFunc is the body of a transaction. It runs on the update worker once the
// transaction's start task reaches the head of the queue; it submits
// operations through the Txn handle and eventually calls Succeed or Fail
// (possibly from a later callback).
type TxnFunc func(t *Txn)

// Txn groups tasks into an atomic unit gating the device state machine:
// AUTHENTICATING, INITIALIZING or PERFORMING_OTA stays set until the
// transaction ends. Operations submitted through a Txn run at elevated
// priority and refuse to be cancelled by peer user operations.
type Txn struct {
  id uuid.UUID
  kind TxnKind
  dev *Device
  startedAt time.Time
  done bool
}

func (t *Txn) Device() *Device {
  return t.dev
}

func (t *Txn) Kind() TxnKind {
  return t.kind
}

// bind tags a task as belonging to this transaction.
func (t *Txn) bind(task *scheduler.Task) *scheduler.Task {
  task.TxnId = t.id
  task.Priority = scheduler.PriorityHigh

  return task
}

// Read submits a transaction-bound read; the outcome goes to cb only.
func (t *Txn) Read(target stack.Target, cb ReadWriteListener) ReadWriteEvent {
  d := t.dev

  resolved, early := d.gateTargetOp(OpRead, target, stack.PropertyRead)

  if early != nil {
    return *early
  }

  d.mgr.enqueue(t.bind(d.newReadTask(resolved, OpRead, false, cb)))

  return d.placeholder(OpRead, resolved)
}

func (t *Txn) Write(target stack.Target, value []byte, cb ReadWriteListener) ReadWriteEvent {
  d := t.dev

  resolved, early := d.gateTargetOp(OpWrite, target, stack.PropertyWrite)

  if early != nil {
    return *early
  }

  d.mgr.enqueue(t.bind(d.newWriteTask(resolved, value, stack.WriteWithResponse, cb)))

  return d.placeholder(OpWrite, resolved)
}

func (t *Txn) EnableNotify(target stack.Target, forceReadTimeout time.Duration,
    cb ReadWriteListener) ReadWriteEvent {
  d := t.dev

  resolved, early := d.gateTargetOp(OpEnablingNotification, target,
    stack.PropertyNotify | stack.PropertyIndicate)

  if early != nil {
    return *early
  }

  d.mgr.enqueue(t.bind(d.newNotifyTask(resolved, true, forceReadTimeout, cb)))

  return d.placeholder(OpEnablingNotification, resolved)
}

// Succeed commits the transaction and advances the device state machine.
func (t *Txn) Succeed() {
  t.dev.mgr.loop.RunOrPost(func() {
    t.finish(true, StatusSuccess)
  })
}

// Fail aborts the transaction with a typed reason.
func (t *Txn) Fail(status Status) {
  t.dev.mgr.loop.RunOrPost(func() {
    t.finish(false, status)
  })
}

func (t *Txn) finish(ok bool, status Status) {
  if t.done {
    return
  }

  t.done = true

  d := t.dev

  d.mu.Lock()
  if d.activeTxn == t {
    d.activeTxn = nil
  }
  d.mu.Unlock()

  log.Debug().
    Stringer("Device", d).
    Stringer("Txn", t.kind).
    Bool("Ok", ok).
    Stringer("Status", status).
    Msg("central: transaction finished")

  metrics.TaskFinished("Txn"+t.kind.String(), map[bool]string{true: "Succeeded", false: "Failed"}[ok])

  switch t.kind {
  case TxnAuth:
    if ok {
      d.setStates(StateAuthenticated, StateAuthenticating, IntentIntentional)
      d.startAuthOrInit()
      return
    }

    d.mu.Lock()
    d.recon.txnFailure = StatusAuthenticationFailed
    d.mu.Unlock()

    d.failConnectAttempt(StatusAuthenticationFailed)
  case TxnInit:
    if ok {
      d.setStates(0, StateInitializing, IntentIntentional)
      d.finishConnect()
      return
    }

    d.mu.Lock()
    d.recon.txnFailure = StatusInitializationFailed
    d.mu.Unlock()

    d.failConnectAttempt(StatusInitializationFailed)
  case TxnOta:
    d.setStates(0, StatePerformingOta, IntentIntentional)
    d.mgr.loop.SetRate(d.mgr.cfg.AutoUpdateRate)

    if ok && d.mgr.cfg.ClearGattOnOtaSuccess {
      d.RefreshGattDatabase()
    }
  case TxnUser:
    // nothing gates on user transactions; the caller observes its own ops.
  }
}

// abort tears the active transaction down without driving the state machine
// (used by disconnect paths, which transition states themselves).
func (d *Device) abortActiveTxn(status Status) {
  d.mu.Lock()
  txn := d.activeTxn
  d.activeTxn = nil
  d.mu.Unlock()

  if txn == nil || txn.done {
    return
  }

  txn.done = true

  if txn.kind == TxnOta {
    d.mgr.loop.SetRate(d.mgr.cfg.AutoUpdateRate)
  }

  log.Debug().
    Stringer("Device", d).
    Stringer("Txn", txn.kind).
    Stringer("Status", status).
    Msg("central: transaction aborted")
}

// startTxn enqueues the transaction's start task. The task serialises the
// transaction behind whatever is already queued; once it executes, the
// gating state bit goes up and the body runs.
func (d *Device) startTxn(kind TxnKind, fn TxnFunc) {
  var t *scheduler.Task

  taskKind := map[TxnKind]scheduler.Kind{
    TxnAuth: scheduler.KindTxnAuth,
    TxnInit: scheduler.KindTxnInit,
    TxnOta: scheduler.KindTxnOta,
    TxnUser: scheduler.KindUserTxn,
  }[kind]

  t = scheduler.NewTask(taskKind, d.mac, scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      txn := &Txn{
        id: uuid.New(),
        kind: kind,
        dev: d,
        startedAt: d.mgr.clock.Now(),
      }

      d.mu.Lock()
      d.activeTxn = txn
      d.mu.Unlock()

      switch kind {
      case TxnAuth:
        d.setStates(StateAuthenticating, 0, IntentIntentional)
      case TxnInit:
        d.setStates(StateInitializing, 0, IntentIntentional)
      case TxnOta:
        d.setStates(StatePerformingOta, 0, IntentIntentional)
        d.mgr.loop.SetRate(OtaAutoUpdateRate)

        if !d.mgr.cfg.AutoScanDuringOta {
          d.mgr.StopScan()
        }
      }

      fn(txn)

      // the start task only marks the boundary; the transaction lives on
      // through its bound operations.
      t.Succeed()
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())
    },
    CancellableBy: cancellableByPowerCycle,
  })

  t.Priority = scheduler.PriorityHigh
  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true
  t.RequiresConnection = true
  t.Implicit = kind == TxnAuth || kind == TxnInit

  d.mgr.enqueue(t)
}

// SetAuthTxn configures the authentication transaction run after every
// service discovery, before initialization.
func (d *Device) SetAuthTxn(fn TxnFunc) {
  d.mu.Lock()
  defer d.mu.Unlock()

  d.authTxn = fn
}

// SetInitTxn configures the initialization transaction gating INITIALIZED.
func (d *Device) SetInitTxn(fn TxnFunc) {
  d.mu.Lock()
  defer d.mu.Unlock()

  d.initTxn = fn
}

// PerformOta runs a firmware-transfer transaction. The device must be
// INITIALIZED; while the transaction runs the device is PERFORMING_OTA and
// the update loop ticks at the OTA rate.
func (d *Device) PerformOta(fn TxnFunc) Status {
  var out Status

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateInitialized) {
      out = StatusNotConnected
      return
    }

    d.mu.Lock()
    busy := d.activeTxn != nil
    d.mu.Unlock()

    if busy {
      out = StatusBusy
      return
    }

    d.startTxn(TxnOta, fn)
    out = StatusSuccess
  })

  return out
}

// PerformOtaWrites is the common case: a queue of payloads written in order
// to one target; any failure aborts the transfer.
func (d *Device) PerformOtaWrites(target stack.Target, writes [][]byte) Status {
  return d.PerformOta(func(t *Txn) {
    var next func(i int)

    next = func(i int) {
      if i == len(writes) {
        t.Succeed()
        return
      }

      t.Write(target, writes[i], func(e ReadWriteEvent) {
        if !e.Status.Ok() {
          t.Fail(StatusFailedToSetValueOnTarget)
          return
        }

        next(i + 1)
      })
    }

    next(0)
  })
}

// PerformUserTxn runs an application-defined transaction: its operations are
// bound together at elevated priority but gate no state bit.
func (d *Device) PerformUserTxn(fn TxnFunc) Status {
  var out Status

  d.mgr.runOnWorkerAndWait(func() {
    if !d.Is(StateBleConnected) {
      out = StatusNotConnected
      return
    }

    d.startTxn(TxnUser, fn)
    out = StatusSuccess
  })

  return out
}
