package scheduler

import (
  "fmt"
  "time"

  "github.com/google/uuid"
  "github.com/robertof/go-gattkit/stack"
)

type Priority uint8

const (
  PriorityTrivial Priority = iota
  PriorityLow
  PriorityMedium
  PriorityHigh
  PriorityCritical
  PriorityForExplicitBondingOnly
)

func (p Priority) String() string {
  switch p {
  case PriorityTrivial:
    return "Trivial"
  case PriorityLow:
    return "Low"
  case PriorityMedium:
    return "Medium"
  case PriorityHigh:
    return "High"
  case PriorityCritical:
    return "Critical"
  case PriorityForExplicitBondingOnly:
    return "ForExplicitBondingOnly"
  default:
    return fmt.Sprintf("Priority(%d)", p)
  }
}

type Kind uint8

const (
  KindTurnBleOn Kind = iota
  KindTurnBleOff
  KindScan
  KindConnect
  KindDisconnect
  KindDiscoverServices
  KindBond
  KindUnbond
  KindRead
  KindWrite
  KindNotify
  KindReadDescriptor
  KindWriteDescriptor
  KindReadRssi
  KindSetMtu
  KindSetConnectionPriority
  KindSetPhy
  KindReadPhy
  KindReliableWriteBegin
  KindReliableWriteExecute
  KindReliableWriteAbort
  KindCrashResolver
  KindTxnAuth
  KindTxnInit
  KindTxnOta
  KindUserTxn
)

var kindNames = map[Kind]string{
  KindTurnBleOn: "TurnBleOn",
  KindTurnBleOff: "TurnBleOff",
  KindScan: "Scan",
  KindConnect: "Connect",
  KindDisconnect: "Disconnect",
  KindDiscoverServices: "DiscoverServices",
  KindBond: "Bond",
  KindUnbond: "Unbond",
  KindRead: "Read",
  KindWrite: "Write",
  KindNotify: "Notify",
  KindReadDescriptor: "ReadDescriptor",
  KindWriteDescriptor: "WriteDescriptor",
  KindReadRssi: "ReadRssi",
  KindSetMtu: "SetMtu",
  KindSetConnectionPriority: "SetConnectionPriority",
  KindSetPhy: "SetPhy",
  KindReadPhy: "ReadPhy",
  KindReliableWriteBegin: "ReliableWriteBegin",
  KindReliableWriteExecute: "ReliableWriteExecute",
  KindReliableWriteAbort: "ReliableWriteAbort",
  KindCrashResolver: "CrashResolver",
  KindTxnAuth: "TxnAuth",
  KindTxnInit: "TxnInit",
  KindTxnOta: "TxnOta",
  KindUserTxn: "UserTxn",
}

func (k Kind) String() string {
  if name, ok := kindNames[k]; ok {
    return name
  }

  return fmt.Sprintf("Kind(%d)", k)
}

type State uint8

const (
  StateQueued State = iota
  StateArmed
  StateExecuting
  StateSucceeded
  StateFailed
  StateTimedOut
  StateCancelled
  StateSoftlyCancelled
  StateNoOp
  StateRedundant
  StateInterrupted
)

func (s State) String() string {
  switch s {
  case StateQueued:
    return "Queued"
  case StateArmed:
    return "Armed"
  case StateExecuting:
    return "Executing"
  case StateSucceeded:
    return "Succeeded"
  case StateFailed:
    return "Failed"
  case StateTimedOut:
    return "TimedOut"
  case StateCancelled:
    return "Cancelled"
  case StateSoftlyCancelled:
    return "SoftlyCancelled"
  case StateNoOp:
    return "NoOp"
  case StateRedundant:
    return "Redundant"
  case StateInterrupted:
    return "Interrupted"
  default:
    return fmt.Sprintf("State(%d)", s)
  }
}

func (s State) Terminal() bool {
  return s >= StateSucceeded
}

// Hooks is the per-kind behaviour of a Task. Only OnExecute is mandatory.
type Hooks struct {
  // OnExecute is called exactly once when the task becomes EXECUTING and is
  // expected to issue the native stack call (or resolve the task inline).
  OnExecute func(t *Task)

  // OnUpdate is called every tick while the task is EXECUTING.
  OnUpdate func(t *Task, dt time.Duration)

  // OnStackEvent receives native events routed to the executing task.
  OnStackEvent func(t *Task, e stack.Event)

  // OnTerminal is called exactly once when the task reaches a terminal state.
  OnTerminal func(t *Task, s State)

  // CancellableBy decides whether an incoming enqueue removes this task from
  // the queue. nil means never.
  CancellableBy func(t, other *Task) bool

  // InterruptibleBy decides whether a higher-priority enqueue may interrupt
  // this task while it is EXECUTING. nil means never.
  InterruptibleBy func(t, other *Task) bool

  // Requeueable tasks go back to the head of their priority band when
  // interrupted instead of terminating.
  Requeueable bool
}

// Task is the unit of work the queue serialises: one native interaction (or
// one composite transaction step) with a priority, a deadline and a retry
// budget. Tasks are created by the central package's constructors and die on
// their single terminal transition.
type Task struct {
  Kind Kind
  Mac stack.Mac
  Priority Priority
  Timeout time.Duration
  RequiresBleOn bool
  RequiresConnection bool
  // Implicit marks internally generated work; explicit user requests order
  // ahead of implicit ones within the same priority band.
  Implicit bool
  RetryBudget int
  TxnId uuid.UUID
  Payload any

  hooks Hooks

  id uint64
  seq uint64
  state State
  enqueuedAt time.Time
  startedAt time.Time
  interrupts int
}

func NewTask(kind Kind, mac stack.Mac, hooks Hooks) *Task {
  return &Task{
    Kind: kind,
    Mac: mac,
    Priority: PriorityMedium,
    hooks: hooks,
  }
}

func (t *Task) Id() uint64 {
  return t.id
}

func (t *Task) State() State {
  return t.state
}

// StartedAt returns the instant the task became EXECUTING (zero if never).
func (t *Task) StartedAt() time.Time {
  return t.startedAt
}

func (t *Task) EnqueuedAt() time.Time {
  return t.enqueuedAt
}

func (t *Task) InTxn() bool {
  return t.TxnId != uuid.Nil
}

func (t *Task) String() string {
  return fmt.Sprintf("task[%d %v mac=%v prio=%v state=%v]",
    t.id, t.Kind, t.Mac, t.Priority, t.state)
}

// Terminal transitions. All idempotent: the first one wins, later calls are
// ignored. Exactly one OnTerminal invocation happens per task.

func (t *Task) Succeed() { t.terminal(StateSucceeded) }
func (t *Task) Fail() { t.terminal(StateFailed) }
func (t *Task) TimeOut() { t.terminal(StateTimedOut) }
func (t *Task) NoOp() { t.terminal(StateNoOp) }
func (t *Task) Redundant() { t.terminal(StateRedundant) }

func (t *Task) Cancel(soft bool) {
  if soft {
    t.terminal(StateSoftlyCancelled)
  } else {
    t.terminal(StateCancelled)
  }
}

// Interrupt stops an EXECUTING task. Requeueable tasks return to QUEUED with
// their original ordering (so they resume at the head of their band); others
// terminate as INTERRUPTED.
func (t *Task) Interrupt() {
  if t.state != StateExecuting {
    return
  }

  if t.hooks.Requeueable {
    t.state = StateQueued
    t.interrupts += 1
    return
  }

  t.terminal(StateInterrupted)
}

func (t *Task) terminal(s State) {
  if t.state.Terminal() {
    return
  }

  t.state = s

  if t.hooks.OnTerminal != nil {
    t.hooks.OnTerminal(t, s)
  }
}

func (t *Task) execute() {
  t.state = StateExecuting

  if t.hooks.OnExecute != nil {
    t.hooks.OnExecute(t)
  }
}

func (t *Task) update(dt time.Duration) {
  if t.state == StateExecuting && t.hooks.OnUpdate != nil {
    t.hooks.OnUpdate(t, dt)
  }
}

// DeliverStackEvent feeds a native event to the task's hook. Events arriving
// after the terminal transition are dropped.
func (t *Task) DeliverStackEvent(e stack.Event) {
  if t.state.Terminal() || t.hooks.OnStackEvent == nil {
    return
  }

  t.hooks.OnStackEvent(t, e)
}

func (t *Task) cancellableBy(other *Task) bool {
  return t.hooks.CancellableBy != nil && t.hooks.CancellableBy(t, other)
}

func (t *Task) interruptibleBy(other *Task) bool {
  return t.hooks.InterruptibleBy != nil && t.hooks.InterruptibleBy(t, other)
}
