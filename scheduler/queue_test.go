package scheduler_test

import (
  "testing"
  "time"

  "github.com/robertof/go-gattkit/scheduler"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func newTestQueue(gate func(*scheduler.Task) bool) (*scheduler.Queue, *scheduler.Clock) {
  clock := scheduler.NewClock(time.Unix(1000, 0))

  return scheduler.NewQueue(clock, gate), clock
}

func advance(q *scheduler.Queue, clock *scheduler.Clock, dt time.Duration) {
  clock.Advance(dt)
  q.Advance(dt)
}

func TestQueuePriorityOrder(t *testing.T) {
  q, clock := newTestQueue(nil)

  var order []string

  mkTask := func(name string, prio scheduler.Priority) *scheduler.Task {
    var task *scheduler.Task

    task = scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{
      OnExecute: func(*scheduler.Task) {
        order = append(order, name)
        task.Succeed()
      },
    })

    task.Priority = prio

    return task
  }

  q.Enqueue(mkTask("low", scheduler.PriorityLow))
  q.Enqueue(mkTask("high", scheduler.PriorityHigh))
  q.Enqueue(mkTask("medium", scheduler.PriorityMedium))

  advance(q, clock, 50 * time.Millisecond)

  assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestQueueFifoWithinPriorityAndExplicitFirst(t *testing.T) {
  q, clock := newTestQueue(nil)

  var order []string

  mkTask := func(name string, implicit bool) *scheduler.Task {
    var task *scheduler.Task

    task = scheduler.NewTask(scheduler.KindWrite, "AA:BB:CC:00:00:01", scheduler.Hooks{
      OnExecute: func(*scheduler.Task) {
        order = append(order, name)
        task.Succeed()
      },
    })

    task.Priority = scheduler.PriorityMedium
    task.Implicit = implicit

    return task
  }

  q.Enqueue(mkTask("implicit-1", true))
  q.Enqueue(mkTask("explicit-1", false))
  q.Enqueue(mkTask("explicit-2", false))

  advance(q, clock, 50 * time.Millisecond)

  // explicit user requests rank above implicit ones; FIFO within each group.
  assert.Equal(t, []string{"explicit-1", "explicit-2", "implicit-1"}, order)
}

func TestQueueSingleExecutor(t *testing.T) {
  q, clock := newTestQueue(nil)

  executing := 0
  maxExecuting := 0

  mkTask := func() *scheduler.Task {
    var task *scheduler.Task
    ticks := 0

    task = scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{
      OnExecute: func(*scheduler.Task) {
        executing += 1

        if executing > maxExecuting {
          maxExecuting = executing
        }
      },
      OnUpdate: func(task *scheduler.Task, dt time.Duration) {
        ticks += 1

        if ticks >= 2 {
          executing -= 1
          task.Succeed()
        }
      },
    })

    return task
  }

  for i := 0; i < 4; i += 1 {
    q.Enqueue(mkTask())
  }

  for i := 0; i < 20; i += 1 {
    advance(q, clock, 50 * time.Millisecond)
  }

  assert.Equal(t, 1, maxExecuting)
  assert.Equal(t, 0, q.Len())
}

func TestQueuePreemptionInterruptsExecuting(t *testing.T) {
  q, clock := newTestQueue(nil)

  var events []string

  slow := scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      events = append(events, "slow-executing")
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      events = append(events, "slow-"+s.String())
    },
    InterruptibleBy: func(t, other *scheduler.Task) bool {
      return other.Kind == scheduler.KindDisconnect
    },
  })
  slow.Priority = scheduler.PriorityLow

  q.Enqueue(slow)
  advance(q, clock, 50 * time.Millisecond)

  require.Equal(t, scheduler.StateExecuting, slow.State())

  var disconnect *scheduler.Task

  disconnect = scheduler.NewTask(scheduler.KindDisconnect, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      events = append(events, "disconnect-executing")
      disconnect.Succeed()
    },
  })
  disconnect.Priority = scheduler.PriorityCritical

  q.Enqueue(disconnect)

  assert.Equal(t, scheduler.StateInterrupted, slow.State())

  advance(q, clock, 50 * time.Millisecond)

  assert.Equal(t, []string{
    "slow-executing",
    "slow-Interrupted",
    "disconnect-executing",
  }, events)
}

func TestQueueRequeueableInterruptResumesFirst(t *testing.T) {
  q, clock := newTestQueue(nil)

  var order []string

  scan := scheduler.NewTask(scheduler.KindScan, "", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      order = append(order, "scan")
    },
    InterruptibleBy: func(t, other *scheduler.Task) bool {
      return true
    },
    Requeueable: true,
  })
  scan.Priority = scheduler.PriorityTrivial

  q.Enqueue(scan)
  advance(q, clock, 50 * time.Millisecond)

  require.Equal(t, scheduler.StateExecuting, scan.State())

  var connect *scheduler.Task

  connect = scheduler.NewTask(scheduler.KindConnect, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      order = append(order, "connect")
      connect.Succeed()
    },
  })

  q.Enqueue(connect)

  // the scan went back to QUEUED, not to a terminal state.
  assert.Equal(t, scheduler.StateQueued, scan.State())

  advance(q, clock, 50 * time.Millisecond)
  advance(q, clock, 50 * time.Millisecond)

  assert.Equal(t, []string{"scan", "connect", "scan"}, order)
  assert.Equal(t, scheduler.StateExecuting, scan.State())
}

func TestQueueCancellationSweep(t *testing.T) {
  q, clock := newTestQueue(nil)

  sameDevice := scheduler.NewTask(scheduler.KindDisconnect, "AA:BB:CC:00:00:01", scheduler.Hooks{
    CancellableBy: func(t, other *scheduler.Task) bool {
      return other.Kind == scheduler.KindConnect
    },
  })

  otherDevice := scheduler.NewTask(scheduler.KindDisconnect, "AA:BB:CC:00:00:02", scheduler.Hooks{
    CancellableBy: func(t, other *scheduler.Task) bool {
      return other.Kind == scheduler.KindConnect
    },
  })

  q.Enqueue(sameDevice)
  q.Enqueue(otherDevice)

  connect := scheduler.NewTask(scheduler.KindConnect, "AA:BB:CC:00:00:01", scheduler.Hooks{})

  q.Enqueue(connect)

  // same device: soft cancel; different device: hard cancel.
  assert.Equal(t, scheduler.StateSoftlyCancelled, sameDevice.State())
  assert.Equal(t, scheduler.StateCancelled, otherDevice.State())

  _ = clock
}

func TestQueueTimeouts(t *testing.T) {
  q, clock := newTestQueue(nil)

  stuck := scheduler.NewTask(scheduler.KindConnect, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      // never resolves: the native stack swallowed the callback.
    },
  })
  stuck.Timeout = 12500 * time.Millisecond

  queued := scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{})
  queued.Timeout = 5 * time.Second

  q.Enqueue(stuck)
  q.Enqueue(queued)

  advance(q, clock, 50 * time.Millisecond)

  require.Equal(t, scheduler.StateExecuting, stuck.State())

  // the queued read expires first, without ever executing: the executing
  // connect keeps the slot.
  advance(q, clock, 6 * time.Second)

  assert.Equal(t, scheduler.StateTimedOut, queued.State())
  assert.Equal(t, scheduler.StateExecuting, stuck.State())

  // one more tick past the connect deadline resolves it too.
  advance(q, clock, 7 * time.Second)

  assert.Equal(t, scheduler.StateTimedOut, stuck.State())
}

func TestQueueGateSkipsWithoutRemoving(t *testing.T) {
  connected := false

  q, clock := newTestQueue(func(t *scheduler.Task) bool {
    return !t.RequiresConnection || connected
  })

  executed := false

  var read *scheduler.Task

  read = scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      executed = true
      read.Succeed()
    },
  })
  read.RequiresConnection = true

  q.Enqueue(read)

  advance(q, clock, 50 * time.Millisecond)
  advance(q, clock, 50 * time.Millisecond)

  assert.False(t, executed)
  assert.Equal(t, 1, q.Len())

  connected = true

  advance(q, clock, 50 * time.Millisecond)

  assert.True(t, executed)
}

func TestTaskTerminalIsExactlyOnce(t *testing.T) {
  terminals := 0

  var task *scheduler.Task

  task = scheduler.NewTask(scheduler.KindWrite, "AA:BB:CC:00:00:01", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      task.Succeed()
      task.Fail()
      task.TimeOut()
      task.Cancel(false)
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      terminals += 1
    },
  })

  q, clock := newTestQueue(nil)

  q.Enqueue(task)
  advance(q, clock, 50 * time.Millisecond)

  assert.Equal(t, 1, terminals)
  assert.Equal(t, scheduler.StateSucceeded, task.State())
}

func TestQueueFind(t *testing.T) {
  q, clock := newTestQueue(nil)

  read := scheduler.NewTask(scheduler.KindRead, "AA:BB:CC:00:00:01", scheduler.Hooks{})

  q.Enqueue(read)

  found := q.Find(func(t *scheduler.Task) bool {
    return t.Kind == scheduler.KindRead
  })

  assert.Same(t, read, found)

  assert.Nil(t, q.Find(func(t *scheduler.Task) bool {
    return t.Kind == scheduler.KindScan
  }))

  _ = clock
}
