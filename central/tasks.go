package central

import (
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
)

// Connection-flow tasks: Connect, DiscoverServices, Disconnect. These drive
// the device state machine through their terminal hooks.

func (d *Device) newConnectTask(autoConnect, implicit bool) *scheduler.Task {
  var t *scheduler.Task

  t = scheduler.NewTask(scheduler.KindConnect, d.mac, scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      if d.Is(StateBleConnected) {
        t.Redundant()
        return
      }

      d.mgr.adapter.Connect(d.mac, autoConnect)
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Mac != d.mac {
        return
      }

      switch e.Kind {
      case stack.EvtConnected:
        t.Succeed()
      case stack.EvtConnectFailed:
        if e.Status == stack.GattError133 && t.RetryBudget > 0 {
          t.RetryBudget -= 1

          log.Debug().
            Stringer("Device", d).
            Msg("central: spurious connect failure, retrying once")

          d.mgr.adapter.Connect(d.mac, autoConnect)
          return
        }

        t.Fail()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())

      switch s {
      case scheduler.StateSucceeded:
        d.onBleConnected()
      case scheduler.StateRedundant:
        // already connected; nothing to drive.
      case scheduler.StateTimedOut:
        d.onConnectTimeout(autoConnect)
      case scheduler.StateFailed:
        d.failConnectAttempt(StatusRemoteGattFailure)
      case scheduler.StateCancelled, scheduler.StateSoftlyCancelled,
          scheduler.StateInterrupted:
        // teardown paths transition the state machine themselves.
      }
    },
    CancellableBy: func(t, other *scheduler.Task) bool {
      if other.Kind == scheduler.KindTurnBleOff {
        return true
      }

      return other.Kind == scheduler.KindDisconnect && other.Mac == t.Mac
    },
    InterruptibleBy: interruptibleByTeardown,
    Requeueable: true,
  })

  t.Priority = scheduler.PriorityMedium
  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true
  t.Implicit = implicit
  t.RetryBudget = 1

  return t
}

// onConnectTimeout implements the one-shot heuristic: when the stack never
// answers, flip the auto-connect flag and retry immediately before charging
// the failure to the reconnect controller.
func (d *Device) onConnectTimeout(autoConnectUsed bool) {
  d.mu.Lock()
  retry := !d.recon.immediateRetryUsed

  if retry {
    d.recon.immediateRetryUsed = true
    d.recon.autoConnect = !autoConnectUsed
  }
  d.mu.Unlock()

  if retry {
    log.Debug().
      Stringer("Device", d).
      Bool("AutoConnect", !autoConnectUsed).
      Msg("central: connect timed out, retrying once with flipped auto-connect")

    d.mgr.enqueue(d.newConnectTask(!autoConnectUsed, true))
    return
  }

  d.failConnectAttempt(StatusTimedOut)
}

func (d *Device) newDiscoverServicesTask() *scheduler.Task {
  var services []stack.Service

  t := scheduler.NewTask(scheduler.KindDiscoverServices, d.mac, scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      d.mgr.adapter.DiscoverServices(d.mac)
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind != stack.EvtServicesDiscovered || e.Mac != d.mac {
        return
      }

      if !e.Status.Ok() {
        t.Fail()
        return
      }

      services = e.Services
      t.Succeed()
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())

      switch s {
      case scheduler.StateSucceeded:
        d.onServicesDiscovered(services)
      case scheduler.StateFailed:
        d.failConnectAttempt(StatusDiscoveringResourcesFailed)
      case scheduler.StateTimedOut:
        d.failConnectAttempt(StatusTimedOut)
      }
    },
    CancellableBy: func(t, other *scheduler.Task) bool {
      if other.Kind == scheduler.KindTurnBleOff {
        return true
      }

      return other.Kind == scheduler.KindDisconnect && other.Mac == t.Mac
    },
    InterruptibleBy: interruptibleByTeardown,
    Requeueable: true,
  })

  t.Priority = scheduler.PriorityMedium
  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true
  t.RequiresConnection = true
  t.Implicit = true

  return t
}

func (d *Device) newDisconnectTask() *scheduler.Task {
  t := scheduler.NewTask(scheduler.KindDisconnect, d.mac, scheduler.Hooks{
    OnExecute: func(t *scheduler.Task) {
      // everything still pending for this device dies now; in-flight stack
      // operations are left to resolve but their results are ignored.
      d.mgr.cancelDeviceTasks(d.mac, t, StatusCancelledFromDisconnect)

      if !d.IsAny(StateBleConnected | StateBleConnecting) {
        t.Redundant()
        return
      }

      d.mgr.adapter.Disconnect(d.mac)
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind == stack.EvtDisconnected && e.Mac == d.mac {
        // the manager routes the same event to Device.onDisconnected, which
        // owns the state transition.
        t.Succeed()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())

      if s == scheduler.StateRedundant {
        d.mu.Lock()
        d.expectingDisconnect = false
        d.mu.Unlock()
      }
    },
    CancellableBy: func(t, other *scheduler.Task) bool {
      // a fresh connect supersedes a queued disconnect for the same device.
      return other.Kind == scheduler.KindConnect && other.Mac == t.Mac
    },
  })

  t.Priority = scheduler.PriorityCritical
  t.Timeout = d.taskTimeout()

  return t
}
