package central

import (
  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
)

// newBondTask creates or removes a persistent pairing. Explicit bonds run at
// the dedicated top priority so nothing reorders in front of a user-visible
// pairing dialog; the redundant flavour resolves without touching the stack.
func (d *Device) newBondTask(bond, redundant bool) *scheduler.Task {
  kind := scheduler.KindBond

  if !bond {
    kind = scheduler.KindUnbond
  }

  var t *scheduler.Task

  t = scheduler.NewTask(kind, d.mac, scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      if redundant {
        t.Redundant()
        return
      }

      if bond {
        d.setStates(StateBonding, StateUnbonded, IntentIntentional)
        d.mgr.adapter.CreateBond(d.mac)
      } else {
        d.mgr.adapter.RemoveBond(d.mac)
      }
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind != stack.EvtBondState || e.Mac != d.mac {
        return
      }

      if bond {
        switch e.Bond {
        case stack.Bonded:
          t.Succeed()
        case stack.BondNone:
          t.Fail()
        }

        return
      }

      if e.Bond == stack.BondNone {
        t.Succeed()
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())

      switch s {
      case scheduler.StateSucceeded:
        if bond {
          d.mu.Lock()
          d.bondState = stack.Bonded
          d.mu.Unlock()

          d.setStates(StateBonded, StateBonding | StateUnbonded, IntentIntentional)
          d.mgr.emitBond(BondEvent{Device: d, State: stack.Bonded, Status: StatusSuccess})
        } else {
          d.mu.Lock()
          d.bondState = stack.BondNone
          d.mu.Unlock()

          d.setStates(StateUnbonded, StateBonded | StateBonding, IntentIntentional)
          d.mgr.emitBond(BondEvent{Device: d, State: stack.BondNone, Status: StatusSuccess})
        }
      case scheduler.StateRedundant:
        // already in the requested bond state; nothing to report beyond the
        // synchronous event the façade handed back.
      case scheduler.StateFailed, scheduler.StateTimedOut:
        status := StatusBondFailed

        if s == scheduler.StateTimedOut {
          status = StatusTimedOut
        }

        d.mu.Lock()
        d.recon.bondFailure = StatusBondFailed
        d.mu.Unlock()

        d.setStates(0, StateBonding, IntentIntentional)
        d.mgr.emitBond(BondEvent{Device: d, State: d.BondState(), Status: status})

        if t.Implicit {
          // bonding was part of a connect attempt.
          d.failConnectAttempt(StatusBondFailed)
        }
      }
    },
    CancellableBy: cancellableByPowerCycle,
  })

  if bond {
    t.Priority = scheduler.PriorityForExplicitBondingOnly
  } else {
    t.Priority = scheduler.PriorityHigh
  }

  t.Timeout = d.taskTimeout()
  t.RequiresBleOn = true

  return t
}
