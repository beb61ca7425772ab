package central

import (
  "time"

  "github.com/robertof/go-gattkit/metrics"
  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
  "github.com/rs/zerolog/log"
)

// The crash resolver is the watchdog for a wedged native stack: a CRITICAL
// task that forces a flush through the adapter and waits for the recovery to
// settle. If a recovery is already in progress when the task executes it
// bails out with a failure instead of spinning - a stuck recovery almost
// never unsticks, and letting the task idle until its timeout buys nothing.

func (m *Manager) newCrashResolverTask(partOfReset bool) *scheduler.Task {
  started := false

  var t *scheduler.Task

  t = scheduler.NewTask(scheduler.KindCrashResolver, "", scheduler.Hooks{
    OnExecute: func(*scheduler.Task) {
      if m.crashRecoveryInProgress {
        log.Error().Msg("central: crash resolver recovery already in progress!")

        t.Fail()
        return
      }

      metrics.CrashResolverRun()

      m.crashRecoveryInProgress = true
      started = true

      m.adapter.ForceCrashResolverFlush()
    },
    OnUpdate: func(t *scheduler.Task, dt time.Duration) {
      // completion is observed by polling: the resolver-complete event clears
      // the flag on the update worker.
      if started && !m.crashRecoveryInProgress {
        t.Succeed()
      }
    },
    OnStackEvent: func(t *scheduler.Task, e stack.Event) {
      if e.Kind == stack.EvtCrashResolved {
        m.crashRecoveryInProgress = false
      }
    },
    OnTerminal: func(t *scheduler.Task, s scheduler.State) {
      metrics.TaskFinished(t.Kind.String(), s.String())

      if started {
        m.crashRecoveryInProgress = false
      }
    },
    CancellableBy: func(t, other *scheduler.Task) bool {
      if other.Kind != scheduler.KindTurnBleOff {
        return false
      }

      // an implicit BLE-off may sweep a standalone resolver run, but never
      // one that is part of an explicit reset sequence.
      return other.Implicit && !partOfReset
    },
  })

  t.Priority = scheduler.PriorityCritical
  t.Timeout = m.cfg.TaskTimeout
  t.RequiresBleOn = true
  // a reset's resolver ranks as explicit so it runs ahead of the reset's own
  // (explicit, equally CRITICAL) BLE-off.
  t.Implicit = !partOfReset

  return t
}

// ResolveCrashes schedules a crash-resolver flush of the native stack.
func (m *Manager) ResolveCrashes() {
  m.runOnWorkerAndWait(func() {
    m.enqueue(m.newCrashResolverTask(false))
  })
}
