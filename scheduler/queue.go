package scheduler

import (
  "time"

  "github.com/rs/zerolog/log"
)

// Queue is the single global task queue: at most one task is EXECUTING at any
// time, selection is priority-then-FIFO, and enqueueing applies the
// cancellation and preemption relations between task kinds.
//
// Not safe for concurrent use; owned by the update worker.
type Queue struct {
  clock *Clock
  // gate reports whether a task's preconditions (BLE on, device connected)
  // currently hold. Ungated tasks are skipped, not removed.
  gate func(t *Task) bool

  pending []*Task
  executing *Task

  nextId uint64
  nextSeq uint64
}

func NewQueue(clock *Clock, gate func(t *Task) bool) *Queue {
  if gate == nil {
    gate = func(*Task) bool { return true }
  }

  return &Queue{
    clock: clock,
    gate: gate,
  }
}

func (q *Queue) Len() int {
  return len(q.pending)
}

func (q *Queue) Executing() *Task {
  return q.executing
}

// Enqueue admits a task: first the cancellation sweep (every queued task is
// asked whether the newcomer cancels it), then the preemption check against
// the executing task, then insertion.
func (q *Queue) Enqueue(t *Task) {
  q.nextId += 1
  q.nextSeq += 1

  t.id = q.nextId
  t.seq = q.nextSeq
  t.state = StateQueued
  t.enqueuedAt = q.clock.Now()

  q.sweepCancelled(t)

  log.Trace().
    Stringer("Task", t).
    Int("QueueDepth", len(q.pending)).
    Msg("scheduler: task enqueued")

  if exec := q.executing; exec != nil &&
      t.Priority > exec.Priority && exec.interruptibleBy(t) {
    log.Debug().
      Stringer("Interrupted", exec).
      Stringer("By", t).
      Msg("scheduler: preempting executing task")

    exec.Interrupt()

    if exec.state == StateQueued {
      // requeued at its original ordering: it stays at the head of its band.
      q.pending = append(q.pending, exec)
    }

    q.executing = nil
  }

  q.pending = append(q.pending, t)
}

func (q *Queue) sweepCancelled(newcomer *Task) {
  kept := q.pending[:0]

  for _, p := range q.pending {
    if p.cancellableBy(newcomer) {
      soft := p.Mac != "" && p.Mac == newcomer.Mac

      log.Trace().
        Stringer("Cancelled", p).
        Stringer("By", newcomer).
        Bool("Soft", soft).
        Msg("scheduler: cancelling queued task")

      p.Cancel(soft)
      continue
    }

    kept = append(kept, p)
  }

  q.pending = kept
}

// CancelWhere cancels every pending task matching pred, and the executing task
// too if it matches. Used by disconnect and BLE-off paths.
func (q *Queue) CancelWhere(pred func(t *Task) bool, soft bool) {
  kept := q.pending[:0]

  for _, p := range q.pending {
    if pred(p) {
      p.Cancel(soft)
      continue
    }

    kept = append(kept, p)
  }

  q.pending = kept

  if q.executing != nil && pred(q.executing) {
    q.executing.Cancel(soft)
    q.executing = nil
  }
}

// Find returns the first pending or executing task matching pred.
func (q *Queue) Find(pred func(t *Task) bool) *Task {
  if q.executing != nil && pred(q.executing) {
    return q.executing
  }

  for _, p := range q.pending {
    if pred(p) {
      return p
    }
  }

  return nil
}

// Advance runs one scheduling round: expire deadlines, release a finished
// executor slot, promote the next eligible head, and tick the executing task.
func (q *Queue) Advance(dt time.Duration) {
  now := q.clock.Now()

  q.expire(now)

  if q.executing != nil && q.executing.state.Terminal() {
    q.executing = nil
  }

  // a task resolving synchronously inside execute() frees the slot again, so
  // keep promoting until someone sticks or nothing is eligible.
  for q.executing == nil {
    next := q.pickLocked(now)

    if next == nil {
      break
    }

    next.state = StateArmed
    next.startedAt = now
    q.executing = next

    log.Trace().Stringer("Task", next).Msg("scheduler: task executing")

    next.execute()

    if next.state.Terminal() {
      q.executing = nil
    }
  }

  if q.executing != nil {
    q.executing.update(dt)

    if q.executing != nil && q.executing.state.Terminal() {
      q.executing = nil
    }
  }
}

func (q *Queue) expire(now time.Time) {
  kept := q.pending[:0]

  for _, p := range q.pending {
    if p.Timeout > 0 && now.Sub(p.enqueuedAt) >= p.Timeout {
      log.Debug().Stringer("Task", p).Msg("scheduler: queued task timed out")
      p.TimeOut()
      continue
    }

    kept = append(kept, p)
  }

  q.pending = kept

  if exec := q.executing; exec != nil &&
      exec.Timeout > 0 && now.Sub(exec.startedAt) >= exec.Timeout {
    log.Debug().Stringer("Task", exec).Msg("scheduler: executing task timed out")

    exec.TimeOut()
    q.executing = nil
  }
}

// pickLocked removes and returns the highest-ranked eligible pending task:
// priority descending, explicit before implicit, enqueue sequence ascending.
func (q *Queue) pickLocked(now time.Time) *Task {
  best := -1

  for i, p := range q.pending {
    if !q.gate(p) {
      continue
    }

    if best == -1 || ranksAbove(p, q.pending[best]) {
      best = i
    }
  }

  if best == -1 {
    return nil
  }

  t := q.pending[best]
  q.pending = append(q.pending[:best], q.pending[best+1:]...)

  return t
}

func ranksAbove(a, b *Task) bool {
  if a.Priority != b.Priority {
    return a.Priority > b.Priority
  }

  if a.Implicit != b.Implicit {
    return !a.Implicit
  }

  return a.seq < b.seq
}
