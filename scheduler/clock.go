// Package scheduler implements the serialised task engine at the heart of
// gattkit: a single-worker update loop, a prioritised task queue with
// preemption and cancellation relations, and the Task unit of work.
package scheduler

import "time"

// Clock is the monotonic time source every deadline in the scheduler is
// measured against. It only moves when the update worker advances it, which
// makes timeout behaviour fully deterministic under manual ticking.
//
// Not safe for concurrent use; owned by the update worker.
type Clock struct {
  now time.Time
}

func NewClock(start time.Time) *Clock {
  return &Clock{now: start}
}

func (c *Clock) Advance(dt time.Duration) {
  c.now = c.now.Add(dt)
}

func (c *Clock) Now() time.Time {
  return c.now
}
