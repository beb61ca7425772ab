package central

import (
  "bytes"
  "time"

  "github.com/robertof/go-gattkit/scheduler"
  "github.com/robertof/go-gattkit/stack"
)

// poll is a recurring read on one characteristic. Change-tracking polls only
// pass a result to the poll's listener when the value differs from the last
// one delivered; the read/write listener stacks still receive every result.
type poll struct {
  target stack.Target
  interval time.Duration
  nextAt time.Time
  changeTracking bool
  listener ReadWriteListener
  lastDelivered []byte
  hasDelivered bool
}

// StartPoll reads the target every interval and delivers each result to the
// listener (plus the regular read/write listener stacks).
func (d *Device) StartPoll(target stack.Target, interval time.Duration,
    listener ReadWriteListener) {
  d.addPoll(target, interval, listener, false)
}

// StartChangeTrackingPoll is StartPoll, but results identical to the last
// delivered value are not passed to the listener.
func (d *Device) StartChangeTrackingPoll(target stack.Target, interval time.Duration,
    listener ReadWriteListener) {
  d.addPoll(target, interval, listener, true)
}

func (d *Device) addPoll(target stack.Target, interval time.Duration,
    listener ReadWriteListener, changeTracking bool) {
  d.mgr.runOnWorkerAndWait(func() {
    d.mu.Lock()
    defer d.mu.Unlock()

    d.polls = append(d.polls, &poll{
      target: target,
      interval: interval,
      nextAt: d.mgr.clock.Now(),
      changeTracking: changeTracking,
      listener: listener,
    })
  })
}

// StopPoll removes every poll registered for the target.
func (d *Device) StopPoll(target stack.Target) {
  d.mgr.runOnWorkerAndWait(func() {
    d.mu.Lock()
    defer d.mu.Unlock()

    kept := d.polls[:0]

    for _, p := range d.polls {
      if p.target.Key() != target.Key() {
        kept = append(kept, p)
      }
    }

    d.polls = kept
  })
}

func (d *Device) updatePolls(now time.Time) {
  if !d.Is(StateBleConnected) {
    return
  }

  d.mu.Lock()

  var due []*poll

  for _, p := range d.polls {
    if !now.Before(p.nextAt) {
      p.nextAt = now.Add(p.interval)
      due = append(due, p)
    }
  }

  d.mu.Unlock()

  for _, p := range due {
    p := p

    forward := func(e ReadWriteEvent) {
      if p.changeTracking && e.Status.Ok() {
        if p.hasDelivered && bytes.Equal(p.lastDelivered, e.Data) {
          return
        }

        p.hasDelivered = true
        p.lastDelivered = e.Data
      }

      if p.listener != nil {
        p.listener(e)
      }
    }

    task := d.newReadTask(p.target, OpRead, false, forward)
    task.Implicit = true
    // polls yield to everything, including user reads.
    task.Priority = scheduler.PriorityTrivial

    d.mgr.enqueue(task)
  }
}
