package scheduler

import (
  "bytes"
  "runtime"
  "strconv"
  "sync"
  "sync/atomic"
  "time"

  "github.com/rs/zerolog/log"
)

// Loop drives the scheduler: a single worker goroutine ticks at a fixed rate,
// drains the mailbox of posted callbacks, then invokes the tick function.
// All non-trivial mutation of manager/device/task state must happen either on
// the worker or through RunOrPost.
//
// When started with rate 0 the loop never spawns a worker; the owner drives
// it with Step (manual update mode).
type Loop struct {
  tick func(dt time.Duration)

  mu sync.Mutex
  mailbox []func()

  rate atomic.Int64 // nanoseconds; 0 = manual
  workerId atomic.Int64
  wake chan struct{}
  stop chan struct{}
  done chan struct{}
  started bool
}

func NewLoop(rate time.Duration, tick func(dt time.Duration)) *Loop {
  l := &Loop{
    tick: tick,
    wake: make(chan struct{}, 1),
    stop: make(chan struct{}),
    done: make(chan struct{}),
  }

  l.rate.Store(int64(rate))

  return l
}

// Start spawns the worker goroutine. A no-op in manual mode (rate 0) and on
// repeated calls.
func (l *Loop) Start() {
  l.mu.Lock()
  defer l.mu.Unlock()

  if l.started || l.rate.Load() == 0 {
    return
  }

  l.started = true

  go l.run()
}

// Stop terminates the worker and waits for it to exit.
func (l *Loop) Stop() {
  l.mu.Lock()

  if !l.started {
    l.mu.Unlock()
    return
  }

  l.started = false
  l.mu.Unlock()

  close(l.stop)
  <-l.done
}

// SetRate changes the tick interval for subsequent ticks. Used to switch to
// the high-frequency OTA tick without restarting the worker.
func (l *Loop) SetRate(rate time.Duration) {
  l.rate.Store(int64(rate))
}

// OnWorker reports whether the caller is running on the update worker.
func (l *Loop) OnWorker() bool {
  return l.workerId.Load() == goid()
}

// Post enqueues fn for the next tick. Safe to call from any thread.
func (l *Loop) Post(fn func()) {
  l.mu.Lock()
  l.mailbox = append(l.mailbox, fn)
  l.mu.Unlock()

  select {
  case l.wake <- struct{}{}:
  default:
  }
}

// RunOrPost executes fn inline when already on the update worker, otherwise
// enqueues it for the next tick.
func (l *Loop) RunOrPost(fn func()) {
  if l.OnWorker() {
    fn()
    return
  }

  l.Post(fn)
}

// Step performs a single tick on the calling goroutine: drain the mailbox,
// then run the tick function with the supplied dt. Only valid in manual mode
// or from the worker itself.
func (l *Loop) Step(dt time.Duration) {
  prev := l.workerId.Swap(goid())
  defer l.workerId.Store(prev)

  l.drain()
  l.tick(dt)
}

func (l *Loop) drain() {
  for {
    l.mu.Lock()
    pending := l.mailbox
    l.mailbox = nil
    l.mu.Unlock()

    if len(pending) == 0 {
      return
    }

    for _, fn := range pending {
      fn()
    }
  }
}

func (l *Loop) run() {
  defer close(l.done)

  log.Debug().
    Dur("Rate", time.Duration(l.rate.Load())).
    Msg("scheduler: update loop started")

  last := time.Now()

  for {
    timer := time.NewTimer(time.Duration(l.rate.Load()))

    select {
    case <-l.stop:
      timer.Stop()
      log.Debug().Msg("scheduler: update loop stopped")
      return
    case <-l.wake:
      // posted work arrived between ticks; run it right away so stack
      // callbacks are not delayed by a full tick interval.
      timer.Stop()

      l.workerId.Store(goid())
      l.drain()
      l.workerId.Store(0)
    case <-timer.C:
      now := time.Now()
      dt := now.Sub(last)
      last = now

      l.Step(dt)
    }
  }
}

// goid extracts the current goroutine id from the runtime stack header. The
// scheduler only compares it for equality to detect re-entrant calls from the
// update worker.
func goid() int64 {
  var buf [64]byte

  n := runtime.Stack(buf[:], false)
  fields := bytes.Fields(buf[:n])

  if len(fields) < 2 {
    return -1
  }

  id, err := strconv.ParseInt(string(fields[1]), 10, 64)

  if err != nil {
    return -1
  }

  return id
}
