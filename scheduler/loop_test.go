package scheduler_test

import (
  "sync"
  "testing"
  "time"

  "github.com/robertof/go-gattkit/scheduler"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestLoopStepDrainsMailboxBeforeTick(t *testing.T) {
  var order []string

  loop := scheduler.NewLoop(0, func(dt time.Duration) {
    order = append(order, "tick")
  })

  loop.Post(func() {
    order = append(order, "posted-1")
  })
  loop.Post(func() {
    order = append(order, "posted-2")
  })

  loop.Step(50 * time.Millisecond)

  assert.Equal(t, []string{"posted-1", "posted-2", "tick"}, order)
}

func TestLoopRunOrPostInlineOnWorker(t *testing.T) {
  ran := false

  var loop *scheduler.Loop

  loop = scheduler.NewLoop(0, func(dt time.Duration) {
    // from inside the tick we are on the worker: RunOrPost must not defer.
    loop.RunOrPost(func() {
      ran = true
    })
  })

  loop.Step(time.Millisecond)

  assert.True(t, ran)
}

func TestLoopRunOrPostDefersOffWorker(t *testing.T) {
  ran := false

  loop := scheduler.NewLoop(0, func(dt time.Duration) {})

  loop.RunOrPost(func() {
    ran = true
  })

  assert.False(t, ran)

  loop.Step(time.Millisecond)

  assert.True(t, ran)
}

func TestLoopAutoTicking(t *testing.T) {
  var mu sync.Mutex
  ticks := 0

  loop := scheduler.NewLoop(5 * time.Millisecond, func(dt time.Duration) {
    mu.Lock()
    ticks += 1
    mu.Unlock()
  })

  loop.Start()
  defer loop.Stop()

  require.Eventually(t, func() bool {
    mu.Lock()
    defer mu.Unlock()

    return ticks >= 3
  }, time.Second, time.Millisecond)
}

func TestLoopPostedWorkRunsFromWorkerGoroutine(t *testing.T) {
  loop := scheduler.NewLoop(time.Hour, func(dt time.Duration) {})

  loop.Start()
  defer loop.Stop()

  done := make(chan bool, 1)

  loop.Post(func() {
    done <- loop.OnWorker()
  })

  select {
  case onWorker := <-done:
    assert.True(t, onWorker)
  case <-time.After(time.Second):
    t.Fatal("posted work never ran")
  }
}
