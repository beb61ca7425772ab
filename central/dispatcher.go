package central

// Dispatcher decides which thread application callbacks run on. The default
// invokes them inline on the update worker; an executor-backed dispatcher
// posts them to whatever runloop the application provides (the analogue of
// main-thread posting). OTA configurations use the inline dispatcher to cut
// down on hand-offs.
type Dispatcher interface {
  Dispatch(fn func())
}

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) {
  fn()
}

type executorDispatcher struct {
  exec func(fn func())
}

func (d executorDispatcher) Dispatch(fn func()) {
  d.exec(fn)
}

func newDispatcher(cfg *ManagerConfig) Dispatcher {
  if cfg.PostCallbacksToExecutor && cfg.CallbackExecutor != nil {
    return executorDispatcher{exec: cfg.CallbackExecutor}
  }

  return inlineDispatcher{}
}
