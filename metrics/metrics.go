// Package metrics exposes Prometheus instrumentation for the gattkit core.
// Registration is opt-in: call RegisterMetrics with your registry; without it
// the collectors still count but are never scraped.
package metrics

import (
  "github.com/prometheus/client_golang/prometheus"
)

var (
  tasksFinishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "gattkit_tasks_finished_total",
    Help: "Tasks by kind and terminal state.",
  }, []string{"kind", "outcome"})

  queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
    Name: "gattkit_task_queue_depth",
    Help: "Number of queued (not executing) tasks.",
  })

  successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "gattkit_ble_successful_connections_total",
  })
  failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "gattkit_ble_failed_connections_total",
  })
  disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "gattkit_ble_disconnections_total",
  })
  reconnectAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "gattkit_ble_reconnect_attempts_total",
    Help: "Reconnect attempts by phase (short_term, long_term).",
  }, []string{"phase"})
  crashResolverRunsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "gattkit_crash_resolver_runs_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    tasksFinishedCounter,
    queueDepthGauge,
    successfulConnectionsCounter,
    failedConnectionsCounter,
    disconnectsCounter,
    reconnectAttemptsCounter,
    crashResolverRunsCounter,
  )
}

func TaskFinished(kind, outcome string) {
  tasksFinishedCounter.WithLabelValues(kind, outcome).Inc()
}

func SetQueueDepth(n int) {
  queueDepthGauge.Set(float64(n))
}

func ConnectionSucceeded() {
  successfulConnectionsCounter.Inc()
}

func ConnectionFailed() {
  failedConnectionsCounter.Inc()
}

func Disconnected() {
  disconnectsCounter.Inc()
}

func ReconnectAttempt(phase string) {
  reconnectAttemptsCounter.WithLabelValues(phase).Inc()
}

func CrashResolverRun() {
  crashResolverRunsCounter.Inc()
}
