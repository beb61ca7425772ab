package central

import (
  "time"

  "github.com/rs/zerolog/log"
)

// The reconnect controller decides what happens after a connect attempt (or a
// live connection) fails: retry immediately with the alternate auto-connect
// flag, retry after a filter-chosen delay, or give up. Short-term reconnects
// are silent and fast; long-term reconnects back off and surface exactly one
// terminal ConnectFailEvent when the whole window expires.

type reconnectPhase uint8

const (
  reconnectIdle reconnectPhase = iota
  reconnectShortTerm
  reconnectLongTerm
)

func (p reconnectPhase) String() string {
  switch p {
  case reconnectShortTerm:
    return "ShortTerm"
  case reconnectLongTerm:
    return "LongTerm"
  default:
    return "Idle"
  }
}

const (
  longTermBackoffBase = time.Second
  longTermBackoffCap = 30 * time.Second
)

type reconnectState struct {
  phase reconnectPhase

  // attempts within the whole reconnect episode; subFailures counts failed
  // sub-steps (discovery, bond, auth, init) inside the current attempt.
  attempts int
  subFailures int

  windowStart time.Time
  nextAttemptAt time.Time

  autoConnect bool
  // one free immediate retry with the flipped auto-connect flag per attempt,
  // consumed when the native connect call times out.
  immediateRetryUsed bool

  highestState DeviceState
  lastFailure Status
  bondFailure Status
  txnFailure Status
}

func (r *reconnectState) reset() {
  *r = reconnectState{}
}

func (r *reconnectState) beginAttempt(now time.Time) {
  r.attempts += 1
  r.subFailures = 0
  r.immediateRetryUsed = false
}

// noteState records the furthest state an attempt reached, for diagnostics on
// the terminal failure event.
func (r *reconnectState) noteState(s DeviceState) {
  r.highestState |= s
}

// shortTermDelay is the short-term filter: retry on the next tick for the
// first few attempts, then pace slightly.
func (r *reconnectState) shortTermDelay() time.Duration {
  if r.attempts <= 2 {
    return 0
  }

  return 250 * time.Millisecond
}

// longTermDelay is attempt-indexed exponential backoff, capped.
func (r *reconnectState) longTermDelay() time.Duration {
  shift := r.attempts

  if shift > 10 {
    shift = 10
  }

  delay := longTermBackoffBase << shift

  if delay > longTermBackoffCap {
    delay = longTermBackoffCap
  }

  return delay
}

// expired reports whether the current window is exhausted.
func (r *reconnectState) expired(now time.Time, timeout time.Duration) bool {
  if timeout <= 0 {
    return true
  }

  return now.Sub(r.windowStart) >= timeout
}

func (r *reconnectState) enterShortTerm(now time.Time) {
  r.phase = reconnectShortTerm
  r.windowStart = now
  r.nextAttemptAt = now
  r.attempts = 0

  log.Debug().Msg("central: entering short-term reconnect")
}

func (r *reconnectState) enterLongTerm(now time.Time) {
  r.phase = reconnectLongTerm
  r.windowStart = now
  r.nextAttemptAt = now
  r.attempts = 0

  log.Debug().Msg("central: entering long-term reconnect")
}

// scheduleNext paces the next attempt according to the active filter.
func (r *reconnectState) scheduleNext(now time.Time) {
  switch r.phase {
  case reconnectShortTerm:
    r.nextAttemptAt = now.Add(r.shortTermDelay())
  case reconnectLongTerm:
    r.nextAttemptAt = now.Add(r.longTermDelay())
  }
}
