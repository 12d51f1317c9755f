package session

import (
	"sync"
	"time"
)

// ConnState is the lifecycle state of an upstream TLS session.
type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Up
	Dead
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// recentTry is how long a reconnect attempt counts as "just tried" for the
// purposes of backoff pacing.
const recentTry = 2 * time.Second

// maxBackoff caps the exponential-feeling elapsed-time backoff at one
// minute, so a long-dead upstream is still retried periodically.
const maxBackoff = 60 * time.Second

// reconnectState tracks one upstream's TLS connection state and the
// timestamp of its last reconnect attempt, guarding the serialized
// tlsconnect sequence described for Server.lock.
type reconnectState struct {
	mu              sync.Mutex
	state           ConnState
	lastConnectTry  time.Time
	firstFailureAt  time.Time
}

func newReconnectState() *reconnectState {
	return &reconnectState{state: Idle}
}

// State returns the current connection state.
func (r *reconnectState) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkUp transitions to Up and clears the failure timer.
func (r *reconnectState) MarkUp() {
	r.mu.Lock()
	r.state = Up
	r.firstFailureAt = time.Time{}
	r.mu.Unlock()
}

// MarkDead transitions to Dead, starting the failure timer on the first
// such transition since the last successful connection.
func (r *reconnectState) MarkDead() {
	r.mu.Lock()
	r.state = Dead
	if r.firstFailureAt.IsZero() {
		r.firstFailureAt = time.Now()
	}
	r.mu.Unlock()
}

// backoff computes how long to sleep before the next connect attempt, per
// the schedule: 2s if a connect was tried recently or the link is
// currently considered up, else the elapsed time since the first failure
// (capped at maxBackoff), else connect immediately.
func (r *reconnectState) backoff(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Up {
		return recentTry
	}
	if !r.lastConnectTry.IsZero() && now.Sub(r.lastConnectTry) < recentTry {
		return recentTry - now.Sub(r.lastConnectTry)
	}
	if r.firstFailureAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(r.firstFailureAt)
	if elapsed > maxBackoff {
		elapsed = maxBackoff
	}
	return elapsed
}

// beginConnect records a connect attempt timestamp and moves to
// Connecting, returning false if another caller already reconnected since
// sinceSnapshot (serializing tlsconnect per upstream).
func (r *reconnectState) beginConnect(sinceSnapshot time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastConnectTry.After(sinceSnapshot) {
		return false
	}
	r.state = Connecting
	r.lastConnectTry = time.Now()
	return true
}

// lastTry returns the last recorded connect-attempt timestamp, used as a
// caller's snapshot before calling beginConnect.
func (r *reconnectState) lastTry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastConnectTry
}
