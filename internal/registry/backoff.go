package registry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Interval is a [Lo, Hi] range a delay is drawn from uniformly.
type Interval struct {
	Lo, Hi time.Duration
}

// Sample draws a delay from the interval.
func (iv Interval) Sample() time.Duration {
	if iv.Hi <= iv.Lo {
		return iv.Lo
	}
	return iv.Lo + time.Duration(rand.Int64N(int64(iv.Hi-iv.Lo)+1))
}

// Policy is an exponential backoff whose interval bounds grow by
// Multiplier per consecutive failure, each bound capped by Max.
type Policy struct {
	Min        Interval
	Max        Interval
	Multiplier float64
}

var (
	// ReconnectPolicy starts at 7.5-15s and settles at 1800s plus or
	// minus 300s.
	ReconnectPolicy = Policy{
		Min:        Interval{Lo: 7500 * time.Millisecond, Hi: 15 * time.Second},
		Max:        Interval{Lo: 1500 * time.Second, Hi: 2100 * time.Second},
		Multiplier: 2,
	}

	// KeepaliveInterval is how long an idle connection waits before a
	// ping.
	KeepaliveInterval = Interval{Lo: 2700 * time.Second, Hi: 3450 * time.Second}
)

// Grow returns the interval following iv.
func (p Policy) Grow(iv Interval) Interval {
	next := Interval{
		Lo: time.Duration(float64(iv.Lo) * p.Multiplier),
		Hi: time.Duration(float64(iv.Hi) * p.Multiplier),
	}
	next.Lo = min(next.Lo, p.Max.Lo)
	next.Hi = min(next.Hi, p.Max.Hi)
	return next
}

// Reconnect is the backoff record shared by the connection manager and
// the watchdog.
type Reconnect struct {
	policy Policy

	mu       sync.RWMutex
	open     bool
	attempts int
	current  Interval
}

func NewReconnect(p Policy) *Reconnect {
	return &Reconnect{policy: p, current: p.Min}
}

// MarkOpen records a successful open and resets the backoff.
func (r *Reconnect) MarkOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	r.attempts = 0
	r.current = r.policy.Min
}

func (r *Reconnect) MarkClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
}

func (r *Reconnect) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open
}

// Next advances the backoff for one more failed attempt and returns the
// interval to wait. It reports false, changing nothing, when the
// connection is open.
func (r *Reconnect) Next() (Interval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return Interval{}, false
	}
	if r.attempts == 0 {
		r.current = r.policy.Min
	} else {
		r.current = r.policy.Grow(r.current)
	}
	r.attempts++
	return r.current, true
}

// Attempts is the number of consecutive failed attempts.
func (r *Reconnect) Attempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts
}
