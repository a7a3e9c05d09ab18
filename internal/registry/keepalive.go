package registry

import (
	"sync"
	"sync/atomic"

	"github.com/guppybot/guppybot/internal/clock"
)

// Keepalive schedules pings on an idle connection. Every Arm issues a new
// echo number; a firing whose echo is no longer the latest is stale.
type Keepalive struct {
	clock    clock.Clock
	interval Interval
	fire     func(echo uint64)

	echo  atomic.Uint64
	mu    sync.Mutex
	timer clock.Timer
}

func NewKeepalive(c clock.Clock, interval Interval, fire func(echo uint64)) *Keepalive {
	return &Keepalive{clock: c, interval: interval, fire: fire}
}

// Arm (re)starts the keepalive timer with a fresh random delay.
func (k *Keepalive) Arm() {
	echo := k.echo.Add(1)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = k.clock.AfterFunc(k.interval.Sample(), func() { k.fire(echo) })
}

// Stop cancels the pending timer and invalidates any in-flight firing.
func (k *Keepalive) Stop() {
	k.echo.Add(1)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

// Live reports whether echo is the latest issued number.
func (k *Keepalive) Live(echo uint64) bool {
	return echo == k.echo.Load()
}
