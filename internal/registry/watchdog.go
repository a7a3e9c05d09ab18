package registry

import (
	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/clock"
)

// Watchdog turns hangup notifications into delayed reconnect requests.
type Watchdog struct {
	reconnect *Reconnect
	clock     clock.Clock
	hangups   chan struct{}
	requests  chan<- struct{}
	stopCh    chan struct{}
	log       zerolog.Logger
}

// NewWatchdog creates a watchdog that posts reconnect requests on
// requests.
func NewWatchdog(reconnect *Reconnect, c clock.Clock, requests chan<- struct{}, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		reconnect: reconnect,
		clock:     c,
		hangups:   make(chan struct{}, 16),
		requests:  requests,
		stopCh:    make(chan struct{}),
		log:       log,
	}
}

// Notify reports a hangup. It never blocks.
func (w *Watchdog) Notify() {
	select {
	case w.hangups <- struct{}{}:
	default:
		w.log.Warn().Msg("hangup queue full, dropping notification")
	}
}

// Start begins consuming hangups.
func (w *Watchdog) Start() {
	go func() {
		for {
			select {
			case <-w.hangups:
				if !w.handle() {
					return
				}
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop halts the watchdog.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

// handle reports false once the watchdog is stopped.
func (w *Watchdog) handle() bool {
	iv, ok := w.reconnect.Next()
	if !ok {
		w.log.Debug().Msg("connection already open, ignoring hangup")
		return true
	}
	delay := iv.Sample()
	w.log.Info().Dur("delay", delay).Int("attempt", w.reconnect.Attempts()).Msg("scheduling reconnect")

	select {
	case <-w.clock.After(delay):
	case <-w.stopCh:
		return false
	}
	if w.reconnect.IsOpen() {
		return true
	}
	select {
	case w.requests <- struct{}{}:
	case <-w.stopCh:
		return false
	}
	return true
}
