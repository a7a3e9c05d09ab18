// Package session tracks the two-phase auth and registration exchanges
// with the registry.
//
// Each exchange has a "maybe" flag, set once the request left without a
// transport error, and a confirmed flag, set only after the registry
// confirmed and the matching root manifest bit was persisted.
package session

import "fmt"

// AckState is the answer to a poll for the outcome of an exchange.
type AckState int

const (
	Pending AckState = iota
	Done
	Stopped
)

func (s AckState) String() string {
	switch s {
	case Done:
		return "done"
	case Stopped:
		return "stopped"
	default:
		return "pending"
	}
}

// Persist writes the durable bit backing an exchange.
type Persist func(bool) error

// Flow is one auth or machine registration exchange.
type Flow struct {
	maybe     bool
	confirmed bool
	replied   bool
}

// Begin resets the flow at the start of a retry.
func (f *Flow) Begin() {
	*f = Flow{}
}

// Sent records that the request went out.
func (f *Flow) Sent() {
	f.maybe = true
}

// Confirm applies a positive reply. A reply that arrives while no request
// is outstanding is stale and ignored. bit is the currently persisted
// value.
func (f *Flow) Confirm(bit bool, persist Persist) error {
	if !f.maybe {
		return nil
	}
	f.replied = true
	if !bit {
		if err := persist(true); err != nil {
			f.confirmed = false
			if clearErr := persist(false); clearErr != nil {
				return fmt.Errorf("persist confirmation: %w (and clearing failed: %v)", err, clearErr)
			}
			return fmt.Errorf("persist confirmation: %w", err)
		}
	}
	f.confirmed = true
	return nil
}

// Reject applies a negative reply. The durable bit is always cleared.
func (f *Flow) Reject(persist Persist) error {
	if f.maybe {
		f.replied = true
	}
	f.confirmed = false
	if err := persist(false); err != nil {
		return fmt.Errorf("persist rejection: %w", err)
	}
	return nil
}

func (f *Flow) Maybe() bool     { return f.maybe }
func (f *Flow) Confirmed() bool { return f.confirmed }

// Ack never reports Done unless the request was actually sent.
func (f *Flow) Ack() AckState {
	switch {
	case f.maybe && f.confirmed:
		return Done
	case f.maybe && f.replied:
		return Stopped
	default:
		return Pending
	}
}
