// Package dedupe suppresses repeated deliveries of peripheral events.
//
// Peripherals retransmit an event until it is acknowledged, so the same
// event frequently arrives more than once when an ACK is lost. An event is
// accepted only if its sequence differs from the last accepted sequence of
// the same kind.
package dedupe

import (
	"sync"

	"github.com/kabili207/beetlelink/core/frame"
)

type lastSeen struct {
	seq   uint8
	valid bool
}

// EventFilter tracks the last accepted sequence per event kind.
//
// The filter outlives individual link sessions: a reconnecting peripheral
// continues its numbering from the sequence announced in the handshake, so
// history must survive the reconnect.
type EventFilter struct {
	mu     sync.Mutex
	last   map[frame.Kind]lastSeen
	recent lastSeen
}

// New creates an empty EventFilter.
func New() *EventFilter {
	return &EventFilter{last: make(map[frame.Kind]lastSeen)}
}

// Accept records the event and returns true if it is new. A repeat of the
// last accepted sequence for the kind returns false.
func (f *EventFilter) Accept(kind frame.Kind, seq uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.last[kind]
	if prev.valid && prev.seq == seq {
		return false
	}
	f.last[kind] = lastSeen{seq: seq, valid: true}
	f.recent = f.last[kind]
	return true
}

// Last returns the last accepted sequence for kind. ok is false if no event
// of that kind has been accepted.
func (f *EventFilter) Last(kind frame.Kind) (seq uint8, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.last[kind]
	return prev.seq, prev.valid
}

// Latest returns the most recently accepted sequence of any kind.
func (f *EventFilter) Latest() (seq uint8, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent.seq, f.recent.valid
}

// Clear forgets all accepted events.
func (f *EventFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.last)
	f.recent = lastSeen{}
}
