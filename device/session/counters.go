package session

import (
	"sync/atomic"

	"github.com/kabili207/beetlelink/core/reassembly"
)

// Counters tracks per-device protocol statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	FramesSent        atomic.Uint64 // Frames written to the link
	BytesSent         atomic.Uint64 // Bytes written to the link
	Retransmissions   atomic.Uint64 // Reliable-send attempts after the first
	Deliveries        atomic.Uint64 // Reliable sends acknowledged
	DeliveryFailures  atomic.Uint64 // Reliable sends that exhausted their attempts
	Handshakes        atomic.Uint64 // Handshakes completed
	HandshakeFailures atomic.Uint64 // Handshake attempts that timed out or were rejected
	HealthResets      atomic.Uint64 // Re-handshakes forced by invalid frames
	InvalidFrames     atomic.Uint64 // Decoded frames of an unexpected kind
	Events            atomic.Uint64 // Events accepted
	DuplicateEvents   atomic.Uint64 // Events suppressed as repeats
	BatchesCompleted  atomic.Uint64 // Batches published
	BatchesForced     atomic.Uint64 // Published batches completed by idle timeout
	BatchesDiscarded  atomic.Uint64 // Batches dropped for too few samples
	Reconnects        atomic.Uint64 // Link connects after the first
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	FramesSent        uint64
	BytesSent         uint64
	Retransmissions   uint64
	Deliveries        uint64
	DeliveryFailures  uint64
	Handshakes        uint64
	HandshakeFailures uint64
	HealthResets      uint64
	InvalidFrames     uint64
	Events            uint64
	DuplicateEvents   uint64
	BatchesCompleted  uint64
	BatchesForced     uint64
	BatchesDiscarded  uint64
	Reconnects        uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesSent:        c.FramesSent.Load(),
		BytesSent:         c.BytesSent.Load(),
		Retransmissions:   c.Retransmissions.Load(),
		Deliveries:        c.Deliveries.Load(),
		DeliveryFailures:  c.DeliveryFailures.Load(),
		Handshakes:        c.Handshakes.Load(),
		HandshakeFailures: c.HandshakeFailures.Load(),
		HealthResets:      c.HealthResets.Load(),
		InvalidFrames:     c.InvalidFrames.Load(),
		Events:            c.Events.Load(),
		DuplicateEvents:   c.DuplicateEvents.Load(),
		BatchesCompleted:  c.BatchesCompleted.Load(),
		BatchesForced:     c.BatchesForced.Load(),
		BatchesDiscarded:  c.BatchesDiscarded.Load(),
		Reconnects:        c.Reconnects.Load(),
	}
}

// Stats combines inbound link statistics with protocol counters.
type Stats struct {
	Link    reassembly.CountersSnapshot
	Session CountersSnapshot
}
