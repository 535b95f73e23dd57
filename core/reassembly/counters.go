package reassembly

import "sync/atomic"

// Counters tracks inbound link statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	BytesRecv       atomic.Uint32 // Raw bytes fed from the link
	FramesRecv      atomic.Uint32 // Frames that passed the integrity check
	Fragments       atomic.Uint32 // Feeds that ended without a complete frame
	IntegrityErrors atomic.Uint32 // Frames rejected by the CRC check
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	BytesRecv       uint32
	FramesRecv      uint32
	Fragments       uint32
	IntegrityErrors uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		BytesRecv:       c.BytesRecv.Load(),
		FramesRecv:      c.FramesRecv.Load(),
		Fragments:       c.Fragments.Load(),
		IntegrityErrors: c.IntegrityErrors.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.BytesRecv.Store(0)
	c.FramesRecv.Store(0)
	c.Fragments.Store(0)
	c.IntegrityErrors.Store(0)
}
