package batch

import (
	"time"
)

const (
	// DefaultIdleTimeout is how long a burst may go without a new sample
	// before it is force-completed.
	DefaultIdleTimeout = 500 * time.Millisecond
)

// Config configures a Receiver.
type Config struct {
	// Length is the number of slots in a batch. Required.
	Length int

	// IdleTimeout is the per-sample timeout after which a partial batch is
	// padded and completed. Default: 500ms.
	IdleTimeout time.Duration

	// StaleStartIndex, when positive, drops samples that arrive while no
	// batch is in progress with an index at or above this value. Such
	// samples are leftovers of a previous burst still queued on the
	// peripheral. Zero disables the check.
	StaleStartIndex int
}

// Batch is a completed run of samples. Every slot is populated.
type Batch struct {
	Samples []Sample
	// Received is the number of samples that actually arrived.
	Received int
	// Padded is the number of trailing slots filled on idle timeout.
	Padded int
	// Forced is true when the batch was completed by the idle timeout
	// rather than by its last index arriving.
	Forced bool
}

// Channel returns one channel of every sample, in slot order.
func (b *Batch) Channel(ch int) []int16 {
	out := make([]int16, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s[ch]
	}
	return out
}

// Receiver collects indexed samples into batches. It is not safe for
// concurrent use; a device session drives it from a single goroutine.
type Receiver struct {
	cfg      Config
	slots    []Sample
	expected int // next slot to accept
	received int
	last     Sample
	lastAt   time.Time

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewReceiver creates a Receiver. A non-positive Length yields a receiver
// with a single slot.
func NewReceiver(cfg Config) *Receiver {
	if cfg.Length <= 0 {
		cfg.Length = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Receiver{
		cfg:   cfg,
		slots: make([]Sample, cfg.Length),
		nowFn: time.Now,
	}
}

// Length returns the configured batch length.
func (r *Receiver) Length() int {
	return r.cfg.Length
}

// Active reports whether a batch is in progress.
func (r *Receiver) Active() bool {
	return r.expected > 0
}

// Expected returns the index of the next slot to be written.
func (r *Receiver) Expected() int {
	return r.expected
}

// OnSample records the sample for the given index. It returns the completed
// batch when this sample fills the last slot, otherwise nil.
//
// Index 0, or an index lower than the last written one, starts a new burst
// and discards the partial batch. A repeat of the last written index is
// ignored. Skipped indices are backfilled with the previous sample.
func (r *Receiver) OnSample(index int, s Sample) *Batch {
	now := r.nowFn()

	switch {
	case index == 0:
		r.reset()
	case r.expected > 0 && index == r.expected-1:
		r.lastAt = now
		return nil
	case r.expected > 0 && index < r.expected-1:
		r.reset()
	}

	if r.expected == 0 && r.cfg.StaleStartIndex > 0 && index >= r.cfg.StaleStartIndex {
		return nil
	}

	if index >= r.cfg.Length {
		index = r.cfg.Length - 1
	}

	fill := r.last
	if r.expected == 0 {
		fill = s
	}
	for r.expected < index {
		r.slots[r.expected] = fill
		r.expected++
	}

	r.slots[index] = s
	r.expected = index + 1
	r.received++
	r.last = s
	r.lastAt = now

	if r.expected >= r.cfg.Length {
		return r.complete(0, false)
	}
	return nil
}

// OnIdle force-completes the batch in progress if no sample has arrived
// within the idle timeout, padding the remaining slots with the last
// sample. It returns nil when there is nothing to complete.
func (r *Receiver) OnIdle() *Batch {
	if r.expected == 0 {
		return nil
	}
	if r.nowFn().Sub(r.lastAt) < r.cfg.IdleTimeout {
		return nil
	}

	padded := 0
	for r.expected < r.cfg.Length {
		r.slots[r.expected] = r.last
		r.expected++
		padded++
	}
	return r.complete(padded, true)
}

// Deadline returns when the batch in progress will time out. ok is false
// when no batch is in progress.
func (r *Receiver) Deadline() (deadline time.Time, ok bool) {
	if r.expected == 0 {
		return time.Time{}, false
	}
	return r.lastAt.Add(r.cfg.IdleTimeout), true
}

// Reset discards the batch in progress.
func (r *Receiver) Reset() {
	r.reset()
}

func (r *Receiver) complete(padded int, forced bool) *Batch {
	b := &Batch{
		Samples:  r.slots,
		Received: r.received,
		Padded:   padded,
		Forced:   forced,
	}
	r.slots = make([]Sample, r.cfg.Length)
	r.reset()
	return b
}

func (r *Receiver) reset() {
	clear(r.slots)
	r.expected = 0
	r.received = 0
	r.last = Sample{}
}
