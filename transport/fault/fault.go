// Package fault wraps a transport.Link with configurable loss and
// corruption, for exercising the reliability layer against a link that
// misbehaves the way a congested radio does.
package fault

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/kabili207/beetlelink/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

// Config sets the per-direction fault rates, each a probability in [0, 1].
type Config struct {
	// Enabled must be set for any fault to be injected.
	Enabled bool

	DropOutbound    float64
	CorruptOutbound float64
	DropInbound     float64
	CorruptInbound  float64

	// Rand is the source of randomness. If nil, a PCG seeded from the
	// global generator is used.
	Rand *rand.Rand
}

// Stats counts injected faults.
type Stats struct {
	DroppedOut   uint64
	CorruptedOut uint64
	DroppedIn    uint64
	CorruptedIn  uint64
}

// Link injects faults into writes and notifications of an inner Link.
type Link struct {
	inner transport.Link
	cfg   Config

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	// Notification relay for the current connection.
	notify chan []byte

	droppedOut   atomic.Uint64
	corruptedOut atomic.Uint64
	droppedIn    atomic.Uint64
	corruptedIn  atomic.Uint64
}

// Wrap returns a fault-injecting Link around inner.
func Wrap(inner transport.Link, cfg Config) *Link {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Link{
		inner:  inner,
		cfg:    cfg,
		rng:    rng,
		notify: make(chan []byte),
	}
}

// Connect connects the inner link and starts relaying its notifications.
func (l *Link) Connect(ctx context.Context) error {
	if err := l.inner.Connect(ctx); err != nil {
		return err
	}
	in := l.inner.Notifications()
	done := l.inner.Done()
	out := make(chan []byte, cap(in)+1)

	l.mu.Lock()
	l.notify = out
	l.mu.Unlock()

	go l.relay(in, done, out)
	return nil
}

func (l *Link) relay(in <-chan []byte, done <-chan struct{}, out chan<- []byte) {
	for {
		select {
		case <-done:
			return
		case p := <-in:
			if l.roll(l.cfg.DropInbound) {
				l.droppedIn.Add(1)
				continue
			}
			if l.roll(l.cfg.CorruptInbound) {
				p = l.corrupt(p)
				l.corruptedIn.Add(1)
			}
			select {
			case out <- p:
			case <-done:
				return
			}
		}
	}
}

// Write passes p to the inner link unless it is dropped. A dropped write
// still reports success, as a lost radio packet would.
func (l *Link) Write(p []byte) error {
	if l.roll(l.cfg.DropOutbound) {
		l.droppedOut.Add(1)
		return nil
	}
	if l.roll(l.cfg.CorruptOutbound) {
		p = l.corrupt(p)
		l.corruptedOut.Add(1)
	}
	return l.inner.Write(p)
}

// Notifications returns the faulted notification channel.
func (l *Link) Notifications() <-chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

// Done returns the inner link's Done channel.
func (l *Link) Done() <-chan struct{} {
	return l.inner.Done()
}

// Close closes the inner link.
func (l *Link) Close() error {
	return l.inner.Close()
}

// Stats returns the number of faults injected so far.
func (l *Link) Stats() Stats {
	return Stats{
		DroppedOut:   l.droppedOut.Load(),
		CorruptedOut: l.corruptedOut.Load(),
		DroppedIn:    l.droppedIn.Load(),
		CorruptedIn:  l.corruptedIn.Load(),
	}
}

func (l *Link) roll(rate float64) bool {
	if !l.cfg.Enabled || rate <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < rate
}

// corrupt flips one random bit in a copy of p.
func (l *Link) corrupt(p []byte) []byte {
	if len(p) == 0 {
		return p
	}
	out := append([]byte(nil), p...)
	l.mu.Lock()
	i := l.rng.IntN(len(out))
	bit := l.rng.IntN(8)
	l.mu.Unlock()
	out[i] ^= 1 << bit
	return out
}
