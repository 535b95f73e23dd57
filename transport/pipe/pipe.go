// Package pipe provides an in-memory transport.Link with a scriptable
// peripheral end. It chunks injected bytes at a configurable MTU the way a
// radio link would, and is used for tests and local simulation.
package pipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kabili207/beetlelink/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultMTU matches the radio characteristic size of the peripherals.
	DefaultMTU = 20
	// DefaultBuffer is the number of inbound chunks buffered per connection.
	DefaultBuffer = 256
)

// WriteHandler is called synchronously with every host write.
type WriteHandler func(p []byte)

// Config holds the configuration for a pipe Link.
type Config struct {
	// MTU is the chunk size used by InjectFrame. Default: 20.
	MTU int
	// Buffer is the inbound chunk buffer size. Default: 256.
	Buffer int
}

// Link is the host end of an in-memory link. The methods beyond
// transport.Link act as the peripheral end.
type Link struct {
	cfg Config

	mu          sync.Mutex
	connected   bool
	unavailable bool
	notify      chan []byte
	done        chan struct{}
	onWrite     WriteHandler
	writes      [][]byte

	connects atomic.Int32
	dropped  atomic.Int32
}

// New creates a disconnected pipe Link.
func New(cfg Config) *Link {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	done := make(chan struct{})
	close(done)
	return &Link{
		cfg:    cfg,
		notify: make(chan []byte),
		done:   done,
	}
}

// Connect opens a fresh connection.
func (l *Link) Connect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return fmt.Errorf("%w: pipe peer unavailable", transport.ErrLinkUnavailable)
	}
	if l.connected {
		return nil
	}
	l.notify = make(chan []byte, l.cfg.Buffer)
	l.done = make(chan struct{})
	l.connected = true
	l.connects.Add(1)
	return nil
}

// Write records p and passes it to the write handler.
func (l *Link) Write(p []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return transport.ErrLinkDisconnected
	}
	data := append([]byte(nil), p...)
	l.writes = append(l.writes, data)
	handler := l.onWrite
	l.mu.Unlock()

	if handler != nil {
		handler(data)
	}
	return nil
}

// Notifications returns the inbound chunk channel of the current connection.
func (l *Link) Notifications() <-chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

// Done returns a channel closed when the current connection ends.
func (l *Link) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Close ends the current connection.
func (l *Link) Close() error {
	l.disconnect()
	return nil
}

// IsConnected reports whether the link is connected.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// SetWriteHandler installs the peripheral's reaction to host writes.
func (l *Link) SetWriteHandler(fn WriteHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWrite = fn
}

// SetUnavailable makes subsequent Connect calls fail.
func (l *Link) SetUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = unavailable
}

// Inject delivers p to the host as a single notification. It returns false
// if the link is down or the buffer is full.
func (l *Link) Inject(p []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return false
	}
	select {
	case l.notify <- append([]byte(nil), p...):
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// InjectFrame delivers p split into MTU-sized notifications.
func (l *Link) InjectFrame(p []byte) bool {
	for len(p) > 0 {
		n := min(len(p), l.cfg.MTU)
		if !l.Inject(p[:n]) {
			return false
		}
		p = p[n:]
	}
	return true
}

// Drop simulates loss of the link from the peripheral side.
func (l *Link) Drop() {
	l.disconnect()
}

// Writes returns a copy of every host write so far.
func (l *Link) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Connects returns how many times Connect has succeeded.
func (l *Link) Connects() int {
	return int(l.connects.Load())
}

// Dropped returns how many injected chunks were lost to a full buffer.
func (l *Link) Dropped() int {
	return int(l.dropped.Load())
}

func (l *Link) disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return
	}
	l.connected = false
	close(l.done)
}
