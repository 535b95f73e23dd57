// Package serial provides a serial transport for peripherals attached
// through a USB or UART radio bridge.
//
// The bridge forwards the peripheral's characteristic notifications as a
// raw byte stream, so chunks read here carry no frame alignment. Frame
// recovery is left to the device session's reassembler.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/beetlelink/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultBaudRate is the default bridge baud rate.
	DefaultBaudRate = 115200

	// DefaultReadTimeout bounds each blocking read so the read loop can
	// notice Close.
	DefaultReadTimeout = 100 * time.Millisecond

	// readBufSize is the size of the serial read buffer.
	readBufSize = 256

	// notifyBuffer is the number of inbound chunks buffered.
	notifyBuffer = 64
)

// Config holds the configuration for a serial link.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// ReadTimeout bounds each read. Defaults to 100ms.
	ReadTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// port is the subset of serial.Port used by the link.
type port interface {
	io.ReadWriteCloser
}

// Link implements transport.Link over a serial connection.
type Link struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	port      port
	connected bool
	notify    chan []byte
	done      chan struct{}
	loopDone  chan struct{}

	// openFn allows overriding the port opener for testing.
	openFn func(cfg Config) (port, error)
}

// New creates a new serial link with the given configuration.
func New(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	return &Link{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		notify: make(chan []byte),
		done:   done,
		openFn: openPort,
	}
}

func openPort(cfg Config) (port, error) {
	p, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Connect opens the serial port and begins reading.
func (l *Link) Connect(_ context.Context) error {
	if l.cfg.Port == "" {
		return fmt.Errorf("%w: serial port is required", transport.ErrLinkUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}

	p, err := l.openFn(l.cfg)
	if err != nil {
		return fmt.Errorf("%w: opening serial port %s: %v", transport.ErrLinkUnavailable, l.cfg.Port, err)
	}

	l.port = p
	l.connected = true
	l.notify = make(chan []byte, notifyBuffer)
	l.done = make(chan struct{})
	l.loopDone = make(chan struct{})

	go l.readLoop(p, l.notify, l.done, l.loopDone)

	l.log.Info("connected to serial port", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

// Close closes the serial port and waits for the read loop to finish.
func (l *Link) Close() error {
	l.mu.Lock()
	p := l.port
	l.port = nil
	loopDone := l.loopDone
	wasConnected := l.markDown()
	l.mu.Unlock()

	var err error
	if p != nil {
		err = p.Close()
	}
	if loopDone != nil {
		<-loopDone
	}
	if wasConnected {
		l.log.Info("serial port closed", "port", l.cfg.Port)
	}
	return err
}

// IsConnected returns true if the serial port is open.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Notifications returns the inbound chunk channel of the current connection.
func (l *Link) Notifications() <-chan []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notify
}

// Done returns a channel closed when the current connection ends.
func (l *Link) Done() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.done
}

// Write writes raw bytes to the serial port.
func (l *Link) Write(p []byte) error {
	l.mu.RLock()
	sp := l.port
	connected := l.connected
	l.mu.RUnlock()

	if !connected || sp == nil {
		return transport.ErrLinkDisconnected
	}

	if _, err := sp.Write(p); err != nil {
		l.handleDisconnect(err)
		return fmt.Errorf("%w: writing to serial port: %v", transport.ErrLinkDisconnected, err)
	}
	return nil
}

// readLoop forwards everything read from the port as notifications until
// the port fails or is closed.
func (l *Link) readLoop(p port, notify chan<- []byte, done <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := p.Read(buf)
		if err != nil {
			select {
			case <-done:
				return // closed, clean shutdown
			default:
			}
			l.handleDisconnect(err)
			return
		}
		if n == 0 {
			continue // read timeout
		}

		chunk := append([]byte(nil), buf[:n]...)
		select {
		case notify <- chunk:
		case <-done:
			return
		default:
			l.log.Warn("notification buffer full, dropping chunk", "bytes", n)
		}
	}
}

func (l *Link) handleDisconnect(err error) {
	l.mu.Lock()
	wasConnected := l.markDown()
	p := l.port
	l.port = nil
	l.mu.Unlock()

	if p != nil {
		p.Close()
	}

	if wasConnected && err != nil && !errors.Is(err, io.EOF) {
		l.log.Error("serial disconnected", "port", l.cfg.Port, "error", err)
	} else if wasConnected {
		l.log.Warn("serial disconnected", "port", l.cfg.Port)
	}
}

// markDown clears the connected state and closes done. It must be called
// with mu held and reports whether the link was connected.
func (l *Link) markDown() bool {
	if !l.connected {
		return false
	}
	l.connected = false
	close(l.done)
	return true
}
