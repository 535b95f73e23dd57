// Package ble provides a Bluetooth Low Energy transport that talks to the
// peripheral's serial characteristic directly.
//
// Inbound frames arrive as characteristic notifications and outbound
// frames are written without response. Chunk boundaries follow the
// peripheral's notifications, which are usually but not always aligned to
// frames.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/kabili207/beetlelink/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultService is the serial service of the DFRobot Beetle.
	DefaultService = "0000dfb0-0000-1000-8000-00805f9b34fb"
	// DefaultCharacteristic carries frames in both directions.
	DefaultCharacteristic = "0000dfb1-0000-1000-8000-00805f9b34fb"
	// DefaultConnectTimeout bounds dialling and profile discovery.
	DefaultConnectTimeout = 10 * time.Second

	// notifyBuffer is the number of inbound chunks buffered.
	notifyBuffer = 64
)

// baseUUID is the Bluetooth base UUID that 16-bit UUIDs are short for.
var baseUUID = goble.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// Config holds the configuration for a BLE link.
type Config struct {
	// Address is the peripheral's MAC address (e.g., "50:F1:4A:DA:C7:9F").
	Address string
	// Service is the UUID of the serial service. Defaults to DefaultService.
	Service string
	// Characteristic is the UUID of the serial characteristic. Defaults to
	// DefaultCharacteristic.
	Characteristic string
	// ConnectTimeout bounds each Connect. Defaults to 10s.
	ConnectTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// client is the subset of ble.Client used by the link.
type client interface {
	DiscoverProfile(force bool) (*goble.Profile, error)
	Subscribe(c *goble.Characteristic, ind bool, h goble.NotificationHandler) error
	WriteCharacteristic(c *goble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Link implements transport.Link over a GATT connection.
type Link struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	cln       client
	char      *goble.Characteristic
	connected bool
	notify    chan []byte
	done      chan struct{}
	watchDone chan struct{}

	// dialFn allows overriding the dialer for testing.
	dialFn func(ctx context.Context, addr string) (client, error)
}

// New creates a new BLE link with the given configuration.
func New(cfg Config) *Link {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Characteristic == "" {
		cfg.Characteristic = DefaultCharacteristic
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	return &Link{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("ble"),
		notify: make(chan []byte),
		done:   done,
		dialFn: dial,
	}
}

// dial connects through the default HCI device, which the caller must have
// installed with ble.SetDefaultDevice.
func dial(ctx context.Context, addr string) (client, error) {
	cln, err := goble.Dial(ctx, goble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return cln, nil
}

// Connect dials the peripheral, finds the serial characteristic and
// subscribes to its notifications.
func (l *Link) Connect(ctx context.Context) error {
	if l.cfg.Address == "" {
		return fmt.Errorf("%w: peripheral address is required", transport.ErrLinkUnavailable)
	}
	svcUUID, err := goble.Parse(l.cfg.Service)
	if err != nil {
		return fmt.Errorf("%w: service uuid %q: %v", transport.ErrLinkUnavailable, l.cfg.Service, err)
	}
	charUUID, err := goble.Parse(l.cfg.Characteristic)
	if err != nil {
		return fmt.Errorf("%w: characteristic uuid %q: %v", transport.ErrLinkUnavailable, l.cfg.Characteristic, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	cln, err := l.dialFn(dctx, l.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", transport.ErrLinkUnavailable, l.cfg.Address, err)
	}

	prof, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return fmt.Errorf("%w: discovering %s: %v", transport.ErrLinkUnavailable, l.cfg.Address, err)
	}
	char := findCharacteristic(prof, svcUUID, charUUID)
	if char == nil {
		cln.CancelConnection()
		return fmt.Errorf("%w: %s has no characteristic %s in service %s",
			transport.ErrLinkUnavailable, l.cfg.Address, l.cfg.Characteristic, l.cfg.Service)
	}

	notify := make(chan []byte, notifyBuffer)
	done := make(chan struct{})
	handler := func(b []byte) { l.forward(notify, done, b) }
	if err := cln.Subscribe(char, false, handler); err != nil {
		cln.CancelConnection()
		return fmt.Errorf("%w: subscribing on %s: %v", transport.ErrLinkUnavailable, l.cfg.Address, err)
	}

	l.cln = cln
	l.char = char
	l.connected = true
	l.notify = notify
	l.done = done
	l.watchDone = make(chan struct{})

	go l.watch(cln, done, l.watchDone)

	l.log.Info("connected to peripheral", "address", l.cfg.Address)
	return nil
}

// Close cancels the connection and waits for the watcher to finish.
func (l *Link) Close() error {
	l.mu.Lock()
	cln := l.cln
	l.cln = nil
	watchDone := l.watchDone
	wasConnected := l.markDown()
	l.mu.Unlock()

	var err error
	if cln != nil {
		err = cln.CancelConnection()
	}
	if watchDone != nil {
		<-watchDone
	}
	if wasConnected {
		l.log.Info("peripheral connection closed", "address", l.cfg.Address)
	}
	return err
}

// IsConnected returns true while the GATT connection is up.
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

// Write writes p to the serial characteristic without response.
func (l *Link) Write(p []byte) error {
	l.mu.RLock()
	cln, char := l.cln, l.char
	connected := l.connected
	l.mu.RUnlock()

	if !connected || cln == nil {
		return transport.ErrLinkDisconnected
	}

	if err := cln.WriteCharacteristic(char, p, true); err != nil {
		l.handleDisconnect(cln, err)
		return fmt.Errorf("%w: writing characteristic: %v", transport.ErrLinkDisconnected, err)
	}
	return nil
}

// forward copies a notification into the chunk channel, dropping it when
// the buffer is full.
func (l *Link) forward(notify chan<- []byte, done <-chan struct{}, b []byte) {
	chunk := append([]byte(nil), b...)
	select {
	case <-done:
	case notify <- chunk:
	default:
		l.log.Warn("notification buffer full, dropping chunk", "bytes", len(b))
	}
}

// watch marks the link down when the peripheral disconnects.
func (l *Link) watch(cln client, done <-chan struct{}, watchDone chan<- struct{}) {
	defer close(watchDone)
	select {
	case <-cln.Disconnected():
		l.handleDisconnect(cln, nil)
	case <-done:
	}
}

func (l *Link) handleDisconnect(cln client, err error) {
	l.mu.Lock()
	if l.cln != cln {
		l.mu.Unlock()
		return // superseded by Close or a new connection
	}
	wasConnected := l.markDown()
	l.cln = nil
	l.mu.Unlock()

	cln.CancelConnection()

	if wasConnected && err != nil {
		l.log.Error("peripheral disconnected", "address", l.cfg.Address, "error", err)
	} else if wasConnected {
		l.log.Warn("peripheral disconnected", "address", l.cfg.Address)
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

func findCharacteristic(p *goble.Profile, svc, char goble.UUID) *goble.Characteristic {
	svc, char = widen(svc), widen(char)
	for _, s := range p.Services {
		if !widen(s.UUID).Equal(svc) {
			continue
		}
		for _, c := range s.Characteristics {
			if widen(c.UUID).Equal(char) {
				return c
			}
		}
	}
	return nil
}

// widen expands a 16-bit UUID to its 128-bit form so either spelling
// matches. UUIDs are stored little-endian.
func widen(u goble.UUID) goble.UUID {
	if len(u) != 2 {
		return u
	}
	w := append(goble.UUID(nil), baseUUID...)
	w[12], w[13] = u[0], u[1]
	return w
}
