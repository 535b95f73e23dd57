// Package transport defines the byte link between the relay and a wearable
// peripheral, and provides implementations of it.
//
// A Link is unreliable and MTU-limited: writes may be lost, and inbound
// bytes arrive as chunks of the underlying transport's own granularity,
// not aligned to frame boundaries. Reliability is layered on top by the
// device session.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrLinkUnavailable is returned by Connect when the peripheral cannot
	// be reached.
	ErrLinkUnavailable = errors.New("link unavailable")
	// ErrLinkDisconnected is returned by Write, and signalled through Done,
	// once an established link has been lost.
	ErrLinkDisconnected = errors.New("link disconnected")
)

// Link is a connection to one peripheral.
//
// Connect may be called again after Close or a disconnect to re-establish
// the link. Notifications and Done return channels for the current
// connection and must be re-read after each Connect.
type Link interface {
	// Connect opens the link. Fails with ErrLinkUnavailable.
	Connect(ctx context.Context) error
	// Write sends raw bytes. Fails with ErrLinkDisconnected.
	Write(p []byte) error
	// Notifications delivers inbound byte chunks.
	Notifications() <-chan []byte
	// Done is closed when the link is lost or closed.
	Done() <-chan struct{}
	// Close tears the link down and releases its resources.
	Close() error
}

// Event represents link state change events.
type Event int

const (
	// EventConnected is fired when the link connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the link disconnects.
	EventDisconnected
	// EventReconnecting is fired when the link is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StateHandler is called when a link's state changes.
type StateHandler func(link Link, event Event)
