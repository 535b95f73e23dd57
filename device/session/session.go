// Package session runs the reliable link protocol for one wearable
// peripheral.
//
// A Session lives for exactly one link connection. It owns the handshake
// state machine, the consecutive-invalid-frame health check and the
// acknowledged send engine. A Device supervises a peripheral across
// connections: it reconnects the link, drives a fresh Session each time,
// routes inbound frames through a Dispatcher and exposes the queues the
// relay layer reads and writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kabili207/beetlelink/core/frame"
	"github.com/kabili207/beetlelink/core/profile"
	"github.com/kabili207/beetlelink/core/reassembly"
	"github.com/kabili207/beetlelink/transport"
)

var (
	// ErrHandshakeTimeout is returned when no HELLO_ACK arrives in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrHandshakeRejected is returned when the peripheral answers a HELLO
	// with an unexpected frame.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")

	// errNoFrame reports that a wait ended without a frame.
	errNoFrame = errors.New("no frame")
)

// State is the handshake state of a session.
type State int

const (
	// StateAwaitingHandshake means no HELLO/HELLO_ACK exchange has
	// succeeded, or the health check forced a new one.
	StateAwaitingHandshake State = iota
	// StateEstablished means frames flow normally.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// FrameHandler receives frames a Session did not consume itself.
type FrameHandler func(f *frame.Frame)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Profile describes the peripheral. Required and must be validated.
	Profile *profile.Profile

	// Link is a connected link. Required.
	Link transport.Link

	// Reassembler is reset and reused if set, so statistics survive
	// reconnects. A new one is created otherwise.
	Reassembler *reassembly.Reassembler

	// Counters receives protocol statistics. Optional.
	Counters *Counters

	// OnFrame receives frames that arrive while SendReliable is waiting for
	// its ACK and are not part of the exchange. Optional.
	OnFrame FrameHandler

	// IgnoreFragments stops partial reads from counting toward the health
	// check. Byte-stream links that split frames at arbitrary points need
	// this; notification links deliver whole frames.
	IgnoreFragments bool

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the protocol state of one link connection. It is driven from
// a single goroutine.
type Session struct {
	cfg      SessionConfig
	prof     *profile.Profile
	codec    *frame.Codec
	asm      *reassembly.Reassembler
	counters *Counters
	log      *slog.Logger

	notify <-chan []byte
	done   <-chan struct{}

	state   State
	invalid int
	pending []*frame.Frame

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewSession creates a session over a connected link. The session starts
// in StateAwaitingHandshake.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Profile == nil || cfg.Link == nil {
		return nil, fmt.Errorf("%w: profile and link are required", profile.ErrInvalidProfile)
	}
	codec, err := frame.NewCodec(cfg.Profile.FrameSize)
	if err != nil {
		return nil, err
	}

	asm := cfg.Reassembler
	if asm == nil {
		asm = reassembly.New(codec)
	}
	asm.Reset()

	counters := cfg.Counters
	if counters == nil {
		counters = &Counters{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:      cfg,
		prof:     cfg.Profile,
		codec:    codec,
		asm:      asm,
		counters: counters,
		log:      logger.WithGroup("session"),
		notify:   cfg.Link.Notifications(),
		done:     cfg.Link.Done(),
		state:    StateAwaitingHandshake,
		nowFn:    time.Now,
	}, nil
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// InvalidCount returns the number of consecutive invalid frames seen.
func (s *Session) InvalidCount() int {
	return s.invalid
}

// RequireHandshake forces the session back to StateAwaitingHandshake.
func (s *Session) RequireHandshake() {
	s.state = StateAwaitingHandshake
	s.invalid = 0
}

// Handshake sends HELLO carrying seq and waits for HELLO_ACK. On success it
// answers with ACK(0), resets the health counter and moves to
// StateEstablished.
//
// The error wraps ErrHandshakeTimeout or ErrHandshakeRejected when the
// peripheral did not complete the exchange; the session stays in
// StateAwaitingHandshake and the caller decides when to retry. Link loss
// and context cancellation are returned as is.
func (s *Session) Handshake(ctx context.Context, seq uint8) error {
	s.state = StateAwaitingHandshake
	s.pending = nil
	if err := s.WriteFrame(s.prof.Kinds.Hello, seq, nil); err != nil {
		return err
	}
	s.log.Debug("hello sent", "seq", seq)

	f, err := s.next(ctx, s.prof.HandshakeTimeout, nil)
	switch {
	case errors.Is(err, errNoFrame):
		s.counters.HandshakeFailures.Add(1)
		return fmt.Errorf("%w after %v", ErrHandshakeTimeout, s.prof.HandshakeTimeout)
	case err != nil:
		return err
	}

	if f.Kind != s.prof.Kinds.HelloAck {
		s.counters.HandshakeFailures.Add(1)
		return fmt.Errorf("%w: got %v frame", ErrHandshakeRejected, f.Kind)
	}
	if err := s.WriteFrame(s.prof.Kinds.Ack, 0, nil); err != nil {
		return err
	}

	s.state = StateEstablished
	s.invalid = 0
	s.counters.Handshakes.Add(1)
	s.log.Debug("handshake complete", "seq", seq)
	return nil
}

// WriteFrame encodes and writes one frame.
func (s *Session) WriteFrame(kind frame.Kind, seq uint8, payload []byte) error {
	data, err := s.codec.Encode(kind, seq, payload)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %w", ErrSessionClosed, transport.ErrLinkDisconnected)
	default:
	}
	if err := s.cfg.Link.Write(data); err != nil {
		return err
	}
	s.counters.FramesSent.Add(1)
	s.counters.BytesSent.Add(uint64(len(data)))
	return nil
}

// Poll waits up to timeout for the next frame. It returns (nil, nil) when
// the timeout elapses or wake fires first. wake may be nil.
func (s *Session) Poll(ctx context.Context, timeout time.Duration, wake <-chan struct{}) (*frame.Frame, error) {
	f, err := s.next(ctx, timeout, wake)
	if errors.Is(err, errNoFrame) {
		return nil, nil
	}
	return f, err
}

// NoteInvalid counts a frame the session could not use toward the health
// check.
func (s *Session) NoteInvalid() {
	s.invalid++
	if s.invalid < s.prof.InvalidThreshold {
		return
	}
	if s.state == StateEstablished {
		s.counters.HealthResets.Add(1)
		s.log.Warn("too many invalid frames, re-handshaking", "count", s.invalid)
	}
	s.RequireHandshake()
}

// next returns the next decoded frame, waiting at most timeout. It returns
// errNoFrame on timeout or wake, and wraps transport.ErrLinkDisconnected
// when the link goes down.
func (s *Session) next(ctx context.Context, timeout time.Duration, wake <-chan struct{}) (*frame.Frame, error) {
	if f := s.popPending(); f != nil {
		return f, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, fmt.Errorf("%w: %w", ErrSessionClosed, transport.ErrLinkDisconnected)
		case <-timer.C:
			return nil, errNoFrame
		case <-wake:
			return nil, errNoFrame
		case chunk := <-s.notify:
			s.feed(chunk)
			if f := s.popPending(); f != nil {
				return f, nil
			}
		}
	}
}

func (s *Session) feed(chunk []byte) {
	frames, err := s.asm.Feed(chunk)
	if len(frames) > 0 {
		s.invalid = 0
		s.pending = append(s.pending, frames...)
	}

	switch {
	case err == nil:
	case reassembly.IsFragment(err):
		if !s.cfg.IgnoreFragments {
			s.NoteInvalid()
		}
	default:
		s.log.Debug("discarding corrupt frame", "error", err)
		s.NoteInvalid()
	}
}

func (s *Session) popPending() *frame.Frame {
	if len(s.pending) == 0 {
		return nil
	}
	f := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return f
}
