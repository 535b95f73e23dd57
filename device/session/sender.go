package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/kabili207/beetlelink/core/frame"
)

// ErrDeliveryFailed is returned when a reliable send is not acknowledged.
var ErrDeliveryFailed = errors.New("delivery failed")

// DeliveryError describes an unacknowledged reliable send. It unwraps to
// ErrDeliveryFailed.
type DeliveryError struct {
	Kind     frame.Kind
	Sequence uint8
	Attempts int
	// Resync is true when the send was abandoned because the health check
	// forced a new handshake mid-wait.
	Resync bool
}

func (e *DeliveryError) Error() string {
	if e.Resync {
		return fmt.Sprintf("delivery failed: %v seq %d abandoned after %d attempts, handshake required",
			e.Kind, e.Sequence, e.Attempts)
	}
	return fmt.Sprintf("delivery failed: %v seq %d not acknowledged after %d attempts",
		e.Kind, e.Sequence, e.Attempts)
}

func (e *DeliveryError) Unwrap() error {
	return ErrDeliveryFailed
}

// SendReliable writes a frame and waits for an ACK carrying the same
// sequence, retransmitting up to the profile's MaxAttempts.
//
// While waiting, a HELLO_ACK is answered with ACK(0) and any other frame is
// passed to the session's OnFrame handler, so data the peripheral streams
// mid-exchange is not lost. When every attempt fails, the session is moved
// to StateAwaitingHandshake and a *DeliveryError is returned. Link loss and
// context cancellation abort the send immediately.
func (s *Session) SendReliable(ctx context.Context, kind frame.Kind, seq uint8, payload []byte) error {
	if s.state != StateEstablished {
		return fmt.Errorf("%w: %v seq %d: session not established", ErrDeliveryFailed, kind, seq)
	}

	data, err := s.codec.Encode(kind, seq, payload)
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= s.prof.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.counters.Retransmissions.Add(1)
			s.log.Debug("retransmitting", "kind", kind, "seq", seq, "attempt", attempt)
		}
		if err := s.write(data); err != nil {
			return err
		}

		acked, err := s.awaitAck(ctx, seq)
		if err != nil {
			return err
		}
		if acked {
			s.counters.Deliveries.Add(1)
			return nil
		}
		if s.state != StateEstablished {
			s.counters.DeliveryFailures.Add(1)
			return &DeliveryError{Kind: kind, Sequence: seq, Attempts: attempt, Resync: true}
		}
	}

	s.counters.DeliveryFailures.Add(1)
	s.RequireHandshake()
	s.log.Warn("delivery failed", "kind", kind, "seq", seq, "attempts", s.prof.MaxAttempts)
	return &DeliveryError{Kind: kind, Sequence: seq, Attempts: s.prof.MaxAttempts}
}

// awaitAck waits out one attempt's ACK budget. It reports false when the
// budget elapses or the health check forces a handshake.
func (s *Session) awaitAck(ctx context.Context, seq uint8) (bool, error) {
	deadline := s.nowFn().Add(s.prof.AckTimeout)
	for {
		remaining := deadline.Sub(s.nowFn())
		if remaining <= 0 {
			return false, nil
		}

		f, err := s.next(ctx, remaining, nil)
		if errors.Is(err, errNoFrame) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		switch {
		case f.Kind == s.prof.Kinds.Ack && f.Sequence == seq:
			return true, nil
		case f.Kind == s.prof.Kinds.HelloAck:
			// The peripheral restarted its handshake; keep it from stalling.
			if err := s.WriteFrame(s.prof.Kinds.Ack, 0, nil); err != nil {
				return false, err
			}
		case s.cfg.OnFrame != nil:
			s.cfg.OnFrame(f)
		}

		if s.state != StateEstablished {
			return false, nil
		}
	}
}
