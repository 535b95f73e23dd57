// Package profile describes a peripheral type: which frame kinds it speaks,
// how its payloads are laid out, and the timing of its link protocol.
//
// A single protocol engine serves every body part. What differs between a
// vest, a glove or a leg unit is expressed here as data.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/beetlelink/core/batch"
	"github.com/kabili207/beetlelink/core/frame"
)

const (
	DefaultMaxAttempts      = 5
	DefaultInvalidThreshold = 5
	DefaultSequenceModulus  = 256
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultAckTimeout       = 200 * time.Millisecond
	DefaultSampleTimeout    = 500 * time.Millisecond
	DefaultPollTimeout      = 100 * time.Millisecond
)

var ErrInvalidProfile = errors.New("invalid device profile")

// Kinds maps protocol roles to the frame kind byte a peripheral uses.
// A zero Update or Sample kind means the peripheral does not use that role.
type Kinds struct {
	Hello    frame.Kind
	HelloAck frame.Kind
	Ack      frame.Kind
	Update   frame.Kind
	Sample   frame.Kind
}

// EventSpec describes a discrete event the peripheral reports.
type EventSpec struct {
	Kind frame.Kind
	// Action is the name the relay layer publishes the event under.
	Action string
	// HitOffset is the payload offset of a hit flag, or -1 if the event
	// carries none.
	HitOffset int
}

// UpdateRule selects which game-state fields the peripheral consumes.
type UpdateRule int

const (
	// UpdateNone means the peripheral receives no updates.
	UpdateNone UpdateRule = iota
	// UpdateVitals carries health, shield and a feedback action code.
	UpdateVitals
	// UpdateAmmo carries the bullet count and a reload flag.
	UpdateAmmo
)

func (r UpdateRule) String() string {
	switch r {
	case UpdateNone:
		return "none"
	case UpdateVitals:
		return "vitals"
	case UpdateAmmo:
		return "ammo"
	default:
		return "unknown"
	}
}

// Profile is a per-device-type descriptor.
type Profile struct {
	// Name identifies the device type (e.g. "vest").
	Name string

	// FrameSize is the total frame width in bytes.
	FrameSize int

	Kinds  Kinds
	Events []EventSpec

	// SequenceModulus is where outbound update sequence numbers wrap.
	// Peripheral firmware differs: some wrap at 100, some at 256.
	SequenceModulus int

	// BatchLength is the number of samples per motion batch. Zero when the
	// peripheral streams no samples.
	BatchLength int
	// StaleStartIndex drops samples that would start a batch at or above
	// this index. Zero disables it.
	StaleStartIndex int
	// MinSamples is how many real samples a batch needs to be published.
	MinSamples int

	Updates UpdateRule
	Layout  Layout

	// HelloFromEvents makes the handshake announce one past the last
	// accepted event sequence, so the peripheral can spot a stale session.
	// Otherwise HELLO carries sequence 0.
	HelloFromEvents bool

	MaxAttempts      int
	InvalidThreshold int
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	SampleTimeout    time.Duration
	PollTimeout      time.Duration
}

// ApplyDefaults fills zero-valued tunables with package defaults.
func (p *Profile) ApplyDefaults() {
	if p.FrameSize == 0 {
		p.FrameSize = frame.DefaultFrameSize
	}
	if p.SequenceModulus == 0 {
		p.SequenceModulus = DefaultSequenceModulus
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InvalidThreshold == 0 {
		p.InvalidThreshold = DefaultInvalidThreshold
	}
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if p.AckTimeout == 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.SampleTimeout == 0 {
		p.SampleTimeout = DefaultSampleTimeout
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = DefaultPollTimeout
	}
}

// Validate checks that the profile is internally consistent.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.FrameSize < frame.MinFrameSize || p.FrameSize > frame.MaxFrameSize {
		return fmt.Errorf("%w: %s: frame size %d out of range", ErrInvalidProfile, p.Name, p.FrameSize)
	}
	if p.SequenceModulus < 1 || p.SequenceModulus > 256 {
		return fmt.Errorf("%w: %s: sequence modulus %d out of range 1..256", ErrInvalidProfile, p.Name, p.SequenceModulus)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: %s: max attempts must be positive", ErrInvalidProfile, p.Name)
	}
	if p.InvalidThreshold < 1 {
		return fmt.Errorf("%w: %s: invalid-frame threshold must be positive", ErrInvalidProfile, p.Name)
	}

	payloadSize := p.PayloadSize()
	seen := make(map[frame.Kind]string)
	claim := func(k frame.Kind, role string) error {
		if prev, ok := seen[k]; ok {
			return fmt.Errorf("%w: %s: kind %v used for both %s and %s", ErrInvalidProfile, p.Name, k, prev, role)
		}
		seen[k] = role
		return nil
	}

	for _, r := range []struct {
		kind frame.Kind
		role string
	}{
		{p.Kinds.Hello, "hello"},
		{p.Kinds.HelloAck, "hello-ack"},
		{p.Kinds.Ack, "ack"},
	} {
		if r.kind == 0 {
			return fmt.Errorf("%w: %s: %s kind is required", ErrInvalidProfile, p.Name, r.role)
		}
		if err := claim(r.kind, r.role); err != nil {
			return err
		}
	}

	if p.Kinds.Update != 0 {
		if err := claim(p.Kinds.Update, "update"); err != nil {
			return err
		}
	}
	if p.Updates != UpdateNone && p.Kinds.Update == 0 {
		return fmt.Errorf("%w: %s: update rule %s needs an update kind", ErrInvalidProfile, p.Name, p.Updates)
	}
	if err := p.Layout.validate(payloadSize); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidProfile, p.Name, err)
	}

	if p.Kinds.Sample != 0 {
		if err := claim(p.Kinds.Sample, "sample"); err != nil {
			return err
		}
		if p.BatchLength < 1 {
			return fmt.Errorf("%w: %s: sample kind set but batch length is %d", ErrInvalidProfile, p.Name, p.BatchLength)
		}
		if payloadSize < batch.SampleSize {
			return fmt.Errorf("%w: %s: payload width %d cannot hold a %d-byte sample",
				ErrInvalidProfile, p.Name, payloadSize, batch.SampleSize)
		}
		if p.MinSamples > p.BatchLength {
			return fmt.Errorf("%w: %s: min samples %d exceeds batch length %d",
				ErrInvalidProfile, p.Name, p.MinSamples, p.BatchLength)
		}
	}

	for _, ev := range p.Events {
		if ev.Kind == 0 {
			return fmt.Errorf("%w: %s: event %q has no kind", ErrInvalidProfile, p.Name, ev.Action)
		}
		if err := claim(ev.Kind, "event "+ev.Action); err != nil {
			return err
		}
		if ev.HitOffset >= payloadSize {
			return fmt.Errorf("%w: %s: event %q hit offset %d outside payload", ErrInvalidProfile, p.Name, ev.Action, ev.HitOffset)
		}
	}

	return nil
}

// PayloadSize returns the payload width implied by FrameSize.
func (p *Profile) PayloadSize() int {
	return p.FrameSize - frame.HeaderSize - frame.IntegritySize
}

// Event looks up the event spec for a frame kind.
func (p *Profile) Event(kind frame.Kind) (EventSpec, bool) {
	for _, ev := range p.Events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return EventSpec{}, false
}

// HasSamples reports whether the peripheral streams motion samples.
func (p *Profile) HasSamples() bool {
	return p.Kinds.Sample != 0 && p.BatchLength > 0
}

// NextSequence advances a sequence number modulo the profile's modulus.
func (p *Profile) NextSequence(seq uint8) uint8 {
	return uint8((int(seq) + 1) % p.SequenceModulus)
}

// Clone returns a deep copy suitable for per-device overrides.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Events = append([]EventSpec(nil), p.Events...)
	c.Layout = p.Layout.clone()
	return &c
}
