// Package frame implements the fixed-width frame format exchanged with
// wearable peripherals over the radio link.
//
// Every frame has the same total width for a given deployment:
//
//	[kind (1)][sequence (1)][payload (width-3, zero padded)][CRC-8 (1)]
//
// The CRC-8 covers kind, sequence and payload. Multi-byte payload fields are
// little-endian; their layout depends on the frame kind and is defined by
// the device profile, not by this package.
package frame

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// DefaultFrameSize is the frame width used by the deployed peripherals.
	DefaultFrameSize = 20
	// HeaderSize is the size of the kind and sequence bytes.
	HeaderSize = 2
	// IntegritySize is the size of the trailing CRC-8 byte.
	IntegritySize = 1
	// MinFrameSize is the smallest frame width with a non-empty payload.
	MinFrameSize = HeaderSize + 1 + IntegritySize
	// MaxFrameSize bounds the frame width to something a BLE characteristic
	// or UART bridge can carry in a single write.
	MaxFrameSize = 255
)

var (
	ErrInvalidFrameSize = errors.New("invalid frame size")
	ErrPayloadTooLarge  = errors.New("payload exceeds frame payload width")
	ErrFrameTooShort    = errors.New("frame too short")
	ErrIntegrity        = errors.New("frame integrity check failed")
)

// Kind identifies the meaning of a frame. The firmware uses printable ASCII
// letters, but any byte value is accepted.
type Kind byte

// String returns the kind as a character when printable, otherwise as hex.
func (k Kind) String() string {
	if k >= 0x21 && k <= 0x7E {
		return string(rune(k))
	}
	return "0x" + strconv.FormatUint(uint64(k), 16)
}

// Frame is one decoded protocol message.
type Frame struct {
	Kind     Kind
	Sequence uint8
	// Payload always has exactly the codec's payload width.
	Payload []byte
}

// Codec encodes and decodes frames of a fixed total width.
type Codec struct {
	size int
}

// NewCodec creates a codec for frames of the given total width.
func NewCodec(frameSize int) (*Codec, error) {
	if frameSize < MinFrameSize || frameSize > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d (must be %d..%d)",
			ErrInvalidFrameSize, frameSize, MinFrameSize, MaxFrameSize)
	}
	return &Codec{size: frameSize}, nil
}

// FrameSize returns the total frame width in bytes.
func (c *Codec) FrameSize() int {
	return c.size
}

// PayloadSize returns the payload width in bytes.
func (c *Codec) PayloadSize() int {
	return c.size - HeaderSize - IntegritySize
}

// Encode builds a frame from its parts. Payloads shorter than the payload
// width are zero padded; longer payloads are rejected.
func (c *Codec) Encode(kind Kind, sequence uint8, payload []byte) ([]byte, error) {
	if len(payload) > c.PayloadSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.PayloadSize())
	}

	data := make([]byte, c.size)
	data[0] = byte(kind)
	data[1] = sequence
	copy(data[HeaderSize:], payload)

	crcOffset := c.size - IntegritySize
	data[crcOffset] = CRC8(data[:crcOffset])
	return data, nil
}

// EncodeFrame is Encode for an already assembled Frame.
func (c *Codec) EncodeFrame(f *Frame) ([]byte, error) {
	return c.Encode(f.Kind, f.Sequence, f.Payload)
}

// Decode validates and decodes the first FrameSize bytes of data. Bytes
// beyond the frame width are ignored. On integrity failure no frame is
// returned.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	if len(data) < c.size {
		return nil, fmt.Errorf("%w: %d < %d", ErrFrameTooShort, len(data), c.size)
	}

	crcOffset := c.size - IntegritySize
	received := data[crcOffset]
	if !ValidateCRC8(data[:crcOffset], received) {
		return nil, fmt.Errorf("%w: expected %02x, got %02x",
			ErrIntegrity, CRC8(data[:crcOffset]), received)
	}

	f := &Frame{
		Kind:     Kind(data[0]),
		Sequence: data[1],
		Payload:  make([]byte, c.PayloadSize()),
	}
	copy(f.Payload, data[HeaderSize:crcOffset])
	return f, nil
}
