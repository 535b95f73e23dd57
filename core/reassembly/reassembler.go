// Package reassembly turns the arbitrarily sized byte chunks delivered by a
// radio link into validated fixed-width frames.
//
// The link fragments writes at its own granularity: one frame may arrive as
// several notifications, and several frames may arrive in one. The
// Reassembler buffers bytes until a full frame is present. When a frame
// fails its integrity check the whole buffer is discarded, because byte
// alignment can no longer be trusted.
package reassembly

import (
	"errors"

	"github.com/kabili207/beetlelink/core/frame"
)

// ErrFragmentPending is returned by Feed when the buffer does not yet hold a
// complete frame. The buffered bytes are kept for the next call.
var ErrFragmentPending = errors.New("fragment pending")

// Reassembler accumulates link chunks and yields decoded frames.
// It is not safe for concurrent use; each link owns one.
type Reassembler struct {
	codec    *frame.Codec
	buf      []byte
	counters Counters
}

// New creates a Reassembler for frames handled by the given codec.
func New(codec *frame.Codec) *Reassembler {
	return &Reassembler{
		codec: codec,
		buf:   make([]byte, 0, 2*codec.FrameSize()),
	}
}

// Feed appends chunk to the buffer and decodes every complete frame now
// available. Surplus bytes after the last full frame are retained.
//
// The returned error is ErrFragmentPending when no frame could be produced
// yet, or wraps frame.ErrIntegrity when a frame failed validation. In the
// integrity case the buffer has been cleared, and any frames decoded ahead
// of the corrupt one in the same call are still returned.
func (r *Reassembler) Feed(chunk []byte) ([]*frame.Frame, error) {
	r.counters.BytesRecv.Add(uint32(len(chunk)))
	r.buf = append(r.buf, chunk...)

	size := r.codec.FrameSize()
	if len(r.buf) < size {
		r.counters.Fragments.Add(1)
		return nil, ErrFragmentPending
	}

	var frames []*frame.Frame
	for len(r.buf) >= size {
		f, err := r.codec.Decode(r.buf[:size])
		if err != nil {
			r.counters.IntegrityErrors.Add(1)
			r.buf = r.buf[:0]
			return frames, err
		}
		r.counters.FramesRecv.Add(1)
		frames = append(frames, f)
		r.buf = r.buf[size:]
	}

	// Compact so the backing array does not grow without bound.
	if len(r.buf) > 0 {
		r.buf = append(make([]byte, 0, 2*size), r.buf...)
	} else {
		r.buf = r.buf[:0]
	}
	return frames, nil
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards all buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// Counters returns the reassembler's statistics counters.
func (r *Reassembler) Counters() *Counters {
	return &r.counters
}

// IsFragment reports whether err means more bytes are needed.
func IsFragment(err error) bool {
	return errors.Is(err, ErrFragmentPending)
}

// IsIntegrity reports whether err is a frame integrity failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, frame.ErrIntegrity)
}
