package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/beetlelink/core/frame"
	"github.com/kabili207/beetlelink/core/profile"
	"github.com/kabili207/beetlelink/transport/pipe"
)

// fastGlove is the glove profile with timeouts shortened for tests.
func fastGlove() *profile.Profile {
	p := profile.Glove()
	p.HandshakeTimeout = 50 * time.Millisecond
	p.AckTimeout = 20 * time.Millisecond
	p.SampleTimeout = 30 * time.Millisecond
	p.PollTimeout = 10 * time.Millisecond
	return p
}

// peer is the peripheral end of a pipe link. Its reactions run inside the
// host's Write call.
type peer struct {
	t     *testing.T
	link  *pipe.Link
	codec *frame.Codec
	prof  *profile.Profile

	mu       sync.Mutex
	received []*frame.Frame
	react    func(f *frame.Frame)
}

func newPeer(t *testing.T, prof *profile.Profile) *peer {
	t.Helper()
	codec, err := frame.NewCodec(prof.FrameSize)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	p := &peer{
		t:     t,
		link:  pipe.New(pipe.Config{MTU: prof.FrameSize}),
		codec: codec,
		prof:  prof,
	}
	p.link.SetWriteHandler(p.onWrite)
	return p
}

func (p *peer) onWrite(data []byte) {
	f, err := p.codec.Decode(data)
	if err != nil {
		p.t.Errorf("host wrote an undecodable frame: %v", err)
		return
	}
	p.mu.Lock()
	p.received = append(p.received, f)
	react := p.react
	p.mu.Unlock()

	if react != nil {
		react(f)
	}
}

// onFrame installs the peripheral's reaction to host frames.
func (p *peer) onFrame(fn func(f *frame.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.react = fn
}

// send injects an encoded frame toward the host.
func (p *peer) send(kind frame.Kind, seq uint8, payload []byte) {
	p.t.Helper()
	data, err := p.codec.Encode(kind, seq, payload)
	if err != nil {
		p.t.Fatalf("Encode() error = %v", err)
	}
	if !p.link.InjectFrame(data) {
		p.t.Errorf("inject %v seq %d failed", kind, seq)
	}
}

// sendCorrupt injects a frame with a broken integrity byte.
func (p *peer) sendCorrupt() {
	data, _ := p.codec.Encode(profile.KindShoot, 1, nil)
	data[len(data)-1] ^= 0xFF
	p.link.InjectFrame(data)
}

// sent returns the host frames of the given kind.
func (p *peer) sent(kind frame.Kind) []*frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*frame.Frame
	for _, f := range p.received {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// acceptHandshake answers every HELLO with HELLO_ACK.
func (p *peer) acceptHandshake(next func(f *frame.Frame)) {
	p.onFrame(func(f *frame.Frame) {
		if f.Kind == p.prof.Kinds.Hello {
			p.send(p.prof.Kinds.HelloAck, 0, nil)
			return
		}
		if next != nil {
			next(f)
		}
	})
}

func connectedSession(t *testing.T, p *peer, onFrame FrameHandler) *Session {
	t.Helper()
	if err := p.link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s, err := NewSession(SessionConfig{
		Profile: p.prof,
		Link:    p.link,
		OnFrame: onFrame,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

// establishedSession returns a session that has completed its handshake.
func establishedSession(t *testing.T, p *peer, onFrame FrameHandler) *Session {
	t.Helper()
	p.acceptHandshake(nil)
	s := connectedSession(t, p, onFrame)
	if err := s.Handshake(context.Background(), 0); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	p.onFrame(nil)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
