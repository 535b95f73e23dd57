package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/beetlelink/core/batch"
	"github.com/kabili207/beetlelink/core/frame"
	"github.com/kabili207/beetlelink/core/profile"
	"github.com/kabili207/beetlelink/core/reassembly"
	"github.com/kabili207/beetlelink/transport"
)

const (
	// DefaultReconnectDelay is the pause between link connection attempts.
	DefaultReconnectDelay = time.Second
	// DefaultHandshakeRetryDelay is the pause between failed handshakes.
	DefaultHandshakeRetryDelay = 100 * time.Millisecond
	// DefaultDegradedHandshakes is how many consecutive handshake failures
	// mark the link degraded.
	DefaultDegradedHandshakes = 5
	// DefaultDegradedDeliveries is how many consecutive delivery failures
	// mark the link degraded.
	DefaultDegradedDeliveries = 3
)

// ErrUpdatesUnsupported is returned by EnqueueUpdate for peripherals that
// take no updates.
var ErrUpdatesUnsupported = errors.New("device takes no updates")

// LinkState is the connectivity of a device as seen by the game.
type LinkState int

const (
	// LinkDown means no established session.
	LinkDown LinkState = iota
	// LinkUp means a handshake has completed on the current connection.
	LinkUp
	// LinkDegraded means handshakes or deliveries keep failing.
	LinkDegraded
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkUp:
		return "up"
	case LinkDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Connectivity is a connectivity-change notice.
type Connectivity struct {
	State LinkState
	At    time.Time
}

// Connected reports whether the notice means the device is usable.
func (c Connectivity) Connected() bool {
	return c.State == LinkUp
}

// Config configures a Device.
type Config struct {
	// ID names the device in logs and relay messages. Required.
	ID string

	// Profile describes the peripheral. Required. Zero tunables are
	// defaulted.
	Profile *profile.Profile

	// Link is the transport to the peripheral. Required.
	Link transport.Link

	// ReconnectDelay is the pause between connection attempts.
	// Default: 1 second.
	ReconnectDelay time.Duration

	// HandshakeRetryDelay is the pause after a failed handshake.
	// Default: 100ms.
	HandshakeRetryDelay time.Duration

	// QueueSize is the capacity of each queue. Default: 64.
	QueueSize int

	// DegradedHandshakes and DegradedDeliveries set the consecutive
	// failure counts that mark the link degraded. Defaults: 5 and 3.
	DegradedHandshakes int
	DegradedDeliveries int

	// IgnoreFragments is passed to each Session.
	IgnoreFragments bool

	// OnLinkState is called on link connect and disconnect. Optional.
	OnLinkState transport.StateHandler

	// Logger for device events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Device supervises one peripheral across link connections. Run drives
// the protocol; every other method is safe to call from other goroutines.
type Device struct {
	cfg        Config
	prof       *profile.Profile
	log        *slog.Logger
	asm        *reassembly.Reassembler
	dispatcher *Dispatcher
	counters   Counters

	updates      *Queue[profile.Update]
	events       *Queue[Event]
	batches      *Queue[*batch.Batch]
	connectivity *Queue[Connectivity]

	mu    sync.Mutex
	state LinkState

	// Owned by the Run goroutine.
	updateSeq       uint8
	handshakeFails  int
	deliveryFails   int
	connectedBefore bool

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Device. The profile is cloned, so the caller's copy may be
// reused.
func New(cfg Config) (*Device, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: device id is required", profile.ErrInvalidProfile)
	}
	if cfg.Profile == nil || cfg.Link == nil {
		return nil, fmt.Errorf("%w: %s: profile and link are required", profile.ErrInvalidProfile, cfg.ID)
	}
	prof := cfg.Profile.Clone()
	prof.ApplyDefaults()
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	codec, err := frame.NewCodec(prof.FrameSize)
	if err != nil {
		return nil, err
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeRetryDelay <= 0 {
		cfg.HandshakeRetryDelay = DefaultHandshakeRetryDelay
	}
	if cfg.DegradedHandshakes <= 0 {
		cfg.DegradedHandshakes = DefaultDegradedHandshakes
	}
	if cfg.DegradedDeliveries <= 0 {
		cfg.DegradedDeliveries = DefaultDegradedDeliveries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{
		cfg:          cfg,
		prof:         prof,
		log:          logger.WithGroup("device").With("device", cfg.ID, "type", prof.Name),
		asm:          reassembly.New(codec),
		updates:      NewQueue[profile.Update](cfg.QueueSize),
		events:       NewQueue[Event](cfg.QueueSize),
		batches:      NewQueue[*batch.Batch](cfg.QueueSize),
		connectivity: NewQueue[Connectivity](cfg.QueueSize),
		nowFn:        time.Now,
	}
	d.dispatcher = NewDispatcher(prof, &d.counters)
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.cfg.ID
}

// Profile returns the device's effective profile. It must not be modified.
func (d *Device) Profile() *profile.Profile {
	return d.prof
}

// Events returns the queue of accepted peripheral events.
func (d *Device) Events() *Queue[Event] {
	return d.events
}

// Batches returns the queue of completed sample batches.
func (d *Device) Batches() *Queue[*batch.Batch] {
	return d.batches
}

// Connectivity returns the queue of connectivity-change notices.
func (d *Device) Connectivity() *Queue[Connectivity] {
	return d.connectivity
}

// PendingUpdates returns the number of queued outbound updates.
func (d *Device) PendingUpdates() int {
	return d.updates.Len()
}

// EnqueueUpdate queues a game-state update for delivery.
func (d *Device) EnqueueUpdate(u profile.Update) error {
	if d.prof.Updates == profile.UpdateNone {
		return fmt.Errorf("%w: %s", ErrUpdatesUnsupported, d.cfg.ID)
	}
	if !d.updates.Push(u) {
		d.log.Warn("update queue full, dropped oldest update")
	}
	return nil
}

// State returns the current connectivity state.
func (d *Device) State() LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RequestStatus re-publishes the current connectivity state.
func (d *Device) RequestStatus() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectivity.Push(Connectivity{State: d.state, At: d.nowFn()})
}

// Stats returns a snapshot of the device's link and protocol statistics.
func (d *Device) Stats() Stats {
	return Stats{
		Link:    d.asm.Counters().Snapshot(),
		Session: d.counters.Snapshot(),
	}
}

// Run drives the peripheral until ctx is cancelled: connect, serve the
// session, tear down, wait, reconnect. It returns ctx.Err().
func (d *Device) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.cfg.Link.Connect(ctx); err != nil {
			d.log.Debug("connect failed", "error", err)
			d.fireLinkState(transport.EventError)
			if !d.sleep(ctx, d.cfg.ReconnectDelay, nil) {
				return ctx.Err()
			}
			continue
		}
		if d.connectedBefore {
			d.counters.Reconnects.Add(1)
		}
		d.connectedBefore = true
		d.log.Info("link connected")
		d.fireLinkState(transport.EventConnected)

		err := d.serve(ctx)

		d.cfg.Link.Close()
		d.dispatcher.ResetBatch()
		d.setState(LinkDown)
		d.fireLinkState(transport.EventDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Warn("link lost", "error", err)
		d.fireLinkState(transport.EventReconnecting)
		if !d.sleep(ctx, d.cfg.ReconnectDelay, nil) {
			return ctx.Err()
		}
	}
}

// serve runs the handshake-or-service loop on one connection until the
// link drops or ctx is cancelled.
func (d *Device) serve(ctx context.Context) error {
	var s *Session
	s, err := NewSession(SessionConfig{
		Profile:         d.prof,
		Link:            d.cfg.Link,
		Reassembler:     d.asm,
		Counters:        &d.counters,
		OnFrame:         func(f *frame.Frame) { d.handle(s, f) },
		IgnoreFragments: d.cfg.IgnoreFragments,
		Logger:          d.log,
	})
	if err != nil {
		return err
	}
	done := d.cfg.Link.Done()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.State() == StateAwaitingHandshake {
			if err := d.handshake(ctx, s); err != nil {
				return err
			}
			continue
		}

		if u, ok := d.updates.Pop(); ok {
			if err := d.deliver(ctx, s, u); err != nil {
				return err
			}
			continue
		}

		timeout := d.prof.PollTimeout
		if deadline, ok := d.dispatcher.Deadline(); ok {
			timeout = min(timeout, max(deadline.Sub(d.nowFn()), time.Millisecond))
		}
		f, err := s.Poll(ctx, timeout, d.updates.Signal())
		if err != nil {
			return err
		}
		if f != nil {
			d.handle(s, f)
		}
		d.checkIdle()

		select {
		case <-done:
			return transport.ErrLinkDisconnected
		default:
		}
	}
}

// handshake runs one handshake attempt. It returns an error only when the
// session cannot continue.
func (d *Device) handshake(ctx context.Context, s *Session) error {
	seq := d.dispatcher.HelloSequence()
	err := s.Handshake(ctx, seq)
	if err == nil {
		d.handshakeFails = 0
		d.deliveryFails = 0
		d.log.Info("handshake complete", "hello_seq", seq)
		d.setState(LinkUp)
		return nil
	}
	if !errors.Is(err, ErrHandshakeTimeout) && !errors.Is(err, ErrHandshakeRejected) {
		return err
	}

	d.handshakeFails++
	d.log.Debug("handshake failed", "error", err, "consecutive", d.handshakeFails)
	if d.handshakeFails >= d.cfg.DegradedHandshakes {
		d.degrade("handshake")
	}
	if !d.sleep(ctx, d.cfg.HandshakeRetryDelay, d.cfg.Link.Done()) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.ErrLinkDisconnected
	}
	return nil
}

// deliver sends one update. A failed update goes back to the head of the
// queue unless a newer one is already waiting.
func (d *Device) deliver(ctx context.Context, s *Session, u profile.Update) error {
	payload, err := d.prof.Layout.Encode(u, d.prof.PayloadSize())
	if err != nil {
		d.log.Error("dropping unencodable update", "error", err)
		return nil
	}

	seq := d.updateSeq
	err = s.SendReliable(ctx, d.prof.Kinds.Update, seq, payload)
	if err == nil {
		d.updateSeq = d.prof.NextSequence(seq)
		d.deliveryFails = 0
		if d.State() == LinkDegraded {
			d.setState(LinkUp)
		}
		d.log.Debug("update delivered", "seq", seq)
		return nil
	}

	requeued := d.updates.Requeue(u)
	if !errors.Is(err, ErrDeliveryFailed) {
		return err
	}

	d.deliveryFails++
	d.log.Warn("update not delivered", "error", err, "requeued", requeued, "consecutive", d.deliveryFails)
	if d.deliveryFails >= d.cfg.DegradedDeliveries {
		d.degrade("delivery")
	}
	return nil
}

// handle applies the dispatch result of an inbound frame.
func (d *Device) handle(s *Session, f *frame.Frame) {
	res := d.dispatcher.Dispatch(f)
	if res.Reply != nil {
		if err := s.WriteFrame(res.Reply.Kind, res.Reply.Sequence, nil); err != nil {
			d.log.Debug("reply not sent", "error", err)
		}
	}

	switch res.Route {
	case RouteInvalid:
		d.log.Debug("unexpected frame", "kind", f.Kind, "seq", f.Sequence)
		s.NoteInvalid()
	case RouteEvent:
		if res.Event != nil {
			d.log.Info("event", "action", res.Event.Action, "seq", res.Event.Sequence, "hit", res.Event.Hit)
			d.events.Push(*res.Event)
		}
	case RouteSample:
		d.pushBatch(res.Batch, res.Discarded)
	}
}

func (d *Device) checkIdle() {
	d.pushBatch(d.dispatcher.Idle(), false)
}

func (d *Device) pushBatch(b *batch.Batch, discarded bool) {
	if discarded {
		d.log.Debug("batch discarded, too few samples")
	}
	if b == nil {
		return
	}
	d.log.Info("batch complete", "received", b.Received, "padded", b.Padded, "forced", b.Forced)
	if !d.batches.Push(b) {
		d.log.Warn("batch queue full, dropped oldest batch")
	}
}

func (d *Device) degrade(reason string) {
	if d.State() == LinkDegraded {
		return
	}
	d.log.Warn("link degraded", "reason", reason)
	d.setState(LinkDegraded)
}

// setState records a connectivity change and publishes it. Repeated states
// are not published.
func (d *Device) setState(state LinkState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == state {
		return
	}
	d.state = state
	d.connectivity.Push(Connectivity{State: state, At: d.nowFn()})
}

func (d *Device) fireLinkState(ev transport.Event) {
	if d.cfg.OnLinkState != nil {
		d.cfg.OnLinkState(d.cfg.Link, ev)
	}
}

// sleep waits for dur. It returns false if ctx is cancelled or stop fires
// first.
func (d *Device) sleep(ctx context.Context, dur time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
