package session

import (
	"time"

	"github.com/kabili207/beetlelink/core/batch"
	"github.com/kabili207/beetlelink/core/dedupe"
	"github.com/kabili207/beetlelink/core/frame"
	"github.com/kabili207/beetlelink/core/profile"
)

// Route says what a dispatched frame turned out to be.
type Route int

const (
	// RouteIgnore is a frame that needs no action, such as a stray ACK.
	RouteIgnore Route = iota
	// RouteSample is a motion sample fed to the batch receiver.
	RouteSample
	// RouteEvent is a discrete peripheral event.
	RouteEvent
	// RouteHandshake is a HELLO_ACK outside a handshake wait.
	RouteHandshake
	// RouteInvalid is a frame of a kind the peripheral should not send, or
	// with an unreadable payload.
	RouteInvalid
)

func (r Route) String() string {
	switch r {
	case RouteIgnore:
		return "ignore"
	case RouteSample:
		return "sample"
	case RouteEvent:
		return "event"
	case RouteHandshake:
		return "handshake"
	case RouteInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Event is a discrete action reported by a peripheral.
type Event struct {
	// Action is the published name of the event (e.g. "gun").
	Action   string
	Kind     frame.Kind
	Sequence uint8
	// Hit is the event's hit flag. HasHit is false for events that carry
	// none.
	Hit    bool
	HasHit bool
	At     time.Time
}

// Reply is a frame to send back to the peripheral.
type Reply struct {
	Kind     frame.Kind
	Sequence uint8
}

// Result is the outcome of dispatching one frame.
type Result struct {
	Route Route
	// Reply, when set, must be written to the link.
	Reply *Reply
	// Event is set for an accepted event. Nil for a duplicate.
	Event     *Event
	Duplicate bool
	// Batch is set when a sample completed a publishable batch.
	Batch *batch.Batch
	// Discarded is true when a batch completed with too few samples.
	Discarded bool
}

// Dispatcher routes decoded frames by kind. It performs no I/O: replies
// and outputs are returned for the caller to apply. Its event history and
// partial batch outlive link sessions.
type Dispatcher struct {
	prof     *profile.Profile
	filter   *dedupe.EventFilter
	receiver *batch.Receiver
	counters *Counters

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewDispatcher creates a dispatcher for a validated profile. counters may
// be nil.
func NewDispatcher(prof *profile.Profile, counters *Counters) *Dispatcher {
	if counters == nil {
		counters = &Counters{}
	}
	d := &Dispatcher{
		prof:     prof,
		filter:   dedupe.New(),
		counters: counters,
		nowFn:    time.Now,
	}
	if prof.HasSamples() {
		d.receiver = batch.NewReceiver(batch.Config{
			Length:          prof.BatchLength,
			IdleTimeout:     prof.SampleTimeout,
			StaleStartIndex: prof.StaleStartIndex,
		})
	}
	return d
}

// Dispatch routes one frame.
//
// Every event is acknowledged with its own sequence, repeats included, so
// the peripheral stops retransmitting; only the first delivery is
// reported. A HELLO_ACK is answered with ACK(0).
func (d *Dispatcher) Dispatch(f *frame.Frame) Result {
	k := d.prof.Kinds

	switch {
	case k.Sample != 0 && f.Kind == k.Sample && d.receiver != nil:
		return d.sample(f)
	case f.Kind == k.HelloAck:
		return Result{Route: RouteHandshake, Reply: &Reply{Kind: k.Ack, Sequence: 0}}
	case f.Kind == k.Ack:
		return Result{Route: RouteIgnore}
	}

	if spec, ok := d.prof.Event(f.Kind); ok {
		return d.event(spec, f)
	}

	d.counters.InvalidFrames.Add(1)
	return Result{Route: RouteInvalid}
}

func (d *Dispatcher) event(spec profile.EventSpec, f *frame.Frame) Result {
	res := Result{
		Route: RouteEvent,
		Reply: &Reply{Kind: d.prof.Kinds.Ack, Sequence: f.Sequence},
	}
	if !d.filter.Accept(f.Kind, f.Sequence) {
		d.counters.DuplicateEvents.Add(1)
		res.Duplicate = true
		return res
	}

	ev := &Event{
		Action:   spec.Action,
		Kind:     f.Kind,
		Sequence: f.Sequence,
		At:       d.nowFn(),
	}
	if spec.HitOffset >= 0 && spec.HitOffset < len(f.Payload) {
		ev.HasHit = true
		ev.Hit = f.Payload[spec.HitOffset] != 0
	}
	d.counters.Events.Add(1)
	res.Event = ev
	return res
}

func (d *Dispatcher) sample(f *frame.Frame) Result {
	s, err := batch.DecodeSample(f.Payload)
	if err != nil {
		d.counters.InvalidFrames.Add(1)
		return Result{Route: RouteInvalid}
	}
	res := Result{Route: RouteSample}
	d.publish(&res, d.receiver.OnSample(int(f.Sequence), s))
	return res
}

// Idle force-completes a stalled batch. It returns nil when no batch was
// due or the batch had too few samples to publish.
func (d *Dispatcher) Idle() *batch.Batch {
	if d.receiver == nil {
		return nil
	}
	var res Result
	d.publish(&res, d.receiver.OnIdle())
	return res.Batch
}

// Deadline returns when the batch in progress will be force-completed.
func (d *Dispatcher) Deadline() (time.Time, bool) {
	if d.receiver == nil {
		return time.Time{}, false
	}
	return d.receiver.Deadline()
}

// ResetBatch discards any partial batch.
func (d *Dispatcher) ResetBatch() {
	if d.receiver != nil {
		d.receiver.Reset()
	}
}

// HelloSequence returns the sequence to announce in the next HELLO. It is
// one past the latest accepted event as a plain byte; the update modulus
// does not apply.
func (d *Dispatcher) HelloSequence() uint8 {
	if !d.prof.HelloFromEvents {
		return 0
	}
	last, ok := d.filter.Latest()
	if !ok {
		return 0
	}
	return last + 1
}

func (d *Dispatcher) publish(res *Result, b *batch.Batch) {
	if b == nil {
		return
	}
	if b.Received < d.prof.MinSamples {
		d.counters.BatchesDiscarded.Add(1)
		res.Discarded = true
		return
	}
	d.counters.BatchesCompleted.Add(1)
	if b.Forced {
		d.counters.BatchesForced.Add(1)
	}
	res.Batch = b
}
