// Package relay connects device queues to the game's message bus.
//
// Completed motion batches go to the gesture classifier, peripheral events
// and connectivity notices go to the game engine, and game-state
// broadcasts from the engine become updates for the peripherals that
// consume them. The broker itself sits behind the Publisher and Source
// interfaces; see the amqp and mqtt subpackages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kabili207/beetlelink/core/batch"
	"github.com/kabili207/beetlelink/core/profile"
	"github.com/kabili207/beetlelink/device/session"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is the forwarders' drain cadence.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultSourceRetryDelay is the pause before a failed source is
	// consumed again.
	DefaultSourceRetryDelay = time.Second
)

// ErrBadGameState is returned by HandleGameState for unparseable input.
var ErrBadGameState = errors.New("malformed game state")

// Destination selects where a published message goes.
type Destination int

const (
	// DestSamples receives IMU batches.
	DestSamples Destination = iota
	// DestEvents receives peripheral actions.
	DestEvents
	// DestStatus receives connectivity reports.
	DestStatus
)

func (d Destination) String() string {
	switch d {
	case DestSamples:
		return "samples"
	case DestEvents:
		return "events"
	case DestStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Publisher delivers serialized messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, dest Destination, body []byte) error
}

// Source delivers game-state broadcasts. Consume blocks until ctx is
// cancelled or the source fails.
type Source interface {
	Consume(ctx context.Context, handle func(body []byte)) error
}

// Device is the view of a peripheral the relay needs.
type Device interface {
	ID() string
	Profile() *profile.Profile
	Events() *session.Queue[session.Event]
	Batches() *session.Queue[*batch.Batch]
	Connectivity() *session.Queue[session.Connectivity]
	EnqueueUpdate(u profile.Update) error
	RequestStatus()
}

// Compile-time interface check.
var _ Device = (*session.Device)(nil)

// Config configures a Relay.
type Config struct {
	// PlayerID is the player wearing the peripherals.
	PlayerID int

	// Publisher receives outbound messages. Required.
	Publisher Publisher

	// Sources deliver game-state broadcasts. Optional.
	Sources []Source

	// PollInterval is how often device queues are drained.
	// Default: 100ms.
	PollInterval time.Duration

	// SourceRetryDelay is the pause before a failed source is consumed
	// again. Default: 1 second.
	SourceRetryDelay time.Duration

	// Logger for relay events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Stats counts relay traffic.
type Stats struct {
	Published     uint64
	PublishErrors uint64
	GameStates    uint64
	Updates       uint64
	SourceErrors  uint64
}

// Relay forwards between devices and the message bus.
type Relay struct {
	cfg     Config
	devices []Device
	log     *slog.Logger

	published     atomic.Uint64
	publishErrors atomic.Uint64
	gameStates    atomic.Uint64
	updates       atomic.Uint64
	sourceErrors  atomic.Uint64
}

// New creates a Relay for the given devices.
func New(cfg Config, devices ...Device) (*Relay, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("relay: publisher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SourceRetryDelay <= 0 {
		cfg.SourceRetryDelay = DefaultSourceRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:     cfg,
		devices: devices,
		log:     logger.WithGroup("relay"),
	}, nil
}

// Run starts the forwarders and sources. It blocks until ctx is cancelled
// and returns ctx.Err(). A failing source is logged and consumed again
// after SourceRetryDelay; it never stops the forwarders.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.forward(ctx, r.forwardBatches) })
	g.Go(func() error { return r.forward(ctx, r.forwardEvents) })
	g.Go(func() error { return r.forward(ctx, r.forwardStatus) })
	for i, src := range r.cfg.Sources {
		g.Go(func() error { return r.consume(ctx, i, src) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func (r *Relay) consume(ctx context.Context, index int, src Source) error {
	handle := func(body []byte) {
		if err := r.HandleGameState(body); err != nil {
			r.log.Warn("ignoring game state", "error", err)
		}
	}

	for {
		err := src.Consume(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.sourceErrors.Add(1)
		r.log.Warn("game-state source failed, retrying", "source", index, "error", err, "delay", r.cfg.SourceRetryDelay)

		timer := time.NewTimer(r.cfg.SourceRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns a snapshot of relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published:     r.published.Load(),
		PublishErrors: r.publishErrors.Load(),
		GameStates:    r.gameStates.Load(),
		Updates:       r.updates.Load(),
		SourceErrors:  r.sourceErrors.Load(),
	}
}

// HandleGameState applies one game-state broadcast: every device that
// consumes updates gets one, and a broadcast flagged "update" makes every
// device re-publish its connectivity.
func (r *Relay) HandleGameState(body []byte) error {
	var msg GameStateMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadGameState, err)
	}
	r.gameStates.Add(1)

	if msg.Update {
		for _, d := range r.devices {
			d.RequestStatus()
		}
	}

	for _, d := range r.devices {
		prof := d.Profile()
		if prof.Updates == profile.UpdateNone {
			continue
		}
		u, ok := Translate(prof.Updates, r.cfg.PlayerID, &msg)
		if !ok {
			continue
		}
		if err := d.EnqueueUpdate(u); err != nil {
			r.log.Warn("update not queued", "device", d.ID(), "error", err)
			continue
		}
		r.updates.Add(1)
	}
	return nil
}

// Flush drains every device queue once.
func (r *Relay) Flush(ctx context.Context) {
	r.forwardBatches(ctx)
	r.forwardEvents(ctx)
	r.forwardStatus(ctx)
}

func (r *Relay) forward(ctx context.Context, drain func(ctx context.Context)) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			drain(ctx)
		}
	}
}

func (r *Relay) forwardBatches(ctx context.Context) {
	for _, d := range r.devices {
		for _, b := range d.Batches().Drain() {
			r.publish(ctx, DestSamples, d, NewIMUMessage(b, r.cfg.PlayerID, d.Profile().Name))
		}
	}
}

func (r *Relay) forwardEvents(ctx context.Context) {
	for _, d := range r.devices {
		for _, ev := range d.Events().Drain() {
			msg := ActionMessage{
				Action:     true,
				ActionType: ev.Action,
				PlayerID:   r.cfg.PlayerID,
			}
			if ev.HasHit {
				hit := ev.Hit
				msg.Hit = &hit
			}
			r.publish(ctx, DestEvents, d, msg)
		}
	}
}

func (r *Relay) forwardStatus(ctx context.Context) {
	for _, d := range r.devices {
		for _, c := range d.Connectivity().Drain() {
			r.publish(ctx, DestStatus, d, NewStatusMessage(r.cfg.PlayerID, d.Profile().Name, c.Connected()))
		}
	}
}

func (r *Relay) publish(ctx context.Context, dest Destination, d Device, msg any) {
	body, err := json.Marshal(msg)
	if err != nil {
		r.publishErrors.Add(1)
		r.log.Error("encoding message", "dest", dest, "device", d.ID(), "error", err)
		return
	}
	if err := r.cfg.Publisher.Publish(ctx, dest, body); err != nil {
		r.publishErrors.Add(1)
		r.log.Warn("publish failed", "dest", dest, "device", d.ID(), "error", err)
		return
	}
	r.published.Add(1)
	r.log.Debug("published", "dest", dest, "device", d.ID(), "bytes", len(body))
}
