package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/beetlelink/core/batch"
	"github.com/kabili207/beetlelink/core/profile"
	"github.com/kabili207/beetlelink/device/session"
	"github.com/kabili207/beetlelink/transport/pipe"
)

type published struct {
	dest Destination
	body []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, dest Destination, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{dest, append([]byte(nil), body...)})
	return nil
}

func (p *fakePublisher) to(dest Destination) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, m := range p.msgs {
		if m.dest == dest {
			out = append(out, m.body)
		}
	}
	return out
}

func newDevice(t *testing.T, id string, prof *profile.Profile) *session.Device {
	t.Helper()
	d, err := session.New(session.Config{ID: id, Profile: prof, Link: pipe.New(pipe.Config{})})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return d
}

func newRelay(t *testing.T, pub Publisher, devices ...Device) *Relay {
	t.Helper()
	r, err := New(Config{PlayerID: 1, Publisher: pub}, devices...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestNew_RequiresPublisher(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without publisher")
	}
}

func TestFlush_Batch(t *testing.T) {
	pub := &fakePublisher{}
	glove := newDevice(t, "glove-1", profile.Glove())
	r := newRelay(t, pub, glove)

	b := &batch.Batch{Samples: []batch.Sample{{1, 2, 3, 4, 5, 6}, {7, 8, 9, 10, 11, 12}}}
	glove.Batches().Push(b)
	r.Flush(context.Background())

	msgs := pub.to(DestSamples)
	if len(msgs) != 1 {
		t.Fatalf("sample messages = %d, want 1", len(msgs))
	}
	var got IMUMessage
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.IMUDevice != "glove" || got.PlayerID != 1 {
		t.Errorf("header = %q player %d", got.IMUDevice, got.PlayerID)
	}
	if len(got.AX) != 2 || got.AX[1] != 7 || got.GZ[0] != 6 {
		t.Errorf("channels = %+v", got)
	}
}

func TestFlush_Events(t *testing.T) {
	pub := &fakePublisher{}
	glove := newDevice(t, "glove-1", profile.Glove())
	leg := newDevice(t, "leg-1", profile.Leg())
	r := newRelay(t, pub, glove, leg)

	glove.Events().Push(session.Event{Action: "gun", HasHit: true, Hit: false})
	leg.Events().Push(session.Event{Action: "soccer"})
	r.Flush(context.Background())

	msgs := pub.to(DestEvents)
	if len(msgs) != 2 {
		t.Fatalf("event messages = %d, want 2", len(msgs))
	}
	var gun, kick map[string]any
	json.Unmarshal(msgs[0], &gun)
	json.Unmarshal(msgs[1], &kick)

	if gun["action_type"] != "gun" || gun["hit"] != false || gun["action"] != true {
		t.Errorf("gun message = %v", gun)
	}
	if _, ok := kick["hit"]; ok {
		t.Errorf("soccer message should carry no hit flag: %v", kick)
	}
	if kick["player_id"] != float64(1) {
		t.Errorf("soccer player_id = %v", kick["player_id"])
	}
}

func TestFlush_Status(t *testing.T) {
	pub := &fakePublisher{}
	vest := newDevice(t, "vest-1", profile.Vest())
	r := newRelay(t, pub, vest)

	vest.Connectivity().Push(session.Connectivity{State: session.LinkUp})
	vest.Connectivity().Push(session.Connectivity{State: session.LinkDegraded})
	r.Flush(context.Background())

	msgs := pub.to(DestStatus)
	if len(msgs) != 2 {
		t.Fatalf("status messages = %d, want 2", len(msgs))
	}
	for i, want := range []bool{true, false} {
		var got StatusMessage
		if err := json.Unmarshal(msgs[i], &got); err != nil {
			t.Fatal(err)
		}
		if !got.Update || got.GameState["p1"]["vest_connected"] != want {
			t.Errorf("status %d = %+v, want vest_connected %v", i, got, want)
		}
	}
}

func TestFlush_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	leg := newDevice(t, "leg-1", profile.Leg())
	r := newRelay(t, pub, leg)

	leg.Events().Push(session.Event{Action: "soccer"})
	r.Flush(context.Background())

	if s := r.Stats(); s.PublishErrors != 1 || s.Published != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestHandleGameState_Updates(t *testing.T) {
	pub := &fakePublisher{}
	vest := newDevice(t, "vest-1", profile.Vest())
	glove := newDevice(t, "glove-1", profile.Glove())
	leg := newDevice(t, "leg-1", profile.Leg())
	r := newRelay(t, pub, vest, glove, leg)

	body := []byte(`{
		"game_state": {
			"p1": {"hp": 80, "shield_hp": 20, "bullets": 4},
			"p2": {"hp": 100, "shield_hp": 0, "bullets": 6}
		},
		"action": "reload",
		"player_id": 1
	}`)
	if err := r.HandleGameState(body); err != nil {
		t.Fatalf("HandleGameState() error = %v", err)
	}

	if vest.PendingUpdates() != 1 || glove.PendingUpdates() != 1 {
		t.Errorf("pending updates vest=%d glove=%d, want 1 each", vest.PendingUpdates(), glove.PendingUpdates())
	}
	if s := r.Stats(); s.GameStates != 1 || s.Updates != 2 {
		t.Errorf("Stats() = %+v", s)
	}
	if vest.Connectivity().Len() != 0 {
		t.Error("no status should be requested without the update flag")
	}
}

func TestHandleGameState_StatusRequest(t *testing.T) {
	pub := &fakePublisher{}
	vest := newDevice(t, "vest-1", profile.Vest())
	leg := newDevice(t, "leg-1", profile.Leg())
	r := newRelay(t, pub, vest, leg)

	if err := r.HandleGameState([]byte(`{"game_state": {}, "update": true}`)); err != nil {
		t.Fatal(err)
	}
	r.Flush(context.Background())

	msgs := pub.to(DestStatus)
	if len(msgs) != 2 {
		t.Fatalf("status messages = %d, want 2", len(msgs))
	}
	var legStatus StatusMessage
	json.Unmarshal(msgs[1], &legStatus)
	if connected, ok := legStatus.GameState["p1"]["leg_connected"]; !ok || connected {
		t.Errorf("leg status = %+v, want leg_connected false", legStatus)
	}
}

func TestHandleGameState_Malformed(t *testing.T) {
	r := newRelay(t, &fakePublisher{})
	if err := r.HandleGameState([]byte("{not json")); !errors.Is(err, ErrBadGameState) {
		t.Errorf("HandleGameState() error = %v, want %v", err, ErrBadGameState)
	}
}

type fakeSource struct {
	bodies [][]byte
}

func (s *fakeSource) Consume(ctx context.Context, handle func(body []byte)) error {
	for _, b := range s.bodies {
		handle(b)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_ForwardsAndConsumes(t *testing.T) {
	pub := &fakePublisher{}
	glove := newDevice(t, "glove-1", profile.Glove())
	src := &fakeSource{bodies: [][]byte{[]byte(`{"game_state": {"p1": {"bullets": 2}}}`)}}
	r, err := New(Config{PlayerID: 1, Publisher: pub, Sources: []Source{src}, PollInterval: 5 * time.Millisecond}, glove)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	glove.Events().Push(session.Event{Action: "gun", HasHit: true, Hit: true})
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.to(DestEvents)) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}
	if len(pub.to(DestEvents)) != 1 {
		t.Errorf("event messages = %d, want 1", len(pub.to(DestEvents)))
	}
	if glove.PendingUpdates() != 1 {
		t.Errorf("PendingUpdates() = %d, want 1", glove.PendingUpdates())
	}
}

// flakySource fails its first failures calls, then behaves like fakeSource.
type flakySource struct {
	mu       sync.Mutex
	failures int
	calls    int
	body     []byte
}

func (s *flakySource) Consume(ctx context.Context, handle func(body []byte)) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("consumer closed")
	}
	handle(s.body)
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_SourceFailureIsContained(t *testing.T) {
	pub := &fakePublisher{}
	glove := newDevice(t, "glove-1", profile.Glove())
	src := &flakySource{failures: 2, body: []byte(`{"game_state": {"p1": {"bullets": 3}}}`)}
	r, err := New(Config{
		PlayerID:         1,
		Publisher:        pub,
		Sources:          []Source{src},
		PollInterval:     5 * time.Millisecond,
		SourceRetryDelay: 5 * time.Millisecond,
	}, glove)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for glove.PendingUpdates() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if glove.PendingUpdates() != 1 {
		t.Fatalf("PendingUpdates() = %d, want 1 after the source recovered", glove.PendingUpdates())
	}

	select {
	case err := <-done:
		t.Fatalf("Run() returned %v while its context was live", err)
	default:
	}

	// Forwarders keep running after the source failures.
	glove.Events().Push(session.Event{Action: "gun", HasHit: true, Hit: true})
	for len(pub.to(DestEvents)) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if len(pub.to(DestEvents)) != 1 {
		t.Errorf("event messages = %d, want 1", len(pub.to(DestEvents)))
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}
	if got := r.Stats().SourceErrors; got != 2 {
		t.Errorf("SourceErrors = %d, want 2", got)
	}
}
