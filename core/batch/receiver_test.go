package batch

import (
	"testing"
	"time"
)

func sample(v int16) Sample {
	return Sample{v, v + 1, v + 2, -v, -v - 1, -v - 2}
}

func newTestReceiver(cfg Config) (*Receiver, *time.Time) {
	r := NewReceiver(cfg)
	now := time.Now()
	r.nowFn = func() time.Time { return now }
	return r, &now
}

func TestNewReceiver_Defaults(t *testing.T) {
	r := NewReceiver(Config{Length: 40})

	if r.cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("default IdleTimeout = %v, want %v", r.cfg.IdleTimeout, DefaultIdleTimeout)
	}
	if r.Length() != 40 {
		t.Errorf("Length() = %d, want 40", r.Length())
	}
	if r.Active() {
		t.Error("new receiver should not be active")
	}
}

func TestOnSample_CompleteInOrder(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 4})

	for i := range 3 {
		if b := r.OnSample(i, sample(int16(i))); b != nil {
			t.Fatalf("batch completed early at index %d", i)
		}
	}
	b := r.OnSample(3, sample(3))
	if b == nil {
		t.Fatal("expected batch to complete at last index")
	}
	if b.Forced {
		t.Error("batch completed by last index should not be forced")
	}
	if b.Received != 4 {
		t.Errorf("Received = %d, want 4", b.Received)
	}
	for i, s := range b.Samples {
		if s != sample(int16(i)) {
			t.Errorf("slot %d = %v, want %v", i, s, sample(int16(i)))
		}
	}
	if r.Active() {
		t.Error("receiver should be idle after completion")
	}
}

func TestOnSample_GapFill(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 4})

	r.OnSample(0, sample(10))
	r.OnSample(1, sample(20))
	b := r.OnSample(3, sample(40))
	if b == nil {
		t.Fatal("expected batch to complete after index 3")
	}

	if b.Samples[2] != b.Samples[1] {
		t.Errorf("slot 2 = %v, want copy of slot 1 %v", b.Samples[2], b.Samples[1])
	}
	if b.Samples[3] != sample(40) {
		t.Errorf("slot 3 = %v, want %v", b.Samples[3], sample(40))
	}
	if b.Received != 3 {
		t.Errorf("Received = %d, want 3", b.Received)
	}
}

func TestOnSample_GapFillThenIdle(t *testing.T) {
	r, now := newTestReceiver(Config{Length: 5, IdleTimeout: 100 * time.Millisecond})

	r.OnSample(0, sample(1))
	r.OnSample(1, sample(2))
	r.OnSample(3, sample(4))

	*now = now.Add(150 * time.Millisecond)
	b := r.OnIdle()
	if b == nil {
		t.Fatal("expected idle timeout to complete the batch")
	}
	if b.Samples[2] != sample(2) {
		t.Errorf("slot 2 = %v, want %v", b.Samples[2], sample(2))
	}
	if b.Samples[4] != sample(4) {
		t.Errorf("slot 4 = %v, want padded %v", b.Samples[4], sample(4))
	}
	if !b.Forced || b.Padded != 1 {
		t.Errorf("Forced = %v, Padded = %d, want true, 1", b.Forced, b.Padded)
	}
}

func TestOnSample_FirstIndexNonZero(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 4})

	r.OnSample(2, sample(7))
	if r.Expected() != 3 {
		t.Fatalf("Expected() = %d, want 3", r.Expected())
	}
	b := r.OnSample(3, sample(8))
	if b == nil {
		t.Fatal("expected completion")
	}
	if b.Samples[0] != sample(7) || b.Samples[1] != sample(7) {
		t.Errorf("leading slots = %v, %v, want copies of the first sample", b.Samples[0], b.Samples[1])
	}
}

func TestOnSample_IndexZeroRestarts(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 4})

	r.OnSample(0, sample(1))
	r.OnSample(1, sample(2))
	r.OnSample(0, sample(100))

	if r.Expected() != 1 {
		t.Fatalf("Expected() = %d, want 1 after restart", r.Expected())
	}
	r.OnSample(1, sample(101))
	r.OnSample(2, sample(102))
	b := r.OnSample(3, sample(103))
	if b == nil {
		t.Fatal("expected completion")
	}
	if b.Samples[0] != sample(100) {
		t.Errorf("slot 0 = %v, want sample from the new burst", b.Samples[0])
	}
	if b.Received != 4 {
		t.Errorf("Received = %d, want 4", b.Received)
	}
}

func TestOnSample_LowerIndexRestarts(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 10})

	for i := range 6 {
		r.OnSample(i, sample(int16(i)))
	}
	r.OnSample(2, sample(50))

	if r.Expected() != 3 {
		t.Errorf("Expected() = %d, want 3 after lower-index restart", r.Expected())
	}
}

func TestOnSample_DuplicateIgnored(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 4})

	r.OnSample(0, sample(1))
	r.OnSample(1, sample(2))
	r.OnSample(1, sample(99))

	if r.Expected() != 2 {
		t.Fatalf("Expected() = %d, want 2", r.Expected())
	}
	r.OnSample(2, sample(3))
	b := r.OnSample(3, sample(4))
	if b.Samples[1] != sample(2) {
		t.Errorf("slot 1 = %v, duplicate should not overwrite", b.Samples[1])
	}
	if b.Received != 4 {
		t.Errorf("Received = %d, want 4", b.Received)
	}
}

func TestOnSample_IndexBeyondLength(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 3})

	r.OnSample(0, sample(1))
	b := r.OnSample(9, sample(9))
	if b == nil {
		t.Fatal("index past the end should complete the batch")
	}
	if b.Samples[1] != sample(1) || b.Samples[2] != sample(9) {
		t.Errorf("samples = %v", b.Samples)
	}
}

func TestOnSample_StaleStart(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 59, StaleStartIndex: 5})

	if b := r.OnSample(30, sample(1)); b != nil {
		t.Fatal("stale sample should not complete a batch")
	}
	if r.Active() {
		t.Fatal("stale sample should not start a batch")
	}

	r.OnSample(3, sample(3))
	if !r.Active() || r.Expected() != 4 {
		t.Errorf("early index should start a batch, Expected() = %d", r.Expected())
	}

	// Once a batch is running, high indices are accepted.
	r.OnSample(30, sample(30))
	if r.Expected() != 31 {
		t.Errorf("Expected() = %d, want 31", r.Expected())
	}
}

func TestOnIdle_NotExpired(t *testing.T) {
	r, now := newTestReceiver(Config{Length: 4, IdleTimeout: time.Second})

	if b := r.OnIdle(); b != nil {
		t.Fatal("OnIdle with no batch should return nil")
	}

	r.OnSample(0, sample(1))
	*now = now.Add(500 * time.Millisecond)
	if b := r.OnIdle(); b != nil {
		t.Fatal("OnIdle before the timeout should return nil")
	}

	deadline, ok := r.Deadline()
	if !ok {
		t.Fatal("Deadline() should report an active batch")
	}
	if want := now.Add(500 * time.Millisecond); !deadline.Equal(want) {
		t.Errorf("Deadline() = %v, want %v", deadline, want)
	}
}

func TestOnIdle_PadsWithLastSample(t *testing.T) {
	r, now := newTestReceiver(Config{Length: 6, IdleTimeout: 100 * time.Millisecond})

	r.OnSample(0, sample(1))
	r.OnSample(1, sample(2))

	*now = now.Add(time.Second)
	b := r.OnIdle()
	if b == nil {
		t.Fatal("expected forced completion")
	}
	if b.Padded != 4 || b.Received != 2 {
		t.Errorf("Padded = %d, Received = %d, want 4, 2", b.Padded, b.Received)
	}
	for i := 2; i < 6; i++ {
		if b.Samples[i] != sample(2) {
			t.Errorf("slot %d = %v, want %v", i, b.Samples[i], sample(2))
		}
	}
	if _, ok := r.Deadline(); ok {
		t.Error("no deadline expected after completion")
	}
}

func TestBatch_BufferNotShared(t *testing.T) {
	r, _ := newTestReceiver(Config{Length: 2})

	r.OnSample(0, sample(1))
	first := r.OnSample(1, sample(2))

	r.OnSample(0, sample(50))
	r.OnSample(1, sample(60))

	if first.Samples[0] != sample(1) {
		t.Error("completed batch was modified by the next burst")
	}
}

func TestBatch_Channel(t *testing.T) {
	b := &Batch{Samples: []Sample{sample(1), sample(2)}}

	ax := b.Channel(AccelX)
	gz := b.Channel(GyroZ)
	if ax[0] != 1 || ax[1] != 2 {
		t.Errorf("AccelX = %v", ax)
	}
	if gz[0] != -3 || gz[1] != -4 {
		t.Errorf("GyroZ = %v", gz)
	}
}
