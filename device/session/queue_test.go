package session

import (
	"context"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)
	for i := range 3 {
		q.Push(i)
	}
	for want := range 3 {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Errorf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue should fail")
	}
}

func TestQueue_EvictsOldest(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	if q.Push(3) {
		t.Error("Push() into a full queue should report eviction")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
	got := q.Drain()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Drain() = %v, want [2 3]", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Drain", q.Len())
	}
}

func TestQueue_Requeue(t *testing.T) {
	q := NewQueue[string](4)
	if !q.Requeue("old") {
		t.Fatal("Requeue() into an empty queue should succeed")
	}
	q.Pop()

	q.Push("new")
	if q.Requeue("old") {
		t.Error("Requeue() should not jump a newer item")
	}
	if v, _ := q.Pop(); v != "new" {
		t.Errorf("Pop() = %q, want new", v)
	}
}

func TestQueue_PopWait(t *testing.T) {
	q := NewQueue[int](0)

	start := time.Now()
	if _, ok := q.PopWait(context.Background(), 20*time.Millisecond); ok {
		t.Error("PopWait() on empty queue should time out")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("PopWait() returned before its timeout")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Push(42)
	}()
	v, ok := q.PopWait(context.Background(), time.Second)
	if !ok || v != 42 {
		t.Errorf("PopWait() = %d, %v; want 42, true", v, ok)
	}
}

func TestQueue_PopWaitCancelled(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.PopWait(ctx, time.Second); ok {
		t.Error("PopWait() with cancelled context should fail")
	}
}
