package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMockAdvanceFiresInOrder(t *testing.T) {
	m := NewMock()
	var order []int

	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	m.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	m.AfterFunc(3*time.Second, func() { order = append(order, 3) })

	m.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("got %v, want [1 2]", order)
	}

	m.Advance(1 * time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", order)
	}
}

func TestMockTimerStop(t *testing.T) {
	m := NewMock()
	var fired atomic.Bool

	timer := m.AfterFunc(time.Second, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Error("expected Stop to report the timer was pending")
	}
	m.Advance(2 * time.Second)
	if fired.Load() {
		t.Error("stopped timer must not fire")
	}
}

func TestMockTimerReset(t *testing.T) {
	m := NewMock()
	var count atomic.Int32

	timer := m.AfterFunc(time.Second, func() { count.Add(1) })

	// Pushing the deadline out delays the fire.
	timer.Reset(3 * time.Second)
	m.Advance(2 * time.Second)
	if count.Load() != 0 {
		t.Fatal("timer fired before its reset deadline")
	}
	m.Advance(2 * time.Second)
	if count.Load() != 1 {
		t.Fatalf("got %d fires, want 1", count.Load())
	}

	// A fired timer can be rearmed.
	if timer.Reset(time.Second) {
		t.Error("expected Reset on a fired timer to report not pending")
	}
	m.Advance(time.Second)
	if count.Load() != 2 {
		t.Fatalf("got %d fires, want 2", count.Load())
	}
}

func TestSystemClock(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("system timer did not fire")
	}

	if c.Now().IsZero() {
		t.Error("Now returned the zero time")
	}
}
