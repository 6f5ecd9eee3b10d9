package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestObserveIncrements(t *testing.T) {
	l := New(5)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := base
	l.now = func() time.Time { return t0 }

	for i := 1; i <= 5; i++ {
		if n := l.Observe("10.0.0.1"); n != i {
			t.Fatalf("Observe #%d = %d, want %d", i, n, i)
		}
	}
	if n := l.Observe("10.0.0.1"); n != 6 {
		t.Fatalf("Observe #6 = %d, want 6", n)
	}
	if !l.Exceeded(6) {
		t.Error("expected 6 > limit(5) to report exceeded")
	}
}

func TestObserveIndependentPerIP(t *testing.T) {
	l := New(5)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return t0 }

	l.Observe("10.0.0.1")
	l.Observe("10.0.0.1")
	if n := l.Observe("10.0.0.2"); n != 1 {
		t.Fatalf("second IP should start fresh, got %d", n)
	}
}

func TestWindowSlidesOut(t *testing.T) {
	l := New(100)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := t0
	l.now = func() time.Time { return cur }

	for i := 0; i < 10; i++ {
		l.Observe("10.0.0.1")
	}

	// advance past the 60s window: old observations should have fallen off.
	cur = t0.Add(61 * time.Second)
	if n := l.Observe("10.0.0.1"); n != 1 {
		t.Fatalf("after window slide, count = %d, want 1", n)
	}
}

func TestWindowPartialSlide(t *testing.T) {
	l := New(100)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := t0
	l.now = func() time.Time { return cur }

	for i := 0; i < 5; i++ {
		l.Observe("10.0.0.1") // all at t0
	}

	cur = t0.Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		l.Observe("10.0.0.1")
	}

	if n := l.Observe("10.0.0.1"); n != 9 {
		t.Fatalf("within-window count = %d, want 9 (5+3+1)", n)
	}
}

func TestConcurrentObserve(t *testing.T) {
	l := New(1000000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Observe("10.0.0.9")
			}
		}()
	}
	wg.Wait()

	if n := l.Observe("10.0.0.9"); n != 100*50+1 {
		t.Fatalf("concurrent observe count = %d, want %d", n, 100*50+1)
	}
}

func TestNonNegativeMonotoneDeltas(t *testing.T) {
	l := New(10)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := t0
	l.now = func() time.Time { return cur }

	prev := 0
	for i := 0; i < 5; i++ {
		n := l.Observe("10.0.0.5")
		if n < prev {
			t.Fatalf("count went backwards: %d -> %d", prev, n)
		}
		prev = n
	}
}
