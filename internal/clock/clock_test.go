package clock_test

import (
	"testing"
	"time"

	"pkt.systems/tenantd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestOrRealFallsBack(t *testing.T) {
	t.Parallel()

	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock fallback")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.OrReal(manual) != clock.Clock(manual) {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	ch := m.After(5 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(5 * time.Second).UTC()) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualBlockUntilWaitsForTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Minute)
		close(done)
	}()
	m.BlockUntil(1)
	m.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper was not released")
	}
}
