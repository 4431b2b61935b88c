package clock_test

import (
	"testing"
	"time"

	"github.com/quorumgrid/keel/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	m := clock.NewManual(start)

	short := m.After(50 * time.Millisecond)
	long := m.After(200 * time.Millisecond)
	if got := m.Waiting(); got != 2 {
		t.Fatalf("expected 2 waiters, got %d", got)
	}

	m.Advance(100 * time.Millisecond)
	select {
	case ts := <-short:
		if want := start.UTC().Add(100 * time.Millisecond); !ts.Equal(want) {
			t.Fatalf("short timer fired at %v, want %v", ts, want)
		}
	default:
		t.Fatal("short timer should have fired")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}

	m.Advance(100 * time.Millisecond)
	select {
	case <-long:
	default:
		t.Fatal("long timer should have fired")
	}
	if got := m.Waiting(); got != 0 {
		t.Fatalf("expected no waiters, got %d", got)
	}
}

func TestManualRecordsSleeps(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		m.Sleep(10 * time.Millisecond)
		close(done)
	}()
	for m.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}
	m.Advance(10 * time.Millisecond)
	<-done

	sleeps := m.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 10*time.Millisecond {
		t.Fatalf("unexpected sleep record: %v", sleeps)
	}
}

func TestManualNonPositiveAfterFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration timer should fire without Advance")
	}
}
