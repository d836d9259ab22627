package clock

import (
	"testing"
	"time"
)

func TestRealNowIsUTC(t *testing.T) {
	if loc := (Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start)
	late := m.After(2 * time.Minute)
	early := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", got)
	}

	m.Advance(59 * time.Second)
	select {
	case <-early:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	now := m.Advance(time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(now) {
			t.Fatalf("expected fire time %v, got %v", now, fired)
		}
	default:
		t.Fatal("expected waiter to fire at its deadline")
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}

	m.Advance(time.Hour)
	select {
	case <-late:
	default:
		t.Fatal("expected second waiter to fire")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected no pending waiters, got %d", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected zero duration to fire immediately")
	}
	if m.Pending() != 0 {
		t.Fatal("zero duration should not register a waiter")
	}
}

func TestManualAdvanceIgnoresNegative(t *testing.T) {
	start := time.Unix(100, 0).UTC()
	m := NewManual(start)
	if got := m.Advance(-time.Second); !got.Equal(start) {
		t.Fatalf("expected clock to stay at %v, got %v", start, got)
	}
}
