package schedule

import (
	"testing"
	"time"
)

func mustWindows(t *testing.T, wins ...Window) *Windows {
	t.Helper()
	w, err := New(wins)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestNew_InvalidCron(t *testing.T) {
	if _, err := New([]Window{{Cron: "not a cron", Duration: time.Hour}}); err == nil {
		t.Error("New() error = nil for invalid cron")
	}
	if _, err := New([]Window{{Cron: "0 22 * * *", Duration: 0}}); err == nil {
		t.Error("New() error = nil for zero duration")
	}
}

func TestOpen_NoWindowsAlwaysOpen(t *testing.T) {
	w := mustWindows(t)
	if _, open := w.Open(time.Now()); !open {
		t.Error("Open() = false with no windows configured")
	}
}

func TestOpen_InsideAndOutside(t *testing.T) {
	// Nightly window: 22:00 for 2 hours
	w := mustWindows(t, Window{Cron: "0 22 * * *", Duration: 2 * time.Hour})

	at := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	remaining, open := w.Open(at)
	if !open {
		t.Fatal("Open() = false at 23:00 inside a 22:00+2h window")
	}
	if remaining != time.Hour {
		t.Errorf("remaining = %s, want 1h", remaining)
	}

	at = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if _, open := w.Open(at); open {
		t.Error("Open() = true at noon, outside the window")
	}

	// Exactly at close the window is shut
	at = time.Date(2026, 8, 25, 0, 0, 0, 1, time.UTC)
	if _, open := w.Open(at); open {
		t.Error("Open() = true just past the window end")
	}
}

func TestOpen_OverlappingWindowsLongestRemains(t *testing.T) {
	w := mustWindows(t,
		Window{Cron: "0 22 * * *", Duration: time.Hour},
		Window{Cron: "30 22 * * *", Duration: 2 * time.Hour},
	)

	at := time.Date(2026, 8, 24, 22, 45, 0, 0, time.UTC)
	remaining, open := w.Open(at)
	if !open {
		t.Fatal("Open() = false inside both windows")
	}
	if want := time.Hour + 45*time.Minute; remaining != want {
		t.Errorf("remaining = %s, want %s", remaining, want)
	}
}

func TestNextOpen(t *testing.T) {
	w := mustWindows(t, Window{Cron: "0 22 * * *", Duration: 2 * time.Hour})

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next := w.NextOpen(at)
	want := time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextOpen() = %s, want %s", next, want)
	}

	// Already open: returns the query time itself
	at = time.Date(2026, 8, 24, 22, 30, 0, 0, time.UTC)
	if next := w.NextOpen(at); !next.Equal(at) {
		t.Errorf("NextOpen() = %s, want %s (already open)", next, at)
	}
}
