// Package schedule gates unattended execution to operator-defined run
// windows: cron expressions opening a window plus a duration keeping it
// open. An empty window set means execution is always allowed.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is one recurring run window.
type Window struct {
	Cron     string
	Duration time.Duration
}

type compiled struct {
	expr     string
	sched    cron.Schedule
	duration time.Duration
}

// Windows answers "may the engine run right now" questions.
type Windows struct {
	windows []compiled
}

// New compiles the window set, validating every cron expression.
func New(windows []Window) (*Windows, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	w := &Windows{}
	for _, win := range windows {
		if win.Duration <= 0 {
			return nil, fmt.Errorf("window %q: duration must be positive", win.Cron)
		}
		sched, err := parser.Parse(win.Cron)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", win.Cron, err)
		}
		w.windows = append(w.windows, compiled{expr: win.Cron, sched: sched, duration: win.Duration})
	}
	return w, nil
}

// Open reports whether at falls inside any window, and if so how long
// that window stays open.
func (w *Windows) Open(at time.Time) (time.Duration, bool) {
	if len(w.windows) == 0 {
		return 0, true // no windows configured: always open
	}

	var remaining time.Duration
	open := false
	for _, win := range w.windows {
		// The most recent activation is the first one strictly after
		// at minus the window length.
		activation := win.sched.Next(at.Add(-win.duration))
		if activation.After(at) {
			continue
		}
		open = true
		if rest := activation.Add(win.duration).Sub(at); rest > remaining {
			remaining = rest
		}
	}
	return remaining, open
}

// NextOpen returns when the next window opens at or after at. If a
// window is already open, it returns at.
func (w *Windows) NextOpen(at time.Time) time.Time {
	if _, open := w.Open(at); open {
		return at
	}

	var next time.Time
	for _, win := range w.windows {
		activation := win.sched.Next(at)
		if next.IsZero() || activation.Before(next) {
			next = activation
		}
	}
	return next
}

// Wait blocks until a window is open or ctx is done.
func (w *Windows) Wait(ctx context.Context) error {
	for {
		now := time.Now()
		if _, open := w.Open(now); open {
			return nil
		}
		next := w.NextOpen(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
