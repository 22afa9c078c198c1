package engine

import (
	"context"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/checks"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

// TrackerChecks adapts the per-wait CI tracker to the engine's Checks
// interface, constructing a fresh tracker for every wait.
type TrackerChecks struct {
	Provider checks.Provider
	Git      checks.GitReader
	MaxWait  time.Duration
	Interval time.Duration
	Hub      *events.Hub
}

func (t *TrackerChecks) Wait(ctx context.Context, branch, sha string) (bool, string, error) {
	var opts []checks.Option
	if t.Interval > 0 {
		opts = append(opts, checks.WithInterval(t.Interval))
	}
	tracker := checks.NewTracker(t.Provider, t.Git, branch, t.MaxWait, opts...)
	if t.Hub != nil {
		tracker.OnProgress = func(p checks.Progress) {
			t.Hub.Publish(events.Event{
				Type:    events.TypeChecksProgress,
				Message: p.Status,
				Data:    map[string]interface{}{"attempt": p.Attempt, "sha": p.TrackedSHA},
			})
		}
	}
	passed, err := tracker.Wait(ctx, sha)
	return passed, tracker.TrackedSHA(), err
}
