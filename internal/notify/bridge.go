package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

// WatchEvents subscribes to the hub and forwards the human-relevant
// subset of events as notifications until ctx is done.
func WatchEvents(ctx context.Context, hub *events.Hub, notifier Notifier) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, relevant := fromEvent(ev)
			if !relevant {
				continue
			}
			if err := notifier.Send(n); err != nil {
				log.Printf("notify: %v", err)
			}
		}
	}
}

func fromEvent(ev events.Event) (Notification, bool) {
	switch ev.Type {
	case events.TypePlanCompleted:
		return Notification{
			Title:    "Plan completed",
			Message:  fmt.Sprintf("All steps of plan %s finished cleanly.", ev.PlanID),
			Severity: Success,
			PlanID:   ev.PlanID,
		}, true
	case events.TypePlanFailed:
		return Notification{
			Title:    "Plan failed",
			Message:  ev.Message,
			Severity: Error,
			PlanID:   ev.PlanID,
		}, true
	case events.TypePermissionAsked:
		return Notification{
			Title:    "Agent needs permission",
			Message:  ev.Message,
			Severity: Warning,
			PlanID:   ev.PlanID,
		}, true
	case events.TypeStopRequested:
		return Notification{
			Title:    "Run stopped",
			Message:  ev.Message,
			Severity: Info,
			PlanID:   ev.PlanID,
		}, true
	default:
		return Notification{}, false
	}
}
