// Package events distributes orchestrator progress events to
// subscribers (HTTP streams, the TUI, notifiers) with a bounded replay
// backlog so late subscribers see recent history.
package events

import (
	"sync"
	"time"
)

// Type names the kinds of events the engine emits.
type Type string

const (
	TypePlanStarted       Type = "plan_started"
	TypePlanCompleted     Type = "plan_completed"
	TypePlanFailed        Type = "plan_failed"
	TypeStepStarted       Type = "step_started"
	TypeStepCompleted     Type = "step_completed"
	TypeStepFailed        Type = "step_failed"
	TypeIterationStarted  Type = "iteration_started"
	TypeIterationFinished Type = "iteration_finished"
	TypeChecksProgress    Type = "checks_progress"
	TypeReviewVerdict     Type = "review_verdict"
	TypePermissionAsked   Type = "permission_asked"
	TypeStopRequested     Type = "stop_requested"
)

// Event is one progress notification.
type Event struct {
	Type    Type        `json:"type"`
	PlanID  string      `json:"plan_id,omitempty"`
	StepID  int64       `json:"step_id,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	At      time.Time   `json:"at"`
}

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls this far behind is dropped rather than blocking the engine.
const subscriberBuffer = 64

// backlogSize is how many recent events are replayed to new subscribers.
const backlogSize = 128

// Hub fans events out to subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	backlog []Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish stamps and distributes an event. Slow subscribers are dropped.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > backlogSize {
		h.backlog = h.backlog[len(h.backlog)-backlogSize:]
	}

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a new subscriber and replays the backlog into its
// channel. Call the returned cancel function to unsubscribe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer+backlogSize)

	h.mu.Lock()
	for _, ev := range h.backlog {
		ch <- ev
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}
