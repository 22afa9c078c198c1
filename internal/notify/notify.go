// Package notify pushes operator-facing notifications (desktop, Slack)
// for the few events that need a human: plan finished, plan failed,
// permission requested.
package notify

// Severity classifies a notification for styling.
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

// Notification is one message to the operator.
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	PlanID   string // Optional plan reference
	PRURL    string // Optional PR URL
}

// Notifier is the interface for sending notifications.
type Notifier interface {
	Send(n Notification) error
}

// Multi sends to several notifiers, returning the last error if any
// fail; one broken channel never silences the others.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that sends to all provided notifiers.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Send sends the notification to all notifiers.
func (m *Multi) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Noop does nothing (disabled notifications).
type Noop struct{}

func (Noop) Send(n Notification) error { return nil }
