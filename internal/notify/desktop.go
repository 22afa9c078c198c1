package notify

import (
	"os/exec"
	"runtime"
)

// DesktopNotifier shows notifications on the operator's desktop.
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a desktop notifier.
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows a desktop notification.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + n.Message + `" with title "` + n.Title + `"`
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		return exec.Command("notify-send", "-u", urgency(n.Severity), n.Title, n.Message).Run()
	default:
		return nil // Unsupported
	}
}

func urgency(s Severity) string {
	switch s {
	case Error:
		return "critical"
	case Warning:
		return "normal"
	default:
		return "low"
	}
}
