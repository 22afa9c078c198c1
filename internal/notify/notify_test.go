package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestMulti_SendsToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	m := NewMulti(a, b)

	if err := m.Send(Notification{Title: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("sent = %d/%d, want 1/1", len(a.sent), len(b.sent))
	}
}

func TestSlackNotifier_Payload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.Send(Notification{
		Title:    "Plan failed",
		Message:  "step 2 exhausted its budget",
		Severity: Error,
		PlanID:   "p1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got["text"] != "Plan failed" {
		t.Errorf("text = %v", got["text"])
	}
	attachments := got["attachments"].([]interface{})
	att := attachments[0].(map[string]interface{})
	if att["color"] != "danger" || att["title"] != "p1" {
		t.Errorf("attachment = %v", att)
	}
	if att["footer"] != "Step Orchestrator" {
		t.Errorf("footer = %v", att["footer"])
	}
}

func TestSlackNotifier_DisabledWithoutURL(t *testing.T) {
	n := NewSlackNotifier("")
	if err := n.Send(Notification{Title: "x"}); err != nil {
		t.Errorf("Send() = %v, want nil when disabled", err)
	}
}

func TestSlackNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	if err := n.Send(Notification{Title: "x"}); err == nil {
		t.Error("Send() error = nil for 500 response")
	}
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		evType       events.Type
		wantRelevant bool
		wantSeverity Severity
	}{
		{events.TypePlanCompleted, true, Success},
		{events.TypePlanFailed, true, Error},
		{events.TypePermissionAsked, true, Warning},
		{events.TypeStopRequested, true, Info},
		{events.TypeChecksProgress, false, Info},
		{events.TypeIterationStarted, false, Info},
	}

	for _, tt := range tests {
		n, relevant := fromEvent(events.Event{Type: tt.evType, PlanID: "p1"})
		if relevant != tt.wantRelevant {
			t.Errorf("fromEvent(%s) relevant = %v, want %v", tt.evType, relevant, tt.wantRelevant)
			continue
		}
		if relevant && n.Severity != tt.wantSeverity {
			t.Errorf("fromEvent(%s) severity = %v, want %v", tt.evType, n.Severity, tt.wantSeverity)
		}
	}
}
