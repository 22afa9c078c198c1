package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
	"github.com/hochfrequenz/step-orchestrator/tui"
	"github.com/hochfrequenz/step-orchestrator/web/api"
)

func runWatch(cmd *cobra.Command, args []string) error {
	planID := args[0]

	var snapshot tui.SnapshotFunc
	var eventCh <-chan events.Event

	if serverAddr != "" {
		snapshot = remoteSnapshot(serverAddr, planID)
		ch, closeWS, err := remoteEvents(serverAddr)
		if err != nil {
			return err
		}
		defer closeWS()
		eventCh = ch
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		snapshot = func() (*domain.PlanState, error) { return st.PlanState(planID) }
	}

	p := tea.NewProgram(tui.NewModel(snapshot, eventCh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// remoteSnapshot fetches plan state from a daemon over HTTP.
func remoteSnapshot(addr, planID string) tui.SnapshotFunc {
	url := fmt.Sprintf("http://%s/api/plans/%s/state", addr, planID)
	return func() (*domain.PlanState, error) {
		resp, err := http.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching plan state: %s", resp.Status)
		}
		var state api.StateResponse
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return nil, err
		}
		return stateFromResponse(&state), nil
	}
}

// remoteEvents streams daemon events over a websocket into a channel.
func remoteEvents(addr string) (<-chan events.Event, func(), error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/ws", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to daemon: %w", err)
	}

	ch := make(chan events.Event, 16)
	go func() {
		defer close(ch)
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			ch <- ev
		}
	}()
	return ch, func() { conn.Close() }, nil
}

// stateFromResponse rebuilds a domain snapshot from the API shape so
// the TUI renders local and remote plans identically.
func stateFromResponse(resp *api.StateResponse) *domain.PlanState {
	state := &domain.PlanState{
		Plan: &domain.Plan{
			ID:        resp.Plan.ID,
			PlanPath:  resp.Plan.PlanPath,
			WorkDir:   resp.Plan.WorkDir,
			RepoOwner: resp.Plan.RepoOwner,
			RepoName:  resp.Plan.RepoName,
			CreatedAt: resp.Plan.CreatedAt,
		},
	}
	for _, sr := range resp.Steps {
		ss := &domain.StepState{
			Step: &domain.Step{
				Ordinal: sr.Ordinal,
				Title:   sr.Title,
				Status:  domain.StepStatus(sr.Status),
			},
		}
		for _, ir := range sr.Iterations {
			is := &domain.IterationState{
				Iteration: &domain.Iteration{
					Ordinal:       ir.Ordinal,
					Kind:          domain.IterationKind(ir.Kind),
					Status:        domain.IterationStatus(ir.Status),
					BuildOutcome:  domain.BuildOutcome(ir.BuildOutcome),
					ReviewOutcome: domain.ReviewOutcome(ir.ReviewOutcome),
					CommitSHA:     ir.CommitSHA,
				},
			}
			for _, iss := range ir.Issues {
				is.Issues = append(is.Issues, &domain.Issue{
					Type:        domain.IssueType(iss.Type),
					Description: iss.Description,
					File:        iss.File,
					Line:        iss.Line,
					Severity:    domain.Severity(iss.Severity),
					Status:      domain.IssueStatus(iss.Status),
				})
			}
			ss.Iterations = append(ss.Iterations, is)
		}
		state.Steps = append(state.Steps, ss)
	}
	return state
}
