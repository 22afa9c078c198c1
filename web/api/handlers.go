package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/domain"
)

// PlanResponse is the API shape of a plan.
type PlanResponse struct {
	ID        string    `json:"id"`
	PlanPath  string    `json:"plan_path"`
	WorkDir   string    `json:"workdir"`
	RepoOwner string    `json:"repo_owner,omitempty"`
	RepoName  string    `json:"repo_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StepResponse is the API shape of a step with its iterations.
type StepResponse struct {
	Ordinal    int                 `json:"ordinal"`
	Title      string              `json:"title"`
	Status     string              `json:"status"`
	Iterations []IterationResponse `json:"iterations,omitempty"`
}

// IterationResponse is the API shape of one iteration.
type IterationResponse struct {
	Ordinal       int             `json:"ordinal"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	BuildOutcome  string          `json:"build_outcome,omitempty"`
	ReviewOutcome string          `json:"review_outcome,omitempty"`
	CommitSHA     string          `json:"commit_sha,omitempty"`
	Issues        []IssueResponse `json:"issues,omitempty"`
}

// IssueResponse is the API shape of one issue.
type IssueResponse struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Status      string `json:"status"`
}

// StateResponse is the full execution snapshot of a plan.
type StateResponse struct {
	Plan  PlanResponse   `json:"plan"`
	Steps []StepResponse `json:"steps"`
}

func planToResponse(p *domain.Plan) PlanResponse {
	return PlanResponse{
		ID:        p.ID,
		PlanPath:  p.PlanPath,
		WorkDir:   p.WorkDir,
		RepoOwner: p.RepoOwner,
		RepoName:  p.RepoName,
		CreatedAt: p.CreatedAt,
	}
}

func stateToResponse(state *domain.PlanState) StateResponse {
	resp := StateResponse{Plan: planToResponse(state.Plan)}
	for _, st := range state.Steps {
		step := StepResponse{
			Ordinal: st.Step.Ordinal,
			Title:   st.Step.Title,
			Status:  string(st.Step.Status),
		}
		for _, its := range st.Iterations {
			it := its.Iteration
			ir := IterationResponse{
				Ordinal:       it.Ordinal,
				Kind:          string(it.Kind),
				Status:        string(it.Status),
				BuildOutcome:  string(it.BuildOutcome),
				ReviewOutcome: string(it.ReviewOutcome),
				CommitSHA:     it.CommitSHA,
			}
			for _, issue := range its.Issues {
				ir.Issues = append(ir.Issues, IssueResponse{
					Type:        string(issue.Type),
					Description: issue.Description,
					File:        issue.File,
					Line:        issue.Line,
					Severity:    string(issue.Severity),
					Status:      string(issue.Status),
				})
			}
			step.Iterations = append(step.Iterations, ir)
		}
		resp.Steps = append(resp.Steps, step)
	}
	return resp
}

func (s *Server) listPlansHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := s.store.ListPlans()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]PlanResponse, 0, len(plans))
		for _, p := range plans {
			resp = append(resp, planToResponse(p))
		}
		writeJSON(w, resp)
	}
}

// planStateHandler serves /api/plans/{id} and /api/plans/{id}/state;
// both return the full snapshot.
func (s *Server) planStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/plans/")
		id = strings.TrimSuffix(id, "/state")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "unknown plan path")
			return
		}

		state, err := s.store.PlanState(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, stateToResponse(state))
	}
}

func (s *Server) listApprovalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.approvals.Pending()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, pending)
	}
}

// decideApprovalHandler serves POST /api/approvals/{id}/approve and
// /api/approvals/{id}/deny.
func (s *Server) decideApprovalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/approvals/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, "expected /api/approvals/{id}/{approve|deny}")
			return
		}
		id, action := parts[0], parts[1]

		var approved bool
		switch action {
		case "approve":
			approved = true
		case "deny":
			approved = false
		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
			return
		}

		if err := s.approvals.Decide(id, approved, r.FormValue("note")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		s.stop()
		writeJSON(w, map[string]string{"status": "stop requested"})
	}
}
