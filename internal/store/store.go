// Package store provides SQLite-backed persistence for plans, steps,
// iterations and issues. Rows are append-mostly: the engine never deletes
// anything except via cascade when an operator deletes a plan.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed execution persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePlan inserts a new plan
func (s *Store) CreatePlan(p *domain.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO plans (id, plan_path, workdir, repo_owner, repo_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.PlanPath, p.WorkDir, p.RepoOwner, p.RepoName, p.CreatedAt)
	return err
}

// GetPlan retrieves a plan by ID
func (s *Store) GetPlan(id string) (*domain.Plan, error) {
	var p domain.Plan
	err := s.db.QueryRow(`
		SELECT id, plan_path, workdir, repo_owner, repo_name, created_at
		FROM plans WHERE id = ?
	`, id).Scan(&p.ID, &p.PlanPath, &p.WorkDir, &p.RepoOwner, &p.RepoName, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns all plans, newest first
func (s *Store) ListPlans() ([]*domain.Plan, error) {
	rows, err := s.db.Query(`
		SELECT id, plan_path, workdir, repo_owner, repo_name, created_at
		FROM plans ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.PlanPath, &p.WorkDir, &p.RepoOwner, &p.RepoName, &p.CreatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// DeletePlan removes a plan and, via cascade, its steps, iterations and issues
func (s *Store) DeletePlan(id string) error {
	_, err := s.db.Exec(`DELETE FROM plans WHERE id = ?`, id)
	return err
}

// CreateStep inserts a step and fills in its generated ID
func (s *Store) CreateStep(st *domain.Step) error {
	res, err := s.db.Exec(`
		INSERT INTO steps (plan_id, ordinal, title, status)
		VALUES (?, ?, ?, ?)
	`, st.PlanID, st.Ordinal, st.Title, string(st.Status))
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

// StepsByPlan returns a plan's steps ordered by ordinal
func (s *Store) StepsByPlan(planID string) ([]*domain.Step, error) {
	rows, err := s.db.Query(`
		SELECT id, plan_id, ordinal, title, status
		FROM steps WHERE plan_id = ? ORDER BY ordinal
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.Step
	for rows.Next() {
		var st domain.Step
		var status string
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Ordinal, &st.Title, &status); err != nil {
			return nil, err
		}
		st.Status = domain.StepStatus(status)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// UpdateStepStatus updates a step's status
func (s *Store) UpdateStepStatus(id int64, status domain.StepStatus) error {
	_, err := s.db.Exec(`UPDATE steps SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// CreateIteration inserts an iteration and fills in its generated ID
func (s *Store) CreateIteration(it *domain.Iteration) error {
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO iterations (step_id, ordinal, kind, status, build_outcome, review_outcome,
			commit_sha, implementer, reviewer, transcript, review_transcript, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.StepID, it.Ordinal, string(it.Kind), string(it.Status),
		nullStr(string(it.BuildOutcome)), nullStr(string(it.ReviewOutcome)),
		nullStr(it.CommitSHA), nullStr(it.Implementer), nullStr(it.Reviewer),
		nullStr(it.Transcript), nullStr(it.ReviewTranscript), it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return err
	}
	it.ID, err = res.LastInsertId()
	return err
}

// UpdateIteration persists all mutable iteration fields
func (s *Store) UpdateIteration(it *domain.Iteration) error {
	it.UpdatedAt = time.Now()
	_, err := s.db.Exec(`
		UPDATE iterations SET status = ?, build_outcome = ?, review_outcome = ?,
			commit_sha = ?, implementer = ?, reviewer = ?, transcript = ?, review_transcript = ?, updated_at = ?
		WHERE id = ?
	`,
		string(it.Status), nullStr(string(it.BuildOutcome)), nullStr(string(it.ReviewOutcome)),
		nullStr(it.CommitSHA), nullStr(it.Implementer), nullStr(it.Reviewer),
		nullStr(it.Transcript), nullStr(it.ReviewTranscript),
		it.UpdatedAt, it.ID,
	)
	return err
}

// IterationsByStep returns a step's iterations ordered by ordinal
func (s *Store) IterationsByStep(stepID int64) ([]*domain.Iteration, error) {
	rows, err := s.db.Query(`
		SELECT id, step_id, ordinal, kind, status, build_outcome, review_outcome,
			commit_sha, implementer, reviewer, transcript, review_transcript, created_at, updated_at
		FROM iterations WHERE step_id = ? ORDER BY ordinal
	`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var iters []*domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	return iters, rows.Err()
}

// NextIterationOrdinal returns the ordinal the next iteration of a step should use
func (s *Store) NextIterationOrdinal(stepID int64) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(ordinal) FROM iterations WHERE step_id = ?`, stepID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// CreateIssue inserts an issue and fills in its generated ID
func (s *Store) CreateIssue(issue *domain.Issue) error {
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
	}
	if issue.Status == "" {
		issue.Status = domain.IssueOpen
	}
	res, err := s.db.Exec(`
		INSERT INTO issues (iteration_id, type, description, file, line, severity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		issue.IterationID, string(issue.Type), issue.Description,
		nullStr(issue.File), issue.Line, nullStr(string(issue.Severity)),
		string(issue.Status), issue.CreatedAt,
	)
	if err != nil {
		return err
	}
	issue.ID, err = res.LastInsertId()
	return err
}

// IssuesByIteration returns an iteration's issues in insertion order
func (s *Store) IssuesByIteration(iterationID int64) ([]*domain.Issue, error) {
	rows, err := s.db.Query(`
		SELECT id, iteration_id, type, description, file, line, severity, status, created_at
		FROM issues WHERE iteration_id = ? ORDER BY id
	`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []*domain.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// UpdateIssueStatus transitions an issue between open and fixed
func (s *Store) UpdateIssueStatus(id int64, status domain.IssueStatus) error {
	_, err := s.db.Exec(`UPDATE issues SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// PlanState assembles the full execution state of a plan: every step with
// its iterations and their issues. Used for resumption and status reporting.
func (s *Store) PlanState(planID string) (*domain.PlanState, error) {
	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	steps, err := s.StepsByPlan(planID)
	if err != nil {
		return nil, err
	}

	state := &domain.PlanState{Plan: plan}
	for _, step := range steps {
		ss := &domain.StepState{Step: step}
		iters, err := s.IterationsByStep(step.ID)
		if err != nil {
			return nil, err
		}
		for _, it := range iters {
			issues, err := s.IssuesByIteration(it.ID)
			if err != nil {
				return nil, err
			}
			ss.Iterations = append(ss.Iterations, &domain.IterationState{Iteration: it, Issues: issues})
		}
		state.Steps = append(state.Steps, ss)
	}
	return state, nil
}

func scanIteration(rows *sql.Rows) (*domain.Iteration, error) {
	var it domain.Iteration
	var kind, status string
	var buildOutcome, reviewOutcome, commitSHA, implementer, reviewer, transcript, reviewTranscript sql.NullString

	err := rows.Scan(&it.ID, &it.StepID, &it.Ordinal, &kind, &status,
		&buildOutcome, &reviewOutcome, &commitSHA, &implementer, &reviewer,
		&transcript, &reviewTranscript, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}

	it.Kind = domain.IterationKind(kind)
	it.Status = domain.IterationStatus(status)
	it.BuildOutcome = domain.BuildOutcome(buildOutcome.String)
	it.ReviewOutcome = domain.ReviewOutcome(reviewOutcome.String)
	it.CommitSHA = commitSHA.String
	it.Implementer = implementer.String
	it.Reviewer = reviewer.String
	it.Transcript = transcript.String
	it.ReviewTranscript = reviewTranscript.String
	return &it, nil
}

func scanIssue(rows *sql.Rows) (*domain.Issue, error) {
	var issue domain.Issue
	var typ, status string
	var file, severity sql.NullString
	var line sql.NullInt64

	err := rows.Scan(&issue.ID, &issue.IterationID, &typ, &issue.Description,
		&file, &line, &severity, &status, &issue.CreatedAt)
	if err != nil {
		return nil, err
	}

	issue.Type = domain.IssueType(typ)
	issue.Status = domain.IssueStatus(status)
	issue.File = file.String
	issue.Line = int(line.Int64)
	issue.Severity = domain.Severity(severity.String)
	return &issue, nil
}

// nullStr maps empty strings to NULL so nullable columns stay NULL until set
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
