// Package approvals persists agent permission requests as files in a
// spool directory and blocks the engine until a decision file appears.
// Files survive restarts, so a pending request is never lost and can be
// answered from a different terminal via the CLI.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Request is a pending permission request written by the engine.
type Request struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id"`
	StepID    int64     `json:"step_id"`
	Tool      string    `json:"tool"`
	Command   string    `json:"command,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision answers a request.
type Decision struct {
	ID        string    `json:"id"`
	Approved  bool      `json:"approved"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

const (
	requestSuffix  = ".request.json"
	decisionSuffix = ".decision.json"
)

// Spool is a directory of request and decision files.
type Spool struct {
	dir string
	// pollInterval is the fallback cadence for checking decisions when
	// fsnotify misses events (network filesystems).
	pollInterval time.Duration
}

// NewSpool creates a spool rooted at dir, creating it if needed.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating approvals dir: %w", err)
	}
	return &Spool{dir: dir, pollInterval: time.Second}, nil
}

// SetPollInterval overrides the fallback poll cadence (tests).
func (s *Spool) SetPollInterval(d time.Duration) { s.pollInterval = d }

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Submit writes a request file. The write goes through a temp file and
// rename so readers never see a partial JSON document.
func (s *Spool) Submit(req Request) error {
	if req.ID == "" {
		return fmt.Errorf("request has no ID")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	return s.writeJSON(req.ID+requestSuffix, req)
}

// Decide writes a decision for a pending request.
func (s *Spool) Decide(id string, approved bool, note string) error {
	if _, err := s.GetRequest(id); err != nil {
		return err
	}
	return s.writeJSON(id+decisionSuffix, Decision{
		ID:        id,
		Approved:  approved,
		Note:      note,
		DecidedAt: time.Now(),
	})
}

// GetRequest reads one request by ID.
func (s *Spool) GetRequest(id string) (*Request, error) {
	var req Request
	if err := s.readJSON(id+requestSuffix, &req); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no pending request %s", id)
		}
		return nil, err
	}
	return &req, nil
}

// GetDecision reads one decision by ID, or nil if not yet decided.
func (s *Spool) GetDecision(id string) (*Decision, error) {
	var dec Decision
	if err := s.readJSON(id+decisionSuffix, &dec); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &dec, nil
}

// Pending lists requests that have no decision yet, oldest first.
func (s *Spool) Pending() ([]Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading approvals dir: %w", err)
	}

	var pending []Request
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, requestSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, requestSuffix)
		dec, err := s.GetDecision(id)
		if err != nil {
			return nil, err
		}
		if dec != nil {
			continue
		}
		var req Request
		if err := s.readJSON(name, &req); err != nil {
			// A half-written file from a crashed process; skip it
			continue
		}
		pending = append(pending, req)
	}

	sortRequests(pending)
	return pending, nil
}

// Await blocks until a decision for id appears or ctx is done. It
// watches the spool directory with fsnotify and additionally polls, so
// a missed notification only delays the answer by one poll interval.
func (s *Spool) Await(ctx context.Context, id string) (*Decision, error) {
	// Decision may already exist (restart after answer)
	if dec, err := s.GetDecision(id); err != nil {
		return nil, err
	} else if dec != nil {
		return dec, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(s.dir); werr != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	if watcher != nil {
		watchEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-watchEvents:
			if !strings.HasSuffix(ev.Name, id+decisionSuffix) {
				continue
			}
		case <-ticker.C:
		}

		dec, err := s.GetDecision(id)
		if err != nil {
			return nil, err
		}
		if dec != nil {
			return dec, nil
		}
	}
}

func (s *Spool) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func (s *Spool) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func sortRequests(reqs []Request) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
