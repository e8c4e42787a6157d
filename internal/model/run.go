package model

import (
	"fmt"
	"time"
)

// Run status constants
const (
	RunQueued    = "QUEUED"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunCanceled  = "CANCELED"
	RunFailed    = "FAILED"
)

// Run is one execution of a deck.
type Run struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Status    string      `json:"status"`
	Tasks     []SlideTask `json:"tasks"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	ErrorInfo *string     `json:"error_info,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

// NewRun creates a new Run with QUEUED status.
func NewRun(id, title string, tasks []SlideTask) Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return Run{
		ID:        id,
		Title:     title,
		Status:    RunQueued,
		Tasks:     tasks,
		Total:     len(tasks),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the run has finished one way or another.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunCanceled, RunFailed:
		return true
	}
	return false
}

// Titles returns slide titles keyed by index.
func (r *Run) Titles() map[int]string {
	titles := make(map[int]string, len(r.Tasks))
	for _, t := range r.Tasks {
		titles[t.Index] = t.Title
	}
	return titles
}

// ValidateTasks checks that tasks are indexed 0..n-1 without gaps or duplicates.
func ValidateTasks(tasks []SlideTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("deck has no slides")
	}
	seen := make([]bool, len(tasks))
	for _, t := range tasks {
		if t.Index < 0 || t.Index >= len(tasks) {
			return fmt.Errorf("slide index %d out of range [0,%d)", t.Index, len(tasks))
		}
		if seen[t.Index] {
			return fmt.Errorf("duplicate slide index %d", t.Index)
		}
		seen[t.Index] = true
	}
	return nil
}
