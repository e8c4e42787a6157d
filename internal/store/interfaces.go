package store

import (
	"context"
	"errors"

	"github.com/yangwenmai/deckforge/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status []string
	// Limit caps the number of runs returned; 0 means no limit.
	Limit int
}

// RunReader provides read access to runs and their archived outcome.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error)
	ListEvents(ctx context.Context, runID string) ([]model.ActivityEvent, error)
	ListResults(ctx context.Context, runID string) ([]model.SlideResult, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// RunWriter provides write access to runs.
type RunWriter interface {
	CreateRun(ctx context.Context, run model.Run) error
	UpdateRunStatus(ctx context.Context, id, status string, errorInfo *string) error
	UpdateRunProgress(ctx context.Context, id string, completed, succeeded, failed int) error
	CancelQueued(ctx context.Context, id string) (bool, error)
	SaveOutcome(ctx context.Context, runID string, events []model.ActivityEvent, results []model.SlideResult) error
}

// RunClaimer provides atomic claim operations for background processing.
type RunClaimer interface {
	ClaimNextQueued(ctx context.Context) (*model.Run, error)
	ResetStaleRunning(ctx context.Context) (int64, error)
}

// RunRepository combines the run operations the run manager needs.
type RunRepository interface {
	RunReader
	RunWriter
}
