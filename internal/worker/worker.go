package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yangwenmai/deckforge/internal/model"
)

// Executor runs a claimed run to the end and archives its outcome.
// *deck.Manager satisfies it.
type Executor interface {
	Execute(ctx context.Context, run *model.Run) error
}

// RunClaimer provides atomic claim and status update operations.
type RunClaimer interface {
	ClaimNextQueued(ctx context.Context) (*model.Run, error)
	ResetStaleRunning(ctx context.Context) (int64, error)
	UpdateRunStatus(ctx context.Context, id, newStatus string, errorInfo *string) error
}

// Worker polls for QUEUED runs and executes them one at a time.
type Worker struct {
	claimer  RunClaimer
	executor Executor
	interval time.Duration
	logger   *slog.Logger
}

// New creates a new Worker.
func New(claimer RunClaimer, executor Executor, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{claimer: claimer, executor: executor, interval: interval, logger: logger}
}

// Start begins the polling loop. It blocks until ctx is cancelled. Runs left
// RUNNING by a previous process are queued again first.
func (w *Worker) Start(ctx context.Context) {
	if n, err := w.claimer.ResetStaleRunning(ctx); err != nil {
		w.logger.Error("reset stale runs", "error", err)
	} else if n > 0 {
		w.logger.Warn("requeued stale runs", "count", n)
	}

	w.logger.Info("worker started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		ok, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("worker claim error", "error", err)
		}
		if !ok {
			w.sleep(ctx)
		}
	}
}

// ProcessNext claims and executes the oldest queued run. It reports whether
// a run was claimed; the error is only about claiming.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	run, err := w.claimer.ClaimNextQueued(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	w.logger.Info("processing run", "run_id", run.ID, "title", run.Title, "slides", run.Total)
	err = w.executor.Execute(ctx, run)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutdown: the run stays RUNNING and is requeued on next start.
		w.logger.Warn("run interrupted", "run_id", run.ID)
	default:
		w.logger.Error("run failed", "run_id", run.ID, "error", err)
		errInfo := buildErrorInfo(err)
		if sErr := w.claimer.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, model.RunFailed, &errInfo); sErr != nil {
			w.logger.Error("failed to set FAILED status", "run_id", run.ID, "error", sErr)
		}
	}
	return true, nil
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.interval):
	}
}

// stepNamer is implemented by errors that carry a pipeline step name.
type stepNamer interface {
	StepName() string
}

func buildErrorInfo(err error) string {
	step := "unknown"
	var sn stepNamer
	if errors.As(err, &sn) {
		step = sn.StepName()
	}
	info := model.ErrorInfo{
		FailedStage: step,
		Message:     err.Error(),
		Retryable:   true,
		FailedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	return info.ToJSON()
}
