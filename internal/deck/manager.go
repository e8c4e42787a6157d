package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/deckforge/internal/activity"
	"github.com/yangwenmai/deckforge/internal/model"
	"github.com/yangwenmai/deckforge/internal/source"
	"github.com/yangwenmai/deckforge/internal/store"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when canceling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
	// ErrInvalidDeck wraps every reason a deck cannot be started.
	ErrInvalidDeck = errors.New("invalid deck")
	// ErrSourceImport wraps failures to fetch a deck's source_url.
	ErrSourceImport = errors.New("source import failed")
)

// TopicImporter fetches the source page of a deck.
// *source.Importer satisfies it.
type TopicImporter interface {
	Import(ctx context.Context, url string) (*source.Document, error)
}

// RunError wraps an infrastructure failure while executing a run with the
// step it happened in.
type RunError struct {
	Step string
	Err  error
}

func (e *RunError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// StepName returns the step that failed.
func (e *RunError) StepName() string { return e.Step }

// liveRun is the in-memory state of a run that has not been archived yet.
type liveRun struct {
	id     string
	titles map[int]string
	log    *activity.Log

	mu              sync.Mutex
	images          map[int]string
	cancel          context.CancelFunc
	cancelRequested bool
}

func (lr *liveRun) imageMap() map[int]string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	out := make(map[int]string, len(lr.images))
	for k, v := range lr.images {
		out[k] = v
	}
	return out
}

func (lr *liveRun) project() []model.DisplaySlideState {
	return activity.ProjectList(lr.log.Snapshot(), lr.titles, lr.imageMap())
}

// Manager starts, cancels, executes and observes runs. Live runs keep their
// activity log in memory; finished runs are served from the store.
type Manager struct {
	repo     store.RunRepository
	orch     *Orchestrator
	importer TopicImporter
	logger   *slog.Logger

	mu   sync.Mutex
	live map[string]*liveRun
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithImporter enables source_url imports for decks.
func WithImporter(i TopicImporter) ManagerOption {
	return func(m *Manager) { m.importer = i }
}

// WithManagerLogger sets the manager logger (default: slog.Default()).
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a run manager.
func NewManager(repo store.RunRepository, orch *Orchestrator, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:   repo,
		orch:   orch,
		logger: slog.Default(),
		live:   make(map[string]*liveRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRun validates d, imports its source page if any, and queues a new
// run. It returns the run id.
func (m *Manager) StartRun(ctx context.Context, d Deck) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDeck, err)
	}

	var sourceText string
	if d.SourceURL != "" {
		if m.importer == nil {
			return "", fmt.Errorf("%w: source_url given but imports are disabled", ErrInvalidDeck)
		}
		doc, err := m.importer.Import(ctx, d.SourceURL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSourceImport, err)
		}
		sourceText = doc.Text
	}

	run := model.NewRun(uuid.New().String(), d.DisplayTitle(), d.Tasks(sourceText))
	if err := m.repo.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	m.register(&run)

	m.logger.Info("run queued", "run_id", run.ID, "slides", run.Total)
	return run.ID, nil
}

// CancelRun cancels a queued or running run. A queued run is canceled at
// once. A running run stops admitting slides and issuing new capability
// calls; calls already in flight settle and are recorded.
func (m *Manager) CancelRun(ctx context.Context, id string) error {
	if lr := m.lookup(id); lr != nil {
		lr.mu.Lock()
		if lr.cancel != nil {
			lr.cancel()
			lr.mu.Unlock()
			m.logger.Info("run cancel requested", "run_id", id)
			return nil
		}
		lr.cancelRequested = true
		lr.mu.Unlock()
	}

	ok, err := m.repo.CancelQueued(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if ok {
		m.unregister(id)
		m.logger.Info("queued run canceled", "run_id", id)
		return nil
	}

	run, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return ErrRunFinished
	}
	// Claimed by a worker but not executing yet; Execute honours the request.
	return nil
}

// Get returns the stored run.
func (m *Manager) Get(ctx context.Context, id string) (*model.Run, error) {
	run, err := m.repo.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// List returns stored runs.
func (m *Manager) List(ctx context.Context, f store.RunFilter) ([]model.Run, error) {
	return m.repo.ListRuns(ctx, f)
}

// Counts returns the number of stored runs per status.
func (m *Manager) Counts(ctx context.Context) (map[string]int, error) {
	return m.repo.CountByStatus(ctx)
}

// Project returns the current display state of every slide of a run.
func (m *Manager) Project(ctx context.Context, id string) ([]model.DisplaySlideState, error) {
	if lr := m.lookup(id); lr != nil {
		return lr.project(), nil
	}
	run, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := m.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	results, err := m.repo.ListResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	images := model.DeckResult{Results: results}.Images()
	return activity.ProjectList(events, run.Titles(), images), nil
}

// Events returns the activity log of a run.
func (m *Manager) Events(ctx context.Context, id string) ([]model.ActivityEvent, error) {
	if lr := m.lookup(id); lr != nil {
		return lr.log.Snapshot(), nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListEvents(ctx, id)
}

// Results returns the archived slide results of a finished run.
func (m *Manager) Results(ctx context.Context, id string) ([]model.SlideResult, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListResults(ctx, id)
}

// Subscribe streams the display state of a run after every change until the
// run is archived or ctx ends. The first value is the current state and the
// last is the final one. Slow readers skip intermediate states.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan []model.DisplaySlideState, error) {
	lr := m.lookup(id)
	if lr == nil {
		states, err := m.Project(ctx, id)
		if err != nil {
			return nil, err
		}
		out := make(chan []model.DisplaySlideState, 1)
		out <- states
		close(out)
		return out, nil
	}

	signals, cancel := lr.log.Subscribe()
	out := make(chan []model.DisplaySlideState)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-signals:
				select {
				case out <- lr.project():
				case <-ctx.Done():
					return
				}
				if !open {
					return
				}
			}
		}
	}()
	return out, nil
}

// Execute runs a claimed run to the end and archives its outcome. Slide
// failures are part of the outcome, not errors; the returned error is a
// *RunError for infrastructure failures, or ctx.Err() when ctx itself was
// canceled (shutdown), in which case the run is left for requeueing.
func (m *Manager) Execute(ctx context.Context, run *model.Run) error {
	lr := m.register(run)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lr.mu.Lock()
	lr.cancel = cancel
	if lr.cancelRequested {
		cancel()
	}
	lr.mu.Unlock()

	start := time.Now()
	m.logger.Info("run started", "run_id", run.ID, "slides", len(run.Tasks))

	// Counters and images are bookkeeping; they must land even while the
	// run is being canceled.
	bookkeeping := context.WithoutCancel(ctx)
	progress := func(res model.SlideResult, completed, succeeded, failed int) {
		if res.IsApproved() {
			lr.mu.Lock()
			lr.images[res.Index] = res.ImageURL
			lr.mu.Unlock()
			lr.log.Notify()
		}
		if err := m.repo.UpdateRunProgress(bookkeeping, run.ID, completed, succeeded, failed); err != nil {
			m.logger.Warn("update progress failed", "run_id", run.ID, "error", err)
		}
	}

	result, err := m.orch.Run(runCtx, run.Tasks, lr.log, progress)
	if err != nil {
		m.unregister(run.ID)
		return &RunError{Step: "orchestrate", Err: err}
	}
	if ctx.Err() != nil {
		m.unregister(run.ID)
		m.logger.Warn("run interrupted by shutdown", "run_id", run.ID)
		return ctx.Err()
	}

	events := lr.log.Snapshot()
	if err := m.repo.SaveOutcome(bookkeeping, run.ID, events, result.Results); err != nil {
		m.unregister(run.ID)
		return &RunError{Step: "archive", Err: err}
	}

	status, info := outcomeStatus(runCtx.Err() != nil, result, events)
	var infoJSON *string
	if info != nil {
		s := info.ToJSON()
		infoJSON = &s
	}
	if err := m.repo.UpdateRunStatus(bookkeeping, run.ID, status, infoJSON); err != nil {
		m.unregister(run.ID)
		return &RunError{Step: "finish", Err: err}
	}
	m.unregister(run.ID)

	m.logger.Info("run finished",
		"run_id", run.ID, "status", status,
		"succeeded", result.Succeeded, "failed", result.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// outcomeStatus maps a deck result to a run status. Partial failure still
// completes the run; error info then lists the failed slides.
func outcomeStatus(canceled bool, result model.DeckResult, events []model.ActivityEvent) (string, *model.ErrorInfo) {
	status := model.RunCompleted
	switch {
	case canceled:
		status = model.RunCanceled
	case result.Total > 0 && result.Succeeded == 0:
		status = model.RunFailed
	}
	if result.Failed == 0 {
		return status, nil
	}

	info := &model.ErrorInfo{
		Message:  fmt.Sprintf("%d of %d slides failed", result.Failed, result.Total),
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, r := range result.Results {
		if r.IsApproved() {
			continue
		}
		info.FailedSlides = append(info.FailedSlides, r.Index)
		if r.ErrorKind.Retryable() {
			info.Retryable = true
		}
	}
	sort.Ints(info.FailedSlides)
	for _, e := range events {
		if e.Stage == model.StageFailed && e.Failure != nil {
			info.FailedStage = string(e.Failure.Stage)
			break
		}
	}
	if info.FailedStage == "" {
		info.FailedStage = string(model.ErrCanceled)
	}
	return status, info
}

// register returns the live state of run, creating it if needed.
func (m *Manager) register(run *model.Run) *liveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lr, ok := m.live[run.ID]; ok {
		return lr
	}
	lr := &liveRun{
		id:     run.ID,
		titles: run.Titles(),
		log:    activity.NewLog(),
		images: make(map[int]string),
	}
	m.live[run.ID] = lr
	return lr
}

func (m *Manager) lookup(id string) *liveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// unregister drops a live run; closing its log ends its subscriptions.
func (m *Manager) unregister(id string) {
	m.mu.Lock()
	lr, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if ok {
		lr.log.Close()
	}
}
