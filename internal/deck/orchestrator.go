// Package deck runs whole decks: the orchestrator fans slide pipelines out
// under a concurrency cap and the manager tracks live and archived runs.
package deck

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/deckforge/internal/engine"
	"github.com/yangwenmai/deckforge/internal/model"
)

// DefaultConcurrency is the number of slides processed at once. It exists to
// respect provider rate limits, not local resources.
const DefaultConcurrency = 3

// SlideRunner runs one slide attempt to a terminal result.
// *engine.Pipeline satisfies it.
type SlideRunner interface {
	Run(ctx context.Context, task model.SlideTask, attempt int, sink engine.EventSink) model.SlideResult
}

// ProgressFunc is called once per slide, after its terminal result is known,
// with the counters including that slide. Calls never overlap.
type ProgressFunc func(res model.SlideResult, completed, succeeded, failed int)

// Orchestrator runs every slide of a deck through a SlideRunner.
type Orchestrator struct {
	runner       SlideRunner
	concurrency  int
	slideRetries int
	logger       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency caps how many slides run at once. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

// WithSlideRetries lets a slide whose failure is retryable run again, up to
// n extra attempts.
func WithSlideRetries(n int) Option {
	return func(o *Orchestrator) {
		if n < 0 {
			n = 0
		}
		o.slideRetries = n
	}
}

// WithLogger sets the orchestrator logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator around runner.
func NewOrchestrator(runner SlideRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:      runner,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Concurrency returns the slide concurrency cap.
func (o *Orchestrator) Concurrency() int { return o.concurrency }

// Run processes all tasks and returns their results indexed by slide index.
// Slides are admitted in index order; at most Concurrency run at once and
// the rest wait their turn. A failing slide never stops its siblings.
//
// Task indexes must be exactly 0..n-1 in any order, since results are stored
// by position; Deck.Tasks assigns them that way.
//
// Canceling ctx stops admission. Slides that were never admitted end as
// canceled without emitting any event. The only error is a malformed deck.
func (o *Orchestrator) Run(ctx context.Context, tasks []model.SlideTask, sink engine.EventSink, onProgress ProgressFunc) (model.DeckResult, error) {
	if err := model.ValidateTasks(tasks); err != nil {
		return model.DeckResult{}, fmt.Errorf("invalid deck: %w", err)
	}
	ordered := make([]model.SlideTask, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	out := model.DeckResult{
		Results: make([]model.SlideResult, len(ordered)),
		Total:   len(ordered),
	}

	var mu sync.Mutex
	record := func(res model.SlideResult) {
		mu.Lock()
		defer mu.Unlock()
		out.Results[res.Index] = res
		out.Completed++
		if res.IsApproved() {
			out.Succeeded++
		} else {
			out.Failed++
		}
		if onProgress != nil {
			onProgress(res, out.Completed, out.Succeeded, out.Failed)
		}
	}

	// A plain Group, not WithContext: one slide's failure must not cancel
	// the others.
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, task := range ordered {
		if ctx.Err() != nil {
			record(notAdmitted(task.Index))
			continue
		}
		g.Go(func() error {
			// Admission may have waited for a free slot.
			if ctx.Err() != nil {
				record(notAdmitted(task.Index))
				return nil
			}
			record(o.runSlide(ctx, task, sink))
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("deck finished",
		"total", out.Total, "succeeded", out.Succeeded, "failed", out.Failed)
	return out, nil
}

// runSlide runs a slide, re-running it with the next attempt number while
// its failure is retryable and retries remain.
func (o *Orchestrator) runSlide(ctx context.Context, task model.SlideTask, sink engine.EventSink) model.SlideResult {
	for attempt := 1; ; attempt++ {
		res := o.runner.Run(ctx, task, attempt, sink)
		if res.IsApproved() || !res.ErrorKind.Retryable() || attempt > o.slideRetries || ctx.Err() != nil {
			return res
		}
		o.logger.Info("retrying slide",
			"slide", task.Index, "attempt", attempt+1, "kind", res.ErrorKind)
	}
}

func notAdmitted(index int) model.SlideResult {
	return model.Failed(index, model.ErrCanceled, "run canceled before the slide started")
}
