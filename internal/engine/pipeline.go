package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yangwenmai/deckforge/internal/model"
)

// DefaultMaxRewriteAttempts bounds the validate/rewrite loop of one slide.
const DefaultMaxRewriteAttempts = 2

// EventSink receives the activity events a pipeline emits.
// *activity.Log satisfies it.
type EventSink interface {
	Append(e model.ActivityEvent) model.ActivityEvent
}

// Pipeline drives one slide through keyword extraction, prompt validation,
// bounded rewrites, finalization and image generation.
type Pipeline struct {
	caps        Capabilities
	maxRewrites int
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithMaxRewriteAttempts sets how many rewrites a slide may use before its
// last candidate is finalized anyway. Negative values are treated as zero.
func WithMaxRewriteAttempts(n int) PipelineOption {
	return func(p *Pipeline) {
		if n < 0 {
			n = 0
		}
		p.maxRewrites = n
	}
}

// WithLogger sets the pipeline logger (default: slog.Default()).
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over the given capability ports.
func NewPipeline(caps Capabilities, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		caps:        caps,
		maxRewrites: DefaultMaxRewriteAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRewriteAttempts returns the configured rewrite budget.
func (p *Pipeline) MaxRewriteAttempts() int { return p.maxRewrites }

// Run executes all stages for task and returns its terminal result. It never
// returns an error: every failure is appended to sink as a failed event and
// reported as a failed SlideResult.
//
// ctx is checked before each stage. Capability calls themselves run detached
// from ctx so that a call already in flight when the run is canceled still
// settles and records its outcome.
func (p *Pipeline) Run(ctx context.Context, task model.SlideTask, attempt int, sink EventSink) model.SlideResult {
	if attempt < 1 {
		attempt = 1
	}
	prompt, url, err := p.run(ctx, task, attempt, sink)
	if err != nil {
		var se *SlideError
		if !errors.As(err, &se) {
			se = &SlideError{Kind: model.ErrImageGeneration, Stage: model.StageImage, Err: err}
		}
		sink.Append(model.FailureEvent(task.Index, attempt, se.Kind, se.Stage, se.Err.Error()))
		p.logger.Warn("slide failed",
			"slide", task.Index, "attempt", attempt, "stage", se.Stage, "kind", se.Kind, "error", se.Err)
		return model.Failed(task.Index, se.Kind, se.Err.Error())
	}
	p.logger.Info("slide approved", "slide", task.Index, "attempt", attempt)
	return model.Approved(task.Index, prompt, url)
}

func (p *Pipeline) run(ctx context.Context, task model.SlideTask, attempt int, sink EventSink) (string, string, error) {
	call := context.WithoutCancel(ctx)
	idx := task.Index

	// Step 1: Extract keywords
	if err := ctx.Err(); err != nil {
		return "", "", canceled(model.StageExtractKeywords, err)
	}
	keywords, err := p.caps.Keywords.ExtractKeywords(call, task.TopicContext)
	if err != nil {
		return "", "", &SlideError{Kind: model.ErrExtraction, Stage: model.StageExtractKeywords, Err: err}
	}
	candidate := buildCandidatePrompt(task.Title, keywords)
	sink.Append(model.KeywordsEvent(idx, attempt, keywords, candidate))
	p.logger.Debug("keywords extracted", "slide", idx, "keywords", len(keywords))

	// Steps 2-4: Validate, rewriting until valid or out of budget
	forced := false
	for rewrites := 0; ; {
		if err := ctx.Err(); err != nil {
			return "", "", canceled(model.StageValidate, err)
		}
		v, err := p.caps.Validator.ValidatePrompt(call, candidate)
		if err != nil {
			return "", "", &SlideError{Kind: model.ErrValidation, Stage: model.StageValidate, Err: err}
		}
		v.Score = model.ClampScore(v.Score)
		sink.Append(model.ValidateEvent(idx, attempt, v))
		p.logger.Debug("prompt validated", "slide", idx, "valid", v.IsValid, "score", v.Score)

		if v.IsValid {
			break
		}
		if rewrites >= p.maxRewrites {
			forced = true
			break
		}

		if err := ctx.Err(); err != nil {
			return "", "", canceled(model.StageRewrite, err)
		}
		rewritten, err := p.caps.Rewriter.RewritePrompt(call, candidate, v.Feedback)
		if err != nil {
			return "", "", &SlideError{Kind: model.ErrRewrite, Stage: model.StageRewrite, Err: err}
		}
		rewrites++
		candidate = rewritten
		sink.Append(model.RewriteEvent(idx, attempt, candidate, rewrites))
		p.logger.Debug("prompt rewritten", "slide", idx, "rewrite", rewrites)
	}

	// Step 5: Finalize
	sink.Append(model.FinalizeEvent(idx, attempt, candidate, forced))
	if forced {
		p.logger.Info("rewrite budget exhausted, finalizing best-effort prompt", "slide", idx)
	}

	// Step 6: Generate image
	if err := ctx.Err(); err != nil {
		return "", "", canceled(model.StageImage, err)
	}
	url, err := p.caps.Images.GenerateImage(call, candidate)
	if err != nil {
		return "", "", &SlideError{Kind: model.ErrImageGeneration, Stage: model.StageImage, Err: err}
	}
	if url == "" {
		return "", "", &SlideError{Kind: model.ErrImageGeneration, Stage: model.StageImage, Err: fmt.Errorf("empty image url")}
	}
	return candidate, url, nil
}

func canceled(stage model.Stage, err error) *SlideError {
	return &SlideError{Kind: model.ErrCanceled, Stage: stage, Err: err}
}

// SlideError wraps a capability failure with the stage it happened in and
// the error kind reported for the slide.
type SlideError struct {
	Kind  model.ErrorKind
	Stage model.Stage
	Err   error
}

func (e *SlideError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *SlideError) Unwrap() error {
	return e.Err
}

// StepName returns the stage that failed.
func (e *SlideError) StepName() string {
	return string(e.Stage)
}
