package activity

import (
	"fmt"
	"sort"

	"github.com/yangwenmai/deckforge/internal/model"
)

// Project folds events and the image map into per-slide display state.
//
// It is a pure function: the same inputs always give the same output. Events
// of different slides never interact. Within a slide, fields are last write
// wins in log order, except WasRewritten which stays true for the attempt once
// a rewrite is seen, and error which is sticky for the attempt. An event with
// a higher Attempt starts the slide over; events from an older attempt are
// ignored. An image for a slide always wins and reports complete.
//
// titles may name slides that have no events yet; they project as pending.
func Project(events []model.ActivityEvent, titles map[int]string, images map[int]string) map[int]model.DisplaySlideState {
	states := make(map[int]model.DisplaySlideState, len(titles))
	attempts := make(map[int]int, len(titles))

	for idx, title := range titles {
		states[idx] = pendingState(idx, title)
	}

	for _, e := range events {
		idx := e.SlideIndex
		attempt := e.Attempt
		if attempt < 1 {
			attempt = 1
		}

		st, ok := states[idx]
		if !ok {
			st = pendingState(idx, titles[idx])
		}
		switch cur := attempts[idx]; {
		case attempt < cur:
			continue
		case attempt > cur && cur != 0:
			st = pendingState(idx, st.Title)
		}
		attempts[idx] = attempt

		if st.Status != model.DisplayError {
			st = apply(st, e)
		}
		states[idx] = st
	}

	for idx, url := range images {
		if url == "" {
			continue
		}
		st, ok := states[idx]
		if !ok {
			st = pendingState(idx, titles[idx])
		}
		st.Status = model.DisplayComplete
		st.StatusText = "Complete"
		st.ImageURL = url
		st.Error = ""
		states[idx] = st
	}

	return states
}

// ProjectList is Project sorted by slide index.
func ProjectList(events []model.ActivityEvent, titles map[int]string, images map[int]string) []model.DisplaySlideState {
	states := Project(events, titles, images)
	out := make([]model.DisplaySlideState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func pendingState(idx int, title string) model.DisplaySlideState {
	return model.DisplaySlideState{
		Index:      idx,
		Title:      title,
		Status:     model.DisplayPending,
		StatusText: "Waiting",
	}
}

func apply(st model.DisplaySlideState, e model.ActivityEvent) model.DisplaySlideState {
	switch e.Stage {
	case model.StageExtractKeywords:
		st.Status = model.DisplayValidating
		st.StatusText = "Validating prompt"

	case model.StageValidate:
		if e.Validation == nil {
			return st
		}
		score := e.Validation.Score
		st.ValidationScore = &score
		if e.Validation.IsValid {
			st.Status = model.DisplayGenerating
			st.StatusText = fmt.Sprintf("Prompt approved (score %d)", score)
		} else {
			st.Status = model.DisplayRewriting
			st.StatusText = fmt.Sprintf("Prompt rejected (score %d), rewriting", score)
		}

	case model.StageRewrite:
		st.WasRewritten = true
		st.Status = model.DisplayRewriting
		if e.Rewrite != nil {
			st.StatusText = fmt.Sprintf("Rewrite #%d, re-validating", e.Rewrite.RewriteAttempt)
		} else {
			st.StatusText = "Rewriting prompt"
		}

	case model.StageFinalize:
		st.Status = model.DisplayGenerating
		st.StatusText = "Generating image"
		if e.Finalize != nil {
			st.ApprovedPrompt = e.Finalize.ApprovedPrompt
			if e.Finalize.Forced {
				st.StatusText = "Generating image (best-effort prompt)"
			}
		}

	case model.StageFailed:
		st.Status = model.DisplayError
		st.StatusText = "Failed"
		if e.Failure != nil {
			st.StatusText = failureText(e.Failure.Kind)
			st.Error = e.Failure.Message
		}
	}
	return st
}

func failureText(kind model.ErrorKind) string {
	switch kind {
	case model.ErrExtraction:
		return "Keyword extraction failed"
	case model.ErrValidation:
		return "Prompt validation failed"
	case model.ErrRewrite:
		return "Prompt rewrite failed"
	case model.ErrImageGeneration:
		return "Image generation failed"
	case model.ErrCanceled:
		return "Canceled"
	default:
		return "Failed"
	}
}
