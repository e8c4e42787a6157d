package activity

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yangwenmai/deckforge/internal/model"
)

func seq(events ...model.ActivityEvent) []model.ActivityEvent {
	l := NewLog()
	for _, e := range events {
		l.Append(e)
	}
	return l.Snapshot()
}

func TestProject_NoEventsIsPending(t *testing.T) {
	states := Project(nil, map[int]string{0: "Intro", 1: "Agenda"}, nil)
	require.Len(t, states, 2)
	assert.Equal(t, model.DisplayPending, states[0].Status)
	assert.Equal(t, "Agenda", states[1].Title)
}

func TestProject_ExtractOnlyIsValidating(t *testing.T) {
	states := Project(seq(model.KeywordsEvent(0, 1, []string{"ai"}, "p")), nil, nil)
	assert.Equal(t, model.DisplayValidating, states[0].Status)
}

func TestProject_InvalidIsRewriting(t *testing.T) {
	states := Project(seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: false, Score: 31}),
	), nil, nil)
	st := states[0]
	assert.Equal(t, model.DisplayRewriting, st.Status)
	require.NotNil(t, st.ValidationScore)
	assert.Equal(t, 31, *st.ValidationScore)
	assert.False(t, st.WasRewritten)
}

func TestProject_ValidatePassFirstTry(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, []string{"growth"}, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: true, Score: 82}),
		model.FinalizeEvent(0, 1, "p", false),
	)
	states := Project(events, map[int]string{0: "Growth"}, map[int]string{0: "https://img/0.png"})

	st := states[0]
	assert.Equal(t, model.DisplayComplete, st.Status)
	require.NotNil(t, st.ValidationScore)
	assert.Equal(t, 82, *st.ValidationScore)
	assert.False(t, st.WasRewritten)
	assert.Equal(t, "https://img/0.png", st.ImageURL)
}

func TestProject_OneRewriteThenPass(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: false, Score: 40}),
		model.RewriteEvent(0, 1, "p2", 1),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: true, Score: 75}),
		model.FinalizeEvent(0, 1, "p2", false),
	)
	st := Project(events, nil, nil)[0]

	assert.Equal(t, model.DisplayGenerating, st.Status)
	assert.True(t, st.WasRewritten)
	require.NotNil(t, st.ValidationScore)
	assert.Equal(t, 75, *st.ValidationScore)
	assert.Equal(t, "p2", st.ApprovedPrompt)
}

func TestProject_RewriteKeepsRewritingUntilValidate(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: false, Score: 10}),
		model.RewriteEvent(0, 1, "p2", 1),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayRewriting, st.Status)
	assert.True(t, st.WasRewritten)
}

func TestProject_ForcedFinalize(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{Score: 10}),
		model.RewriteEvent(0, 1, "p1", 1),
		model.ValidateEvent(0, 1, model.ValidationResult{Score: 20}),
		model.RewriteEvent(0, 1, "p2", 2),
		model.ValidateEvent(0, 1, model.ValidationResult{Score: 30}),
		model.FinalizeEvent(0, 1, "p2", true),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayGenerating, st.Status)
	assert.True(t, st.WasRewritten, "wasRewritten stays true after later validate/finalize")
	assert.Equal(t, "p2", st.ApprovedPrompt)
	assert.Contains(t, st.StatusText, "best-effort")
}

func TestProject_ImageFailureIsError(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{IsValid: true, Score: 70}),
		model.FinalizeEvent(0, 1, "p", false),
		model.FailureEvent(0, 1, model.ErrImageGeneration, model.StageImage, "provider 503"),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayError, st.Status)
	assert.Equal(t, "Image generation failed", st.StatusText)
	assert.Equal(t, "provider 503", st.Error)
}

func TestProject_ErrorIsStickyWithinAttempt(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.FailureEvent(0, 1, model.ErrValidation, model.StageValidate, "bad json"),
		model.FinalizeEvent(0, 1, "late", false),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayError, st.Status)
	assert.Empty(t, st.ApprovedPrompt)
}

func TestProject_FreshAttemptRestartsSlide(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 1, nil, "p"),
		model.ValidateEvent(0, 1, model.ValidationResult{Score: 5}),
		model.RewriteEvent(0, 1, "p1", 1),
		model.FailureEvent(0, 1, model.ErrImageGeneration, model.StageImage, "boom"),
		model.KeywordsEvent(0, 2, nil, "p"),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayValidating, st.Status)
	assert.False(t, st.WasRewritten)
	assert.Nil(t, st.ValidationScore)
	assert.Empty(t, st.Error)
}

func TestProject_StaleAttemptIgnored(t *testing.T) {
	events := seq(
		model.KeywordsEvent(0, 2, nil, "p"),
		model.FailureEvent(0, 1, model.ErrImageGeneration, model.StageImage, "late"),
	)
	st := Project(events, nil, nil)[0]
	assert.Equal(t, model.DisplayValidating, st.Status)
}

func TestProject_ImageOverridesStage(t *testing.T) {
	cases := map[string][]model.ActivityEvent{
		"no events":        nil,
		"only extract":     seq(model.KeywordsEvent(0, 1, nil, "p")),
		"rewriting":        seq(model.KeywordsEvent(0, 1, nil, "p"), model.RewriteEvent(0, 1, "p1", 1)),
		"image before log": seq(model.KeywordsEvent(0, 1, nil, "p"), model.ValidateEvent(0, 1, model.ValidationResult{IsValid: true})),
		"failed":           seq(model.FailureEvent(0, 1, model.ErrRewrite, model.StageRewrite, "x")),
	}
	for name, events := range cases {
		t.Run(name, func(t *testing.T) {
			st := Project(events, nil, map[int]string{0: "https://img/0.png"})[0]
			assert.Equal(t, model.DisplayComplete, st.Status)
			assert.Empty(t, st.Error)
		})
	}
}

func TestProjectList_SortedByIndex(t *testing.T) {
	events := seq(
		model.KeywordsEvent(2, 1, nil, "p"),
		model.KeywordsEvent(0, 1, nil, "p"),
	)
	list := ProjectList(events, map[int]string{1: "b"}, nil)
	require.Len(t, list, 3)
	for i, st := range list {
		assert.Equal(t, i, st.Index)
	}
}

// --- properties ---

var stages = []model.Stage{
	model.StageExtractKeywords, model.StageValidate, model.StageRewrite,
	model.StageFinalize, model.StageFailed,
}

func genEvent(rt *rapid.T, label string) model.ActivityEvent {
	idx := rapid.IntRange(0, 4).Draw(rt, label+"_slide")
	attempt := rapid.IntRange(1, 2).Draw(rt, label+"_attempt")
	switch rapid.SampledFrom(stages).Draw(rt, label+"_stage") {
	case model.StageExtractKeywords:
		return model.KeywordsEvent(idx, attempt, []string{"k"}, "p")
	case model.StageValidate:
		return model.ValidateEvent(idx, attempt, model.ValidationResult{
			IsValid: rapid.Bool().Draw(rt, label+"_valid"),
			Score:   rapid.IntRange(0, 100).Draw(rt, label+"_score"),
		})
	case model.StageRewrite:
		return model.RewriteEvent(idx, attempt, "p'", rapid.IntRange(1, 2).Draw(rt, label+"_rw"))
	case model.StageFinalize:
		return model.FinalizeEvent(idx, attempt, "final", rapid.Bool().Draw(rt, label+"_forced"))
	default:
		return model.FailureEvent(idx, attempt, model.ErrImageGeneration, model.StageImage, "x")
	}
}

func genEvents(rt *rapid.T) []model.ActivityEvent {
	n := rapid.IntRange(0, 30).Draw(rt, "n")
	events := make([]model.ActivityEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, genEvent(rt, fmt.Sprintf("e%d", i)))
	}
	return seq(events...)
}

func genImages(rt *rapid.T) map[int]string {
	images := map[int]string{}
	for idx := 0; idx < 5; idx++ {
		if rapid.Bool().Draw(rt, fmt.Sprintf("img%d", idx)) {
			images[idx] = fmt.Sprintf("https://img/%d.png", idx)
		}
	}
	return images
}

func TestProperty_ProjectionIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		events := genEvents(rt)
		images := genImages(rt)
		a := Project(events, nil, images)
		b := Project(events, nil, images)
		if !reflect.DeepEqual(a, b) {
			rt.Fatalf("projection not idempotent:\n%v\n%v", a, b)
		}
	})
}

func TestProperty_ImageAlwaysComplete(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		events := genEvents(rt)
		images := genImages(rt)
		states := Project(events, nil, images)
		for idx := range images {
			if states[idx].Status != model.DisplayComplete {
				rt.Fatalf("slide %d has image but status %q", idx, states[idx].Status)
			}
		}
	})
}

func TestProperty_SlidesAreIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		events := genEvents(rt)
		victim := rapid.IntRange(0, 4).Draw(rt, "victim")

		withFailure := append(append([]model.ActivityEvent{}, events...),
			model.FailureEvent(victim, 1, model.ErrExtraction, model.StageExtractKeywords, "boom"))

		var others []model.ActivityEvent
		for _, e := range events {
			if e.SlideIndex != victim {
				others = append(others, e)
			}
		}

		full := Project(withFailure, nil, nil)
		alone := Project(others, nil, nil)
		for idx, st := range full {
			if idx == victim {
				continue
			}
			if !reflect.DeepEqual(st, alone[idx]) {
				rt.Fatalf("slide %d changed by events of slide %d", idx, victim)
			}
		}
	})
}

func TestProperty_RewriteIsSticky(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tail := genEvents(rt)
		var sameSlide []model.ActivityEvent
		for _, e := range tail {
			if e.SlideIndex == 0 && e.Stage != model.StageFailed {
				e.Attempt = 1
				sameSlide = append(sameSlide, e)
			}
		}
		events := seq(append([]model.ActivityEvent{model.RewriteEvent(0, 1, "p", 1)}, sameSlide...)...)
		if !Project(events, nil, nil)[0].WasRewritten {
			rt.Fatal("wasRewritten must stay true within an attempt")
		}
	})
}
