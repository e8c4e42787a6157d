package deck

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yangwenmai/deckforge/internal/activity"
	"github.com/yangwenmai/deckforge/internal/engine"
	"github.com/yangwenmai/deckforge/internal/model"
)

// fakeRunner approves every slide unless fail says otherwise. It tracks how
// many slides run at once.
type fakeRunner struct {
	delay func(idx int) time.Duration
	fail  func(idx, attempt int) model.ErrorKind

	// gate, when set, blocks every slide until it is closed.
	gate chan struct{}

	mu       sync.Mutex
	started  []int
	attempts map[int]int

	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, task model.SlideTask, attempt int, sink engine.EventSink) model.SlideResult {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.started = append(f.started, task.Index)
	if f.attempts == nil {
		f.attempts = make(map[int]int)
	}
	f.attempts[task.Index] = attempt
	f.mu.Unlock()

	sink.Append(model.KeywordsEvent(task.Index, attempt, []string{"k"}, "p"))
	if f.gate != nil {
		<-f.gate
	}
	if f.delay != nil {
		time.Sleep(f.delay(task.Index))
	}
	if f.fail != nil {
		if kind := f.fail(task.Index, attempt); kind != "" {
			sink.Append(model.FailureEvent(task.Index, attempt, kind, model.StageImage, "boom"))
			return model.Failed(task.Index, kind, "boom")
		}
	}
	sink.Append(model.FinalizeEvent(task.Index, attempt, "p", false))
	return model.Approved(task.Index, "p", fmt.Sprintf("https://img/%d.png", task.Index))
}

func makeTasks(n int) []model.SlideTask {
	tasks := make([]model.SlideTask, n)
	for i := range tasks {
		tasks[i] = model.SlideTask{Index: i, Title: fmt.Sprintf("Slide %d", i), TopicContext: "topic"}
	}
	return tasks
}

func TestOrchestrator_ResultsIndexedDespiteCompletionOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	delays := make([]time.Duration, 8)
	for i := range delays {
		delays[i] = time.Duration(rng.Intn(20)) * time.Millisecond
	}
	runner := &fakeRunner{delay: func(idx int) time.Duration { return delays[idx] }}
	o := NewOrchestrator(runner, WithConcurrency(4))

	res, err := o.Run(context.Background(), makeTasks(8), activity.NewLog(), nil)
	require.NoError(t, err)

	require.Len(t, res.Results, 8)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("https://img/%d.png", i), r.ImageURL)
	}
	assert.Equal(t, 8, res.Completed)
	assert.Equal(t, 8, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	runner := &fakeRunner{delay: func(int) time.Duration { return 5 * time.Millisecond }}
	o := NewOrchestrator(runner, WithConcurrency(3))

	_, err := o.Run(context.Background(), makeTasks(10), activity.NewLog(), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(3))
	assert.Len(t, runner.started, 10)
}

func TestOrchestrator_AdmitsInIndexOrder(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOrchestrator(runner, WithConcurrency(1))

	shuffled := makeTasks(5)
	shuffled[0], shuffled[4] = shuffled[4], shuffled[0]
	_, err := o.Run(context.Background(), shuffled, activity.NewLog(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, runner.started)
}

func TestOrchestrator_FailureIsIsolated(t *testing.T) {
	runner := &fakeRunner{fail: func(idx, _ int) model.ErrorKind {
		if idx == 1 {
			return model.ErrValidation
		}
		return ""
	}}
	o := NewOrchestrator(runner)

	res, err := o.Run(context.Background(), makeTasks(3), activity.NewLog(), nil)
	require.NoError(t, err)
	assert.True(t, res.Results[0].IsApproved())
	assert.False(t, res.Results[1].IsApproved())
	assert.Equal(t, model.ErrValidation, res.Results[1].ErrorKind)
	assert.True(t, res.Results[2].IsApproved())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestOrchestrator_RetriesRetryableFailures(t *testing.T) {
	runner := &fakeRunner{fail: func(idx, attempt int) model.ErrorKind {
		if idx == 0 && attempt == 1 {
			return model.ErrImageGeneration
		}
		return ""
	}}
	o := NewOrchestrator(runner, WithSlideRetries(1))
	log := activity.NewLog()

	res, err := o.Run(context.Background(), makeTasks(2), log, nil)
	require.NoError(t, err)
	assert.True(t, res.Results[0].IsApproved())
	assert.Equal(t, 2, runner.attempts[0])
	assert.Equal(t, 1, runner.attempts[1])

	states := activity.Project(log.Snapshot(), nil, res.Images())
	assert.Equal(t, model.DisplayComplete, states[0].Status)
}

func TestOrchestrator_DoesNotRetryOtherKinds(t *testing.T) {
	runner := &fakeRunner{fail: func(int, int) model.ErrorKind { return model.ErrExtraction }}
	o := NewOrchestrator(runner, WithSlideRetries(3))

	res, err := o.Run(context.Background(), makeTasks(1), activity.NewLog(), nil)
	require.NoError(t, err)
	assert.False(t, res.Results[0].IsApproved())
	assert.Equal(t, 1, runner.attempts[0])
}

func TestOrchestrator_CancelStopsAdmission(t *testing.T) {
	gate := make(chan struct{})
	runner := &fakeRunner{gate: gate}
	o := NewOrchestrator(runner, WithConcurrency(2))
	log := activity.NewLog()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.DeckResult)
	go func() {
		res, _ := o.Run(ctx, makeTasks(5), log, nil)
		done <- res
	}()

	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, time.Millisecond)
	cancel()
	close(gate)
	res := <-done

	// The two admitted slides settle normally.
	assert.True(t, res.Results[0].IsApproved())
	assert.True(t, res.Results[1].IsApproved())
	for _, r := range res.Results[2:] {
		assert.Equal(t, model.ErrCanceled, r.ErrorKind)
	}
	assert.Equal(t, 5, res.Completed)

	states := activity.Project(log.Snapshot(), makeRun(5).Titles(), nil)
	for i := 2; i < 5; i++ {
		assert.Equal(t, model.DisplayPending, states[i].Status, "slide %d", i)
	}
}

func TestOrchestrator_CanceledBeforeStart(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOrchestrator(runner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log := activity.NewLog()

	res, err := o.Run(ctx, makeTasks(3), log, nil)
	require.NoError(t, err)
	assert.Empty(t, runner.started)
	assert.Zero(t, log.Len())
	assert.Equal(t, 3, res.Failed)
}

func TestOrchestrator_ProgressCallback(t *testing.T) {
	runner := &fakeRunner{fail: func(idx, _ int) model.ErrorKind {
		if idx == 2 {
			return model.ErrRewrite
		}
		return ""
	}}
	o := NewOrchestrator(runner, WithConcurrency(2))

	var calls []int
	var last [3]int
	_, err := o.Run(context.Background(), makeTasks(4), activity.NewLog(),
		func(res model.SlideResult, completed, succeeded, failed int) {
			calls = append(calls, res.Index)
			last = [3]int{completed, succeeded, failed}
		})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, calls)
	assert.Equal(t, [3]int{4, 3, 1}, last)
}

func TestOrchestrator_InvalidDeck(t *testing.T) {
	o := NewOrchestrator(&fakeRunner{})
	_, err := o.Run(context.Background(), nil, activity.NewLog(), nil)
	require.Error(t, err)

	_, err = o.Run(context.Background(), []model.SlideTask{{Index: 0}, {Index: 0}}, activity.NewLog(), nil)
	require.Error(t, err)

	_, err = o.Run(context.Background(), []model.SlideTask{{Index: 0}, {Index: 2}}, activity.NewLog(), nil)
	require.Error(t, err, "indexes must be 0..n-1")
}

func TestOrchestrator_Options(t *testing.T) {
	assert.Equal(t, DefaultConcurrency, NewOrchestrator(&fakeRunner{}).Concurrency())
	assert.Equal(t, 1, NewOrchestrator(&fakeRunner{}, WithConcurrency(0)).Concurrency())
}

func TestOrchestrator_WithPipeline(t *testing.T) {
	o := NewOrchestrator(engine.NewPipeline(engine.StubCapabilities()))
	log := activity.NewLog()
	tasks := []model.SlideTask{
		{Index: 0, Title: "Solar adoption", TopicContext: "Rooftop solar installations doubled across suburban neighborhoods."},
		{Index: 1, Title: "Battery storage", TopicContext: "Home batteries smooth evening demand peaks for households."},
	}

	res, err := o.Run(context.Background(), tasks, log, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	states := activity.ProjectList(log.Snapshot(), makeRun(2).Titles(), res.Images())
	for _, st := range states {
		assert.Equal(t, model.DisplayComplete, st.Status)
		assert.NotEmpty(t, st.ImageURL)
	}
}

func TestOrchestrator_EveryTaskGetsOneResult(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "slides")
		c := rapid.IntRange(1, 5).Draw(rt, "concurrency")
		flags := rapid.SliceOfN(rapid.Bool(), n, n).Draw(rt, "failing")
		bad := make(map[int]bool, n)
		for i, f := range flags {
			if f {
				bad[i] = true
			}
		}

		runner := &fakeRunner{fail: func(idx, _ int) model.ErrorKind {
			if bad[idx] {
				return model.ErrImageGeneration
			}
			return ""
		}}
		res, err := NewOrchestrator(runner, WithConcurrency(c)).Run(context.Background(), makeTasks(n), activity.NewLog(), nil)
		if err != nil {
			rt.Fatalf("run: %v", err)
		}
		if res.Completed != n || res.Succeeded+res.Failed != n || res.Failed != len(bad) {
			rt.Fatalf("counters %+v for %d slides, %d failing", res, n, len(bad))
		}
		for i, r := range res.Results {
			if r.Index != i || r.IsApproved() == bad[i] {
				rt.Fatalf("result %d = %+v", i, r)
			}
		}
		if int(runner.maxSeen.Load()) > c {
			rt.Fatalf("%d slides ran at once, cap %d", runner.maxSeen.Load(), c)
		}
	})
}

func makeRun(n int) *model.Run {
	run := model.NewRun("run", "Deck", makeTasks(n))
	return &run
}
