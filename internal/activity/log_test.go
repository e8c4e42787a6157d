package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yangwenmai/deckforge/internal/model"
)

func TestLog_AppendAssignsSeqAndTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog(WithClock(func() time.Time { return fixed }))

	e1 := l.Append(model.KeywordsEvent(0, 1, []string{"a"}, "p"))
	e2 := l.Append(model.ValidateEvent(0, 1, model.ValidationResult{IsValid: true, Score: 90}))

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, fixed, e1.At)
	assert.Equal(t, 2, l.Len())
}

func TestLog_DefaultsAttempt(t *testing.T) {
	l := NewLog()
	e := l.Append(model.ActivityEvent{SlideIndex: 3, Stage: model.StageExtractKeywords})
	assert.Equal(t, 1, e.Attempt)
}

func TestLog_SnapshotIsACopy(t *testing.T) {
	l := NewLog()
	l.Append(model.KeywordsEvent(0, 1, nil, "p"))

	snap := l.Snapshot()
	l.Append(model.FinalizeEvent(0, 1, "p", false))
	snap[0].SlideIndex = 99

	require.Len(t, snap, 1)
	again := l.Snapshot()
	require.Len(t, again, 2)
	assert.Equal(t, 0, again[0].SlideIndex, "mutating a snapshot must not touch the log")
}

func TestLog_ConcurrentAppends(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup
	for slide := 0; slide < 8; slide++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Append(model.RewriteEvent(idx, 1, "p", i))
			}
		}(slide)
	}
	wg.Wait()

	snap := l.Snapshot()
	require.Len(t, snap, 400)
	for i, e := range snap {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestLog_Subscribe(t *testing.T) {
	l := NewLog()
	ch, cancel := l.Subscribe()
	defer cancel()

	// Initial signal for the current state.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected initial signal")
	}

	l.Append(model.KeywordsEvent(0, 1, nil, "p"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected signal after append")
	}

	l.Notify()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected signal after notify")
	}

	l.Close()
	_, open := <-ch
	for open {
		_, open = <-ch
	}
	assert.False(t, open, "channel should be closed after Close")

	// Appends still accepted after Close.
	l.Append(model.FinalizeEvent(0, 1, "p", false))
	assert.Equal(t, 2, l.Len())
}

func TestLog_SubscribeAfterClose(t *testing.T) {
	l := NewLog()
	l.Close()
	ch, cancel := l.Subscribe()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestRestore(t *testing.T) {
	src := NewLog()
	src.Append(model.KeywordsEvent(0, 1, nil, "p"))
	src.Append(model.FinalizeEvent(0, 1, "p", false))

	l := Restore(src.Snapshot())
	e := l.Append(model.FailureEvent(1, 1, model.ErrExtraction, model.StageExtractKeywords, "x"))
	assert.Equal(t, int64(3), e.Seq)
	assert.Equal(t, 3, l.Len())
}

// For any sequence of appends, snapshot length never decreases and earlier
// snapshots stay a prefix of later ones.
func TestProperty_LogIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := NewLog()
		n := rapid.IntRange(1, 40).Draw(rt, "n")

		var prev []model.ActivityEvent
		for i := 0; i < n; i++ {
			idx := rapid.IntRange(0, 5).Draw(rt, "slide")
			l.Append(model.RewriteEvent(idx, 1, "p", i))

			snap := l.Snapshot()
			if len(snap) < len(prev) {
				rt.Fatalf("snapshot shrank: %d -> %d", len(prev), len(snap))
			}
			for j := range prev {
				if snap[j].Seq != prev[j].Seq || snap[j].SlideIndex != prev[j].SlideIndex {
					rt.Fatalf("event %d reordered", j)
				}
			}
			prev = snap
		}
	})
}
