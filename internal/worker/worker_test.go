package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/deckforge/internal/deck"
	"github.com/yangwenmai/deckforge/internal/model"
)

type fakeClaimer struct {
	mu       sync.Mutex
	queue    []*model.Run
	claimErr error
	resets   int
	statuses map[string]string
	infos    map[string]string
}

func (f *fakeClaimer) ClaimNextQueued(context.Context) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	run := f.queue[0]
	f.queue = f.queue[1:]
	return run, nil
}

func (f *fakeClaimer) ResetStaleRunning(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return 0, nil
}

func (f *fakeClaimer) UpdateRunStatus(_ context.Context, id, status string, info *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[string]string{}
		f.infos = map[string]string{}
	}
	f.statuses[id] = status
	if info != nil {
		f.infos[id] = *info
	}
	return nil
}

type fakeExecutor struct {
	mu   sync.Mutex
	ran  []string
	errs map[string]error
}

func (f *fakeExecutor) Execute(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, run.ID)
	return f.errs[run.ID]
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestProcessNext_Empty(t *testing.T) {
	w := New(&fakeClaimer{}, &fakeExecutor{}, time.Millisecond, quiet())
	ok, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessNext_ClaimError(t *testing.T) {
	w := New(&fakeClaimer{claimErr: errors.New("db locked")}, &fakeExecutor{}, time.Millisecond, quiet())
	ok, err := w.ProcessNext(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
}

func TestProcessNext_ExecutesInOrder(t *testing.T) {
	claimer := &fakeClaimer{queue: []*model.Run{{ID: "a"}, {ID: "b"}}}
	exec := &fakeExecutor{}
	w := New(claimer, exec, time.Millisecond, quiet())

	for {
		ok, err := w.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, exec.ran)
	assert.Empty(t, claimer.statuses, "successful runs set their own status")
}

func TestProcessNext_InfrastructureFailureMarksFailed(t *testing.T) {
	claimer := &fakeClaimer{queue: []*model.Run{{ID: "a"}}}
	exec := &fakeExecutor{errs: map[string]error{
		"a": &deck.RunError{Step: "archive", Err: errors.New("disk full")},
	}}
	w := New(claimer, exec, time.Millisecond, quiet())

	ok, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.RunFailed, claimer.statuses["a"])

	var info model.ErrorInfo
	require.NoError(t, json.Unmarshal([]byte(claimer.infos["a"]), &info))
	assert.Equal(t, "archive", info.FailedStage)
	assert.Contains(t, info.Message, "disk full")
	assert.True(t, info.Retryable)
}

func TestBuildErrorInfo_UnknownStep(t *testing.T) {
	var info model.ErrorInfo
	require.NoError(t, json.Unmarshal([]byte(buildErrorInfo(errors.New("x"))), &info))
	assert.Equal(t, "unknown", info.FailedStage)
}

func TestStart_ResetsAndDrains(t *testing.T) {
	claimer := &fakeClaimer{queue: []*model.Run{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	exec := &fakeExecutor{}
	w := New(claimer, exec, time.Millisecond, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return exec.count() == 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 1, claimer.resets)
}
