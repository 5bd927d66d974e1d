package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback.evalgo.org/escalation"
	"feedback.evalgo.org/scheduler"
	"feedback.evalgo.org/statemanager"
)

func newTestPool(t *testing.T, queues map[string]int, capacity int) (*Pool, *statemanager.Manager, *scheduler.Manual) {
	t.Helper()
	clock := scheduler.NewManual(time.Time{})
	m := statemanager.New(statemanager.Config{Scheduler: clock})
	p := NewPool(m, Config{Queues: queues, Capacity: capacity})
	t.Cleanup(p.Stop)
	return p, m, clock
}

func waitDone(t *testing.T, h *statemanager.Handle) statemanager.OperationState {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("operation %s did not finish", h.ID())
	}
	return h.State()
}

func TestSubmit_PendingUntilPickedUp(t *testing.T) {
	p, _, clock := newTestPool(t, map[string]int{"parallel": 2}, 10)

	h, err := p.Submit(context.Background(), "parallel",
		statemanager.StartOptions{OperationType: "index"},
		func(ctx context.Context, h *statemanager.Handle) (interface{}, error) {
			return "indexed", nil
		})
	require.NoError(t, err)

	state := h.State()
	assert.Equal(t, statemanager.StatusPending, state.Status)
	assert.Equal(t, "parallel", state.Metadata["queue"])
	assert.Equal(t, 1, p.Pending("parallel"))

	// The escalation clock runs while the job waits.
	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, escalation.LevelOverlay, h.State().Level)

	p.Start()
	state = waitDone(t, h)
	assert.Equal(t, statemanager.StatusCompleted, state.Status)
	assert.Equal(t, "indexed", state.Result)
	assert.Zero(t, p.Pending("parallel"))
}

func TestSubmit_SequentialOrder(t *testing.T) {
	p, _, _ := newTestPool(t, map[string]int{"sequential": 1}, 10)

	var mu sync.Mutex
	var order []int
	var handles []*statemanager.Handle
	for i := 0; i < 5; i++ {
		i := i
		h, err := p.Submit(context.Background(), "sequential", statemanager.StartOptions{},
			func(context.Context, *statemanager.Handle) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	p.Start()
	for _, h := range handles {
		waitDone(t, h)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmit_CancelledWhilePendingIsSkipped(t *testing.T) {
	p, _, _ := newTestPool(t, map[string]int{"sequential": 1}, 10)

	ran := make(chan string, 2)
	work := func(name string) statemanager.WorkFunc {
		return func(context.Context, *statemanager.Handle) (interface{}, error) {
			ran <- name
			return nil, nil
		}
	}

	skipped, err := p.Submit(context.Background(), "sequential", statemanager.StartOptions{}, work("skipped"))
	require.NoError(t, err)
	kept, err := p.Submit(context.Background(), "sequential", statemanager.StartOptions{}, work("kept"))
	require.NoError(t, err)

	skipped.Cancel()
	p.Start()

	waitDone(t, kept)
	assert.Equal(t, "kept", <-ran)
	assert.Empty(t, ran)
	assert.Equal(t, statemanager.StatusCancelled, skipped.State().Status)
}

func TestSubmit_FailureAndPanic(t *testing.T) {
	p, _, _ := newTestPool(t, map[string]int{"parallel": 2}, 10)
	p.Start()

	failed, err := p.Submit(context.Background(), "parallel", statemanager.StartOptions{},
		func(context.Context, *statemanager.Handle) (interface{}, error) {
			return nil, errors.New("disk full")
		})
	require.NoError(t, err)
	panicked, err := p.Submit(context.Background(), "parallel", statemanager.StartOptions{},
		func(context.Context, *statemanager.Handle) (interface{}, error) {
			panic("bad index")
		})
	require.NoError(t, err)

	state := waitDone(t, failed)
	assert.Equal(t, statemanager.StatusFailed, state.Status)
	assert.Equal(t, "disk full", state.Error)

	state = waitDone(t, panicked)
	assert.Equal(t, statemanager.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "bad index")
}

func TestSubmit_Errors(t *testing.T) {
	p, m, _ := newTestPool(t, map[string]int{"parallel": 1}, 1)

	_, err := p.Submit(context.Background(), "missing", statemanager.StartOptions{}, nil)
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Zero(t, m.Len())

	noop := func(context.Context, *statemanager.Handle) (interface{}, error) { return nil, nil }
	_, err = p.Submit(context.Background(), "parallel", statemanager.StartOptions{}, noop)
	require.NoError(t, err)

	// The queue is full and no worker runs.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, "parallel", statemanager.StartOptions{ID: "late"}, noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, statemanager.StatusCancelled, m.GetOperation("late").Status)

	p.Stop()
	_, err = p.Submit(context.Background(), "parallel", statemanager.StartOptions{}, noop)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestStop_CancelsRunningAndWaitingJobs(t *testing.T) {
	p, _, _ := newTestPool(t, map[string]int{"sequential": 1}, 10)
	p.Start()

	started := make(chan struct{})
	running, err := p.Submit(context.Background(), "sequential", statemanager.StartOptions{},
		func(ctx context.Context, _ *statemanager.Handle) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)
	<-started

	waiting, err := p.Submit(context.Background(), "sequential", statemanager.StartOptions{},
		func(context.Context, *statemanager.Handle) (interface{}, error) {
			return nil, nil
		})
	require.NoError(t, err)

	p.Stop()

	state := waitDone(t, running)
	assert.Equal(t, statemanager.StatusCancelled, state.Status)
	assert.Equal(t, statemanager.ReasonExternal, state.CancelReason)

	state = waitDone(t, waiting)
	assert.Equal(t, statemanager.StatusCancelled, state.Status)
}
