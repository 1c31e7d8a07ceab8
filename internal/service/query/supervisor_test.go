package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/testutil"
)

// recorder collects emitted updates.
type recorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *recorder) emit(u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

func (r *recorder) last() StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newSupervisor(t *testing.T, workers int) *Supervisor {
	t.Helper()
	pool := NewPool(workers, testutil.DiscardLogger())
	t.Cleanup(pool.Close)
	return NewSupervisor(pool, func(setid string) string { return "http://lcc.example/api/datasets/" + setid }, testutil.DiscardLogger())
}

func TestSupervisor_CompletesWithinBudget(t *testing.T) {
	s := newSupervisor(t, 2)
	var rec recorder

	out := s.Run(context.Background(), time.Second, "set1", func(context.Context) (any, error) {
		return "rows", nil
	}, rec.emit)

	assert.False(t, out.Background)
	assert.Equal(t, "rows", out.Result)
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusOK}, rec.statuses())
	assert.Equal(t, "rows", rec.last().Result)
	assert.False(t, rec.last().Time.IsZero())
}

func TestSupervisor_FailureWithinBudget(t *testing.T) {
	s := newSupervisor(t, 1)

	var rec recorder
	out := s.Run(context.Background(), time.Second, "set1", func(context.Context) (any, error) {
		return nil, errors.New("disk full")
	}, rec.emit)
	require.Error(t, out.Err)
	assert.Equal(t, StatusFailed, rec.last().Status)
	assert.Equal(t, "disk full", rec.last().Message)

	var rec2 recorder
	s.Run(context.Background(), time.Second, "set2", func(context.Context) (any, error) {
		return nil, &Failure{Message: "no objects matched", Result: 42}
	}, rec2.emit)
	assert.Equal(t, "no objects matched", rec2.last().Message)
	assert.Equal(t, 42, rec2.last().Result)
}

func TestSupervisor_PanickingStepFails(t *testing.T) {
	for _, budget := range []time.Duration{0, 500 * time.Millisecond} {
		s := newSupervisor(t, 1)
		var rec recorder
		done := make(chan Outcome, 1)
		go func() {
			done <- s.RunSteps(context.Background(), "set1", []Step{
				{Message: "searching", Budget: budget, Run: func(context.Context, any) (any, error) { return 1, nil }},
				{Message: "bundling", Budget: budget, Run: func(context.Context, any) (any, error) { panic("bad light curve") }},
			}, rec.emit)
		}()

		select {
		case out := <-done:
			assert.False(t, out.Background, "budget %v", budget)
			require.Error(t, out.Err)
			assert.Contains(t, out.Err.Error(), "bad light curve")
		case <-time.After(5 * time.Second):
			t.Fatalf("budget %v: run never finished after a step panicked", budget)
		}
		assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusRunning, StatusFailed}, rec.statuses())

		out := s.Run(context.Background(), time.Second, "set2", func(context.Context) (any, error) { return "next", nil }, nil)
		assert.Equal(t, "next", out.Result, "worker is free again")
	}
}

func TestSupervisor_TimeoutDoesNotCancelWork(t *testing.T) {
	s := newSupervisor(t, 1)
	var rec recorder

	release := make(chan struct{})
	finished := make(chan error, 1)
	out := s.Run(context.Background(), 20*time.Millisecond, "slowset", func(ctx context.Context) (any, error) {
		<-release
		finished <- ctx.Err()
		return "late", nil
	}, rec.emit)

	require.True(t, out.Background)
	notice, ok := out.Result.(BackgroundNotice)
	require.True(t, ok)
	assert.Equal(t, "slowset", notice.SetID)
	assert.Equal(t, "http://lcc.example/api/datasets/slowset", notice.URL)
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusBackground}, rec.statuses())
	assert.Equal(t, notice, rec.last().Result)

	close(release)
	select {
	case err := <-finished:
		assert.NoError(t, err, "work context must not be cancelled on timeout")
	case <-time.After(time.Second):
		t.Fatal("background work did not finish")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.statuses(), 3, "no updates after background")
}

func TestSupervisor_BudgetCoversWaitForWorker(t *testing.T) {
	s := newSupervisor(t, 1)
	release := make(chan struct{})
	defer close(release)

	go s.Run(context.Background(), time.Hour, "blocker", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, nil)
	time.Sleep(10 * time.Millisecond)

	var rec recorder
	out := s.Run(context.Background(), 20*time.Millisecond, "waiting", func(context.Context) (any, error) {
		return nil, nil
	}, rec.emit)
	assert.True(t, out.Background)
	assert.Equal(t, []Status{StatusQueued, StatusBackground}, rec.statuses())
}

func TestSupervisor_StepBudgetsAreIndependent(t *testing.T) {
	s := newSupervisor(t, 1)
	var rec recorder

	release := make(chan struct{})
	steps := []Step{
		{Message: "first", Budget: time.Second, Run: func(context.Context, any) (any, error) { return 1, nil }},
		{Message: "second", Budget: 20 * time.Millisecond, Run: func(_ context.Context, prev any) (any, error) {
			<-release
			return prev.(int) + 1, nil
		}},
	}
	out := s.RunSteps(context.Background(), "twostep", steps, rec.emit)
	close(release)

	assert.True(t, out.Background)
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusRunning, StatusBackground}, rec.statuses())
}

func TestSupervisor_PassesResultsBetweenSteps(t *testing.T) {
	s := newSupervisor(t, 1)
	steps := []Step{
		{Budget: time.Second, Run: func(context.Context, any) (any, error) { return 1, nil }},
		{Budget: time.Second, Run: func(_ context.Context, prev any) (any, error) { return prev.(int) * 10, nil }},
	}
	out := s.RunSteps(context.Background(), "chain", steps, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, 10, out.Result)
}

func TestSupervisor_SettledStepIsNeverBackgrounded(t *testing.T) {
	s := newSupervisor(t, 1)
	var rec recorder

	out := s.Run(context.Background(), 10*time.Millisecond, "settled", func(ctx context.Context) (any, error) {
		assert.True(t, Settle(ctx))
		time.Sleep(40 * time.Millisecond)
		return nil, &Failure{Message: "nothing found"}
	}, rec.emit)

	assert.False(t, out.Background)
	assert.Equal(t, StatusFailed, rec.last().Status)
}

func TestSupervisor_SettleAfterBackground(t *testing.T) {
	s := newSupervisor(t, 1)
	settled := make(chan bool, 1)
	release := make(chan struct{})

	out := s.Run(context.Background(), 10*time.Millisecond, "late", func(ctx context.Context) (any, error) {
		<-release
		settled <- Settle(ctx)
		return nil, nil
	}, nil)
	require.True(t, out.Background)
	close(release)
	assert.False(t, <-settled)
}

func TestSupervisor_CallerGoneDetaches(t *testing.T) {
	s := newSupervisor(t, 1)
	var rec recorder

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := s.Run(ctx, time.Hour, "gone", func(context.Context) (any, error) {
		<-release
		close(finished)
		return nil, nil
	}, rec.emit)

	assert.True(t, out.Background)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.NotContains(t, rec.statuses(), StatusBackground)
	close(release)
	<-finished
}

func TestSettle_OutsideSupervisor(t *testing.T) {
	assert.True(t, Settle(context.Background()))
}
