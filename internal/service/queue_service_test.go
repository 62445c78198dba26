package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"github.com/feedpacer/feedpacer/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// stubExecutor records executed targets and fails the ones listed in
// failOn.
type stubExecutor struct {
	executed []string
	failOn   map[string]bool
	onCall   func(n int)
}

func (e *stubExecutor) Perform(ctx context.Context, action model.QueuedAction) (*model.ActionResult, error) {
	e.executed = append(e.executed, action.TargetID)
	if e.onCall != nil {
		e.onCall(len(e.executed))
	}
	if e.failOn[action.TargetID] {
		return nil, errors.New("action rejected by upstream")
	}
	return &model.ActionResult{Success: true, At: time.Now()}, nil
}

func newTestQueue(t *testing.T) *QueueService {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, zap.NewNop())
	return NewQueueService("acct-1", admission, nil, nil, m, zap.NewNop())
}

func enqueue(q *QueueService, kind model.ActionKind, targetID string, priority int) {
	q.Enqueue(model.QueuedAction{Kind: kind, TargetID: targetID, Priority: priority})
}

func TestQueueService_PriorityOrdering(t *testing.T) {
	queue := newTestQueue(t)

	enqueue(queue, model.ActionFollow, "plain-1", 0)
	enqueue(queue, model.ActionFollow, "urgent", 5)
	enqueue(queue, model.ActionFollow, "plain-2", 0)
	enqueue(queue, model.ActionFollow, "medium", 3)

	executor := &stubExecutor{}
	stats, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Equal(t, 4, stats.Successful)
	assert.Equal(t, []string{"urgent", "medium", "plain-1", "plain-2"}, executor.executed)
}

func TestQueueService_EqualPrioritiesKeepFIFO(t *testing.T) {
	queue := newTestQueue(t)

	enqueue(queue, model.ActionLike, "a", 2)
	enqueue(queue, model.ActionLike, "b", 2)
	enqueue(queue, model.ActionLike, "c", 2)

	executor := &stubExecutor{}
	_, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, executor.executed)
}

func TestQueueService_FailedActionDoesNotAbortRun(t *testing.T) {
	queue := newTestQueue(t)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		enqueue(queue, model.ActionUnfollow, id, 0)
	}

	executor := &stubExecutor{failOn: map[string]bool{"t3": true}}
	stats, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Skipped)
	assert.Len(t, executor.executed, 5)

	failed := queue.FailedActions()
	assert.Len(t, failed, 1)
	assert.Equal(t, "t3", failed[0].Action.TargetID)
	assert.Equal(t, "executor_error", failed[0].ErrorKind)
}

func TestQueueService_RetryFailedReExecutesOnlyFailures(t *testing.T) {
	queue := newTestQueue(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		enqueue(queue, model.ActionUnfollow, id, 0)
	}

	executor := &stubExecutor{failOn: map[string]bool{"t2": true}}
	_, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})
	assert.NoError(t, err)

	// The retry succeeds this time.
	executor.failOn = nil
	executor.executed = nil

	stats, err := queue.RetryFailed(context.Background(), executor, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Equal(t, []string{"t2"}, executor.executed)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Empty(t, queue.FailedActions())
	// The original successes are still on record.
	assert.Len(t, queue.Results(), 3)
}

func TestQueueService_RetryFailedWithNothingToRetry(t *testing.T) {
	queue := newTestQueue(t)
	enqueue(queue, model.ActionLike, "t1", 0)

	executor := &stubExecutor{}
	_, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})
	assert.NoError(t, err)

	executor.executed = nil
	stats, err := queue.RetryFailed(context.Background(), executor, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Empty(t, executor.executed)
	assert.Equal(t, 0, stats.Total)
}

func TestQueueService_CancellationSkipsRemaining(t *testing.T) {
	queue := newTestQueue(t)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		enqueue(queue, model.ActionComment, id, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	executor := &stubExecutor{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	stats, err := queue.ExecuteAll(ctx, executor, pace.NoDelay{})

	assert.Error(t, err)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, stats.Total, stats.Successful+stats.Failed+stats.Skipped)
}

func TestQueueService_StopOnError(t *testing.T) {
	queue := newTestQueue(t)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		enqueue(queue, model.ActionFollow, id, 0)
	}

	executor := &stubExecutor{failOn: map[string]bool{"t2": true}}
	opts := DefaultQueueOptions()
	opts.StopOnError = true

	stats, err := queue.ExecuteAllWith(context.Background(), executor, pace.NoDelay{}, opts)

	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, []string{"t1", "t2"}, executor.executed)
}

func TestQueueService_DeniedAdmissionAborts(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, zap.NewNop())
	queue := NewQueueService("acct-1", admission, nil, nil, m, zap.NewNop())

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		enqueue(queue, model.ActionFollow, id, 0)
	}

	executor := &stubExecutor{}
	opts := DefaultQueueOptions()
	opts.ActionLimit = 2
	opts.OnDenied = DeniedAbort

	stats, err := queue.ExecuteAllWith(context.Background(), executor, pace.NoDelay{}, opts)

	assert.True(t, errcode.IsCode(err, errcode.CodeAdmissionDenied))
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Skipped)
	// Denied actions were never executed.
	assert.Equal(t, []string{"t1", "t2"}, executor.executed)
}

func TestQueueService_RetryFailedKeepsRunOptions(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	clock := func() time.Time {
		return time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	}
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, zap.NewNop()).
		WithClock(clock)
	queue := NewQueueService("acct-1", admission, nil, nil, m, zap.NewNop())

	for _, id := range []string{"t1", "t2", "t3"} {
		enqueue(queue, model.ActionFollow, id, 0)
	}

	executor := &stubExecutor{failOn: map[string]bool{"t1": true, "t2": true, "t3": true}}
	opts := DefaultQueueOptions()
	opts.ActionLimit = 4
	opts.OnDenied = DeniedAbort

	_, err := queue.ExecuteAllWith(context.Background(), executor, pace.NoDelay{}, opts)
	assert.NoError(t, err)
	assert.Len(t, queue.FailedActions(), 3)

	// One budget slot is left in the window. The retry runs under the
	// original limit and abort policy, not the defaults: one action is
	// admitted, the rest abort on denial.
	stats, err := queue.RetryFailed(context.Background(), executor, pace.NoDelay{})

	assert.True(t, errcode.IsCode(err, errcode.CodeAdmissionDenied))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Skipped)
	assert.Len(t, executor.executed, 4)
}

func TestQueueService_DeniedAdmissionWaitsForNextWindow(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	// One slot per window. The clock sits just before the boundary so
	// the denied wait is effectively instant, then crosses into the
	// next window: t1 is admitted, t2 is denied once, waits, and is
	// admitted in the fresh window.
	base := time.Date(2026, 1, 1, 10, 59, 59, 999_000_000, time.UTC)
	clockCalls := 0
	clock := func() time.Time {
		clockCalls++
		// Call 1 admits t1, call 2 denies t2, call 3 computes the
		// wait; from call 4 on the boundary has passed.
		if clockCalls <= 3 {
			return base
		}
		return base.Add(time.Hour)
	}
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, zap.NewNop()).
		WithClock(clock)
	queue := NewQueueService("acct-1", admission, nil, nil, m, zap.NewNop())

	enqueue(queue, model.ActionFollow, "t1", 0)
	enqueue(queue, model.ActionFollow, "t2", 0)

	executor := &stubExecutor{}
	opts := DefaultQueueOptions()
	opts.ActionLimit = 1

	stats, err := queue.ExecuteAllWith(context.Background(), executor, pace.NoDelay{}, opts)

	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, []string{"t1", "t2"}, executor.executed)
}

func TestQueueService_SuccessfulActionsMarkSeen(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, zap.NewNop())
	seen := store.NewMemorySeenStore()
	queue := NewQueueService("acct-1", admission, nil, seen, m, zap.NewNop())

	enqueue(queue, model.ActionFollow, "t-ok", 0)
	enqueue(queue, model.ActionFollow, "t-bad", 0)

	executor := &stubExecutor{failOn: map[string]bool{"t-bad": true}}
	_, err := queue.ExecuteAll(context.Background(), executor, pace.NoDelay{})
	assert.NoError(t, err)

	ctx := context.Background()
	ok, err := seen.Seen(ctx, "acct-1", "t-ok")
	assert.NoError(t, err)
	assert.True(t, ok)

	// Failed actions stay unseen so a retry can reach them.
	bad, err := seen.Seen(ctx, "acct-1", "t-bad")
	assert.NoError(t, err)
	assert.False(t, bad)
}

func TestQueueService_EmptyQueueIsNoOp(t *testing.T) {
	queue := newTestQueue(t)

	stats, err := queue.ExecuteAll(context.Background(), &stubExecutor{}, pace.NoDelay{})

	assert.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}
