package service

import (
	"context"
	"sync"
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

type sessionFixture struct {
	locks     *LockService
	lockStore *store.MemoryLockStore
	seen      *store.MemorySeenStore
	service   *SessionService
}

func newSessionFixture(t *testing.T, fetcher Fetcher) *sessionFixture {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	logger := zap.NewNop()

	lockStore := store.NewMemoryLockStore()
	seen := store.NewMemorySeenStore()
	locks := NewLockService(lockStore, m, logger)
	admission := NewAdmissionService(store.NewMemoryRateStore(), m, logger)
	harvest := NewHarvestService(admission, fetcher, m, logger)

	return &sessionFixture{
		locks:     locks,
		lockStore: lockStore,
		seen:      seen,
		service:   NewSessionService(locks, admission, harvest, nil, nil, seen, logger),
	}
}

func harvestSessionOptions() SessionOptions {
	return SessionOptions{
		Mode:       model.ModeHarvest,
		Harvest:    fastOptions(),
		Queue:      DefaultQueueOptions(),
		ActionKind: model.ActionUnfollow,
		Delay:      pace.NoDelay{},
	}
}

func TestSessionService_HarvestFeedsQueue(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{
			Items:   []model.FeedItem{{TargetID: "t1"}, {TargetID: "t2"}, {TargetID: "t3"}},
			HasMore: false,
		}},
	}}
	fx := newSessionFixture(t, fetcher)

	executor := &stubExecutor{}
	report, err := fx.service.Run(context.Background(), "acct-1", executor, harvestSessionOptions())

	assert.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, report.Status)
	assert.Equal(t, 3, report.Harvest.Items)
	assert.Equal(t, 3, report.Actions.Successful)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, executor.executed)
}

func TestSessionService_SafeListedTargetsAreNeverActioned(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{
			Items:   []model.FeedItem{{TargetID: "keep-me"}, {TargetID: "t2"}},
			HasMore: false,
		}},
	}}
	fx := newSessionFixture(t, fetcher)

	opts := harvestSessionOptions()
	opts.SafeList = []string{"keep-me"}

	executor := &stubExecutor{}
	report, err := fx.service.Run(context.Background(), "acct-1", executor, opts)

	assert.NoError(t, err)
	assert.Equal(t, []string{"t2"}, executor.executed)
	assert.Equal(t, 1, report.Actions.Total)
}

func TestSessionService_SeenTargetsAreSkipped(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{
			Items:   []model.FeedItem{{TargetID: "old"}, {TargetID: "new"}},
			HasMore: false,
		}},
	}}
	fx := newSessionFixture(t, fetcher)

	ctx := context.Background()
	assert.NoError(t, fx.seen.MarkSeen(ctx, "acct-1", "old", time.Hour))

	executor := &stubExecutor{}
	_, err := fx.service.Run(ctx, "acct-1", executor, harvestSessionOptions())

	assert.NoError(t, err)
	assert.Equal(t, []string{"new"}, executor.executed)
}

func TestSessionService_LockIsReleasedAfterRun(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}}
	fx := newSessionFixture(t, fetcher)
	ctx := context.Background()

	_, err := fx.service.Run(ctx, "acct-1", &stubExecutor{}, harvestSessionOptions())
	assert.NoError(t, err)

	locked, err := fx.locks.IsLocked(ctx, "acct-1")
	assert.NoError(t, err)
	assert.False(t, locked)
}

func TestSessionService_BusyLockRejectsSession(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}}
	fx := newSessionFixture(t, fetcher)
	ctx := context.Background()

	assert.NoError(t, fx.locks.Acquire(ctx, "acct-1", "another-process"))

	report, err := fx.service.Run(ctx, "acct-1", &stubExecutor{}, harvestSessionOptions())

	assert.Nil(t, report)
	assert.True(t, errcode.IsCode(err, errcode.CodeLockBusy))

	// The contending lock is untouched.
	lock, err := fx.lockStore.Get(ctx, "acct-1")
	assert.NoError(t, err)
	assert.Equal(t, "another-process", lock.HolderID)
}

func TestSessionService_QueueModeExecutesStagedActions(t *testing.T) {
	fx := newSessionFixture(t, &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}})

	fx.service.EnqueueAll([]model.QueuedAction{
		{Kind: model.ActionLike, TargetID: "p1"},
		{Kind: model.ActionLike, TargetID: "p2"},
	})

	opts := harvestSessionOptions()
	opts.Mode = model.ModeQueue
	opts.ActionKind = model.ActionLike

	executor := &stubExecutor{}
	report, err := fx.service.Run(context.Background(), "acct-1", executor, opts)

	assert.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, report.Status)
	assert.Equal(t, []string{"p1", "p2"}, executor.executed)
}

func TestSessionService_BatchedExecutionCoversEverything(t *testing.T) {
	fx := newSessionFixture(t, &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}})

	fx.service.EnqueueAll([]model.QueuedAction{
		{Kind: model.ActionLike, TargetID: "p1"},
		{Kind: model.ActionLike, TargetID: "p2"},
		{Kind: model.ActionLike, TargetID: "p3"},
		{Kind: model.ActionLike, TargetID: "p4"},
		{Kind: model.ActionLike, TargetID: "p5"},
	})

	opts := harvestSessionOptions()
	opts.Mode = model.ModeQueue
	opts.BatchSize = 2
	opts.BatchPause = 0

	executor := &stubExecutor{}
	report, err := fx.service.Run(context.Background(), "acct-1", executor, opts)

	assert.NoError(t, err)
	assert.Equal(t, 5, report.Actions.Successful)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, executor.executed)
}

// countingExecutor counts executions per target under a lock so
// concurrent sessions can share it.
type countingExecutor struct {
	mu    sync.Mutex
	count map[string]int
}

func (e *countingExecutor) Perform(ctx context.Context, action model.QueuedAction) (*model.ActionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count[action.TargetID]++
	return &model.ActionResult{Success: true, At: time.Now()}, nil
}

func (e *countingExecutor) counts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.count))
	for id, n := range e.count {
		out[id] = n
	}
	return out
}

func TestSessionService_ConcurrentQueueSessionsConsumeStagingOnce(t *testing.T) {
	fx := newSessionFixture(t, &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}})

	staged := []model.QueuedAction{
		{Kind: model.ActionLike, TargetID: "p1"},
		{Kind: model.ActionLike, TargetID: "p2"},
		{Kind: model.ActionLike, TargetID: "p3"},
		{Kind: model.ActionLike, TargetID: "p4"},
	}
	fx.service.EnqueueAll(staged)

	opts := harvestSessionOptions()
	opts.Mode = model.ModeQueue
	opts.ActionKind = model.ActionLike

	executor := &countingExecutor{count: make(map[string]int)}
	_, err := fx.service.RunMany(context.Background(), []string{"acct-1", "acct-2", "acct-3"}, executor, opts)

	assert.NoError(t, err)

	// Exactly one of the concurrent sessions claims the staging; every
	// staged action runs once and only once.
	total := 0
	for id, n := range executor.counts() {
		assert.Equal(t, 1, n, "target %s executed %d times", id, n)
		total += n
	}
	assert.Equal(t, len(staged), total)
}

func TestSessionService_RunManySkipsBusyResources(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{HasMore: false}},
	}}
	fx := newSessionFixture(t, fetcher)
	ctx := context.Background()

	assert.NoError(t, fx.locks.Acquire(ctx, "acct-2", "another-process"))

	reports, err := fx.service.RunMany(ctx, []string{"acct-1", "acct-2", "acct-3"}, &stubExecutor{}, harvestSessionOptions())

	assert.NoError(t, err)
	assert.Contains(t, reports, "acct-1")
	assert.Contains(t, reports, "acct-3")
	assert.NotContains(t, reports, "acct-2")
}
