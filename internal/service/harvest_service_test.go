package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"github.com/feedpacer/feedpacer/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// scriptedFetcher replays a fixed sequence of page responses and
// records the cursor of every call. Past the end of the script it
// repeats the last step.
type scriptedFetcher struct {
	mu      sync.Mutex
	steps   []fetchStep
	cursors []string
}

type fetchStep struct {
	page *model.PageResult
	err  error
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, resourceID, cursor string) (*model.PageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	idx := len(f.cursors) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	step := f.steps[idx]
	return step.page, step.err
}

func items(n int) []model.FeedItem {
	out := make([]model.FeedItem, n)
	for i := range out {
		out[i] = model.FeedItem{TargetID: fmt.Sprintf("target-%d", i)}
	}
	return out
}

// scriptedRateStore replays a fixed allow/deny sequence; past the end
// it always allows.
type scriptedRateStore struct {
	denials []bool
	calls   int
	count   int
}

func (s *scriptedRateStore) IncrementIfBelow(ctx context.Context, resourceID string, windowStart time.Time, limit int) (int, bool, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.denials) && s.denials[idx] {
		return limit, false, nil
	}
	s.count++
	return s.count, true, nil
}

func (s *scriptedRateStore) Window(ctx context.Context, resourceID string, windowStart time.Time) (*model.RateWindow, error) {
	return nil, store.ErrNotFound
}

func newTestHarvestService(fetcher Fetcher, rateStore store.RateStore) *HarvestService {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	admission := NewAdmissionService(rateStore, m, zap.NewNop())
	return NewHarvestService(admission, fetcher, m, zap.NewNop())
}

func fastOptions() HarvestOptions {
	opts := DefaultHarvestOptions()
	opts.Delay = pace.NoDelay{}
	opts.FailureBackoff = time.Millisecond
	return opts
}

func TestHarvestService_ExhaustsFeed(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(5), NextCursor: "a", HasMore: true}},
		{page: &model.PageResult{Items: items(5), NextCursor: "b", HasMore: true}},
		{page: &model.PageResult{Items: items(2), NextCursor: "", HasMore: false}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	var collected int
	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), func(ctx context.Context, batch []model.FeedItem) error {
		collected += len(batch)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, model.HarvestDone, stats.State)
	assert.True(t, stats.Complete)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 12, stats.Items)
	assert.Equal(t, 12, collected)
	assert.Equal(t, []string{"", "a", "b"}, fetcher.cursors)
}

func TestHarvestService_StallBoundTerminates(t *testing.T) {
	// The cursor advances once, then repeats forever.
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(3), NextCursor: "x", HasMore: true}},
		{page: &model.PageResult{Items: items(3), NextCursor: "x", HasMore: true}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	opts := fastOptions()
	opts.StallBound = 3

	stats, err := svc.Run(context.Background(), "acct-1", opts, nil)

	assert.NoError(t, err)
	assert.Equal(t, model.HarvestStalled, stats.State)
	assert.False(t, stats.Complete)
	assert.Equal(t, 3, stats.StallRetries)
	// One advancing page plus exactly StallBound repeats.
	assert.Equal(t, 4, stats.Pages)
}

func TestHarvestService_EmptyPageRetriesThenGivesUp(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: nil, NextCursor: "x", HasMore: true}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	opts := fastOptions()
	opts.AggressiveRetries = 2

	stats, err := svc.Run(context.Background(), "acct-1", opts, nil)

	assert.NoError(t, err)
	assert.Equal(t, model.HarvestDone, stats.State)
	assert.False(t, stats.Complete)
	// Initial fetch plus two retries, all on the starting cursor.
	assert.Equal(t, []string{"", "", ""}, fetcher.cursors)
	assert.Equal(t, 3, stats.Pages)
}

func TestHarvestService_EmptyFinalPageIsCleanFinish(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: nil, NextCursor: "", HasMore: false}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), nil)

	assert.NoError(t, err)
	assert.Equal(t, model.HarvestDone, stats.State)
	assert.True(t, stats.Complete)
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, 0, stats.Items)
}

func TestHarvestService_NullCursorMidStreamRetriesSameCursor(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(3), NextCursor: "", HasMore: true}},
		{page: &model.PageResult{Items: items(2), NextCursor: "", HasMore: false}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), nil)

	assert.NoError(t, err)
	assert.True(t, stats.Complete)
	assert.Equal(t, 5, stats.Items)
	// The retry re-fetched the same (starting) cursor.
	assert.Equal(t, []string{"", ""}, fetcher.cursors)
}

func TestHarvestService_FetchFailuresEndIncomplete(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{err: errors.New("upstream timeout")},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	opts := fastOptions()
	opts.MaxFetchFailures = 2

	stats, err := svc.Run(context.Background(), "acct-1", opts, nil)

	assert.NoError(t, err)
	assert.False(t, stats.Complete)
	assert.Equal(t, 3, stats.FetchErrors)
	assert.Equal(t, 0, stats.Pages)
}

func TestHarvestService_TransientFailureRecovers(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{err: errors.New("upstream timeout")},
		{page: &model.PageResult{Items: items(4), NextCursor: "", HasMore: false}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), nil)

	assert.NoError(t, err)
	assert.True(t, stats.Complete)
	assert.Equal(t, 1, stats.FetchErrors)
	assert.Equal(t, 4, stats.Items)
}

func TestHarvestService_DeniedAdmissionDoesNotAdvanceCursor(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(2), NextCursor: "a", HasMore: true}},
		{page: &model.PageResult{Items: items(2), NextCursor: "", HasMore: false}},
	}}
	rateStore := &scriptedRateStore{denials: []bool{false, true, false}}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	// The clock sits just before the window boundary so the denied
	// wait is effectively instant.
	clock := func() time.Time {
		return time.Date(2026, 1, 1, 10, 59, 59, 999_000_000, time.UTC)
	}
	admission := NewAdmissionService(rateStore, m, zap.NewNop()).WithClock(clock)
	svc := NewHarvestService(admission, fetcher, m, zap.NewNop())

	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), nil)

	assert.NoError(t, err)
	assert.True(t, stats.Complete)
	assert.Equal(t, 2, stats.Pages)
	// The denied check in between never triggered a fetch, and the
	// cursor picked up exactly where it left off.
	assert.Equal(t, []string{"", "a"}, fetcher.cursors)
	assert.Equal(t, 3, rateStore.calls)
}

func TestHarvestService_MaxPagesCapsRun(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(1), NextCursor: "a", HasMore: true}},
		{page: &model.PageResult{Items: items(1), NextCursor: "b", HasMore: true}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	opts := fastOptions()
	opts.MaxPages = 2

	stats, err := svc.Run(context.Background(), "acct-1", opts, nil)

	assert.NoError(t, err)
	assert.True(t, stats.Complete)
	assert.Equal(t, 2, stats.Pages)
	assert.Len(t, fetcher.cursors, 2)
}

func TestHarvestService_CancellationStopsRun(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(1), NextCursor: "a", HasMore: true}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	ctx, cancel := context.WithCancel(context.Background())
	pages := 0
	stats, err := svc.Run(ctx, "acct-1", fastOptions(), func(ctx context.Context, batch []model.FeedItem) error {
		pages++
		if pages == 2 {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, stats.Complete)
}

func TestHarvestService_SinkErrorAbortsRun(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{page: &model.PageResult{Items: items(1), NextCursor: "a", HasMore: true}},
	}}
	svc := newTestHarvestService(fetcher, store.NewMemoryRateStore())

	stats, err := svc.Run(context.Background(), "acct-1", fastOptions(), func(ctx context.Context, batch []model.FeedItem) error {
		return errors.New("disk full")
	})

	assert.Error(t, err)
	assert.False(t, stats.Complete)
	assert.Equal(t, 1, stats.Pages)
}
