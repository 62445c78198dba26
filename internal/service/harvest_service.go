package service

import (
	"context"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"go.uber.org/zap"
)

// Fetcher is the upstream page-fetch capability, implemented by the
// browser/API client layer. The harvest loop orchestrates calls to it
// but never performs the fetch itself.
type Fetcher interface {
	FetchPage(ctx context.Context, resourceID, cursor string) (*model.PageResult, error)
}

// HarvestSink receives each page's items as they arrive. Persisting
// them is the caller's concern.
type HarvestSink func(ctx context.Context, items []model.FeedItem) error

// HarvestOptions tunes one harvest run.
type HarvestOptions struct {
	// MaxPages caps the number of successfully fetched pages; 0 means
	// run until the feed is exhausted or stalled.
	MaxPages int
	// AggressiveRetries bounds re-fetches of the same cursor when the
	// upstream returns an empty-but-not-final page or a null cursor
	// with has_more still set. The upstream legitimately does both
	// mid-stream and often resumes when retried.
	AggressiveRetries int
	// StallBound bounds re-fetches when the cursor stops advancing.
	StallBound int
	// MaxFetchFailures bounds consecutive transport failures before
	// the run ends as incomplete.
	MaxFetchFailures int
	// FetchLimit is the hourly admission budget for page fetches.
	FetchLimit int
	// Delay paces page fetches and retry waits.
	Delay pace.DelayPolicy
	// FailureBackoff is the wait after a transport failure.
	FailureBackoff time.Duration
}

// DefaultHarvestOptions mirror the production automation defaults.
func DefaultHarvestOptions() HarvestOptions {
	return HarvestOptions{
		AggressiveRetries: 3,
		StallBound:        10,
		MaxFetchFailures:  3,
		FetchLimit:        200,
		Delay:             pace.RandomDelay{Min: 3 * time.Second, Max: 8 * time.Second},
		FailureBackoff:    5 * time.Second,
	}
}

// HarvestService drives cursor-based pagination against an unreliable
// upstream feed. Every fetch is admitted against the shared hourly
// budget first; a denied fetch waits for the next window and retries
// the same cursor, never advancing while denied.
type HarvestService struct {
	admission *AdmissionService
	fetcher   Fetcher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewHarvestService creates a new harvest service.
func NewHarvestService(admission *AdmissionService, fetcher Fetcher, m *metrics.Metrics, logger *zap.Logger) *HarvestService {
	return &HarvestService{
		admission: admission,
		fetcher:   fetcher,
		metrics:   m,
		logger:    logger,
	}
}

// Run harvests the feed for resourceID, delivering each page's items
// to sink. It returns the run's stats in every case; the error is
// non-nil only for cancellation or a sink failure. Upstream trouble
// (stalls, transport failures) ends the run with a terminal state in
// the stats instead of an error, so partial progress is never
// discarded.
func (s *HarvestService) Run(ctx context.Context, resourceID string, opts HarvestOptions, sink HarvestSink) (model.HarvestStats, error) {
	stats := model.HarvestStats{State: model.HarvestDone, Complete: true}

	cursor := ""
	aggressiveLeft := opts.AggressiveRetries
	stallRetries := 0
	consecutiveFailures := 0

	s.logger.Info("Starting harvest",
		zap.String("resource_id", resourceID),
		zap.Int("max_pages", opts.MaxPages),
		zap.Int("aggressive_retries", opts.AggressiveRetries))

	for {
		if err := ctx.Err(); err != nil {
			stats.Complete = false
			s.logger.Info("Harvest canceled",
				zap.String("resource_id", resourceID),
				zap.Int("pages", stats.Pages),
				zap.Int("items", stats.Items))
			return stats, err
		}

		if opts.MaxPages > 0 && stats.Pages >= opts.MaxPages {
			s.logger.Info("Harvest reached page cap",
				zap.String("resource_id", resourceID),
				zap.Int("pages", stats.Pages))
			return stats, nil
		}

		// Admission gate. The cursor must not advance while denied.
		decision, err := s.admission.CheckAndIncrement(ctx, resourceID, opts.FetchLimit)
		if err != nil {
			consecutiveFailures++
			stats.FetchErrors++
			if consecutiveFailures > opts.MaxFetchFailures {
				stats.Complete = false
				return stats, nil
			}
			if werr := pace.Sleep(ctx, opts.FailureBackoff); werr != nil {
				stats.Complete = false
				return stats, werr
			}
			continue
		}
		if !decision.Allowed {
			s.logger.Info("Harvest paused, hourly budget exhausted",
				zap.String("resource_id", resourceID),
				zap.Time("reset_at", decision.ResetAt))
			if werr := pace.SleepUntil(ctx, s.admission.clock, decision.ResetAt); werr != nil {
				stats.Complete = false
				return stats, werr
			}
			continue
		}

		page, err := s.fetcher.FetchPage(ctx, resourceID, cursor)
		if err != nil {
			s.metrics.RecordPageFetch("error")
			stats.FetchErrors++
			consecutiveFailures++
			s.logger.Warn("Page fetch failed",
				zap.String("resource_id", resourceID),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(errcode.TransientFetch(resourceID, err)))
			if consecutiveFailures > opts.MaxFetchFailures {
				stats.Complete = false
				s.logger.Error("Harvest ending incomplete, fetch failures exceeded bound",
					zap.String("resource_id", resourceID),
					zap.Int("pages", stats.Pages),
					zap.Int("items", stats.Items))
				return stats, nil
			}
			if werr := pace.Sleep(ctx, opts.FailureBackoff); werr != nil {
				stats.Complete = false
				return stats, werr
			}
			continue
		}

		s.metrics.RecordPageFetch("ok")
		consecutiveFailures = 0
		stats.Pages++

		if len(page.Items) == 0 {
			if !page.HasMore {
				// Confirmed end of feed.
				return stats, nil
			}
			// Empty but not final: upstream flakiness. Retry the same
			// cursor while the aggressive budget lasts.
			if aggressiveLeft <= 0 {
				stats.Complete = false
				s.logger.Warn("Empty-page retries exhausted",
					zap.String("resource_id", resourceID),
					zap.Int("pages", stats.Pages))
				return stats, nil
			}
			aggressiveLeft--
			s.logger.Info("Empty page with more available, retrying cursor",
				zap.String("resource_id", resourceID),
				zap.Int("retries_left", aggressiveLeft))
			if werr := s.wait(ctx, opts.Delay); werr != nil {
				stats.Complete = false
				return stats, werr
			}
			continue
		}

		stats.Items += len(page.Items)
		s.metrics.RecordHarvestItems(len(page.Items))
		if sink != nil {
			if err := sink(ctx, page.Items); err != nil {
				stats.Complete = false
				return stats, errcode.Internal("harvest sink failed", err)
			}
		}

		next := page.NextCursor
		if next == "" {
			if page.HasMore && aggressiveLeft > 0 {
				// Null cursor mid-stream; the upstream often resumes
				// when the same cursor is retried.
				aggressiveLeft--
				s.logger.Info("Null cursor with more available, retrying",
					zap.String("resource_id", resourceID),
					zap.Int("retries_left", aggressiveLeft))
				if werr := s.wait(ctx, opts.Delay); werr != nil {
					stats.Complete = false
					return stats, werr
				}
				continue
			}
			return stats, nil
		}

		if next == cursor {
			stallRetries++
			stats.StallRetries++
			if stallRetries >= opts.StallBound {
				stats.State = model.HarvestStalled
				stats.Complete = false
				s.metrics.RecordHarvestStall()
				s.logger.Error("Harvest stalled, cursor not advancing",
					zap.String("resource_id", resourceID),
					zap.Int("retries", stallRetries),
					zap.Int("pages", stats.Pages),
					zap.Int("items", stats.Items),
					zap.Error(errcode.PaginationStalled(resourceID, cursor, stallRetries)))
				return stats, nil
			}
			if werr := s.wait(ctx, opts.Delay); werr != nil {
				stats.Complete = false
				return stats, werr
			}
			continue
		}

		cursor = next
		stallRetries = 0
		aggressiveLeft = opts.AggressiveRetries

		if werr := s.wait(ctx, opts.Delay); werr != nil {
			stats.Complete = false
			return stats, werr
		}
	}
}

func (s *HarvestService) wait(ctx context.Context, delay pace.DelayPolicy) error {
	if delay == nil {
		return ctx.Err()
	}
	return delay.Wait(ctx)
}
