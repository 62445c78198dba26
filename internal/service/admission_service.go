package service

import (
	"context"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/store"
	"go.uber.org/zap"
)

// AdmissionService enforces the rolling hourly request budget shared
// across every process driving the same resource. Counting is
// fixed-window, keyed by the hour the request lands in: coarser than a
// token bucket but auditable per hour, and the callers already pad
// requests with randomized delays.
type AdmissionService struct {
	rateStore store.RateStore
	clock     func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAdmissionService creates a new admission service.
func NewAdmissionService(rateStore store.RateStore, m *metrics.Metrics, logger *zap.Logger) *AdmissionService {
	return &AdmissionService{
		rateStore: rateStore,
		clock:     time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *AdmissionService) WithClock(clock func() time.Time) *AdmissionService {
	s.clock = clock
	return s
}

// WindowStart returns the hour-aligned start of the window containing
// now.
func (s *AdmissionService) WindowStart() time.Time {
	return s.clock().UTC().Truncate(time.Hour)
}

// CheckAndIncrement consumes one slot of the resource's hourly budget
// when one is available. The store performs the check and the
// increment as a single atomic operation, so concurrent callers racing
// for the last slot cannot both pass.
//
// A store failure fails closed: exceeding the upstream quota risks
// account-level penalties, so uncertainty denies. The returned error
// carries errcode.CodeStoreUnavailable in that case.
func (s *AdmissionService) CheckAndIncrement(ctx context.Context, resourceID string, limit int) (model.AdmissionDecision, error) {
	windowStart := s.WindowStart()
	decision := model.AdmissionDecision{
		Limit:   limit,
		ResetAt: windowStart.Add(time.Hour),
	}

	count, allowed, err := s.rateStore.IncrementIfBelow(ctx, resourceID, windowStart, limit)
	if err != nil {
		s.metrics.RecordAdmission(resourceID, "error")
		s.logger.Error("Admission check failed, denying",
			zap.String("resource_id", resourceID),
			zap.Error(err))
		return decision, errcode.StoreUnavailable("rate.increment", err)
	}

	decision.Allowed = allowed
	decision.Count = count

	if allowed {
		s.metrics.RecordAdmission(resourceID, "allowed")
		s.logger.Debug("Request admitted",
			zap.String("resource_id", resourceID),
			zap.Int("count", count),
			zap.Int("limit", limit),
			zap.Int("remaining", decision.Remaining()))
		return decision, nil
	}

	s.metrics.RecordAdmission(resourceID, "denied")
	s.logger.Info("Request denied, hourly budget exhausted",
		zap.String("resource_id", resourceID),
		zap.Int("count", count),
		zap.Int("limit", limit),
		zap.Time("reset_at", decision.ResetAt))
	return decision, nil
}

// Remaining reports the unused budget in the current window without
// consuming a slot.
func (s *AdmissionService) Remaining(ctx context.Context, resourceID string, limit int) (int, error) {
	window, err := s.rateStore.Window(ctx, resourceID, s.WindowStart())
	if err == store.ErrNotFound {
		return limit, nil
	}
	if err != nil {
		return 0, errcode.StoreUnavailable("rate.window", err)
	}

	remaining := limit - window.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
