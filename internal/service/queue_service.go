package service

import (
	"context"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"github.com/feedpacer/feedpacer/internal/store"
	"go.uber.org/zap"
)

// Executor performs a queued action's actual side effect. Implemented
// by the browser/automation layer.
type Executor interface {
	Perform(ctx context.Context, action model.QueuedAction) (*model.ActionResult, error)
}

// DeniedPolicy selects what a queue run does when admission denies an
// action.
type DeniedPolicy string

const (
	// DeniedWait sleeps until the next window and retries the same
	// action.
	DeniedWait DeniedPolicy = "wait"
	// DeniedAbort stops the run with an errcode.CodeAdmissionDenied
	// error; the denied action and everything behind it count as
	// skipped.
	DeniedAbort DeniedPolicy = "abort"
)

// QueueOptions tunes one queue-execution run.
type QueueOptions struct {
	// ActionLimit is the hourly admission budget for this queue's
	// action kind.
	ActionLimit int
	// OnDenied selects the admission-denial policy. Default DeniedWait.
	OnDenied DeniedPolicy
	// StopOnError aborts the run on the first failed action. Explicit
	// configuration; the default keeps going.
	StopOnError bool
	// SeenTTL is how long successful targets stay deduplicated.
	SeenTTL time.Duration
}

// DefaultQueueOptions mirror the production automation defaults.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		ActionLimit: 20,
		OnDenied:    DeniedWait,
		SeenTTL:     30 * 24 * time.Hour,
	}
}

// QueueService holds pending side-effecting actions and executes them
// one at a time. Priority ordering is a stable insertion sort,
// descending: queues stay small (tens to low hundreds), so a heap
// would buy nothing.
//
// Execution is strictly sequential. Pacing requires serialization;
// concurrent actions would defeat the rate limiter's intent.
type QueueService struct {
	resourceID string
	admission  *AdmissionService
	actionLog  store.ActionLogStore
	seenStore  store.SeenStore
	metrics    *metrics.Metrics
	logger     *zap.Logger

	queue   []model.QueuedAction
	results []*model.ActionResult
	stats   model.SessionStats

	// lastOpts are the options of the most recent run; retries reuse
	// them so a retry never escapes the original run's policy.
	lastOpts QueueOptions

	// sessionID tags durable result rows when set.
	sessionID string
}

// NewQueueService creates an action queue for one resource. actionLog
// and seenStore may be nil when durable auditing or dedup is not
// wanted (tests, dry runs).
func NewQueueService(
	resourceID string,
	admission *AdmissionService,
	actionLog store.ActionLogStore,
	seenStore store.SeenStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *QueueService {
	return &QueueService{
		resourceID: resourceID,
		admission:  admission,
		actionLog:  actionLog,
		seenStore:  seenStore,
		metrics:    m,
		logger:     logger,
		queue:      make([]model.QueuedAction, 0),
		results:    make([]*model.ActionResult, 0),
	}
}

// SetSessionID tags subsequent durable result rows with the session.
func (s *QueueService) SetSessionID(id string) {
	s.sessionID = id
}

// Enqueue inserts an action. Priority > 0 places it before the first
// existing action with strictly lower priority; priority 0 appends.
// Equal priorities keep insertion order.
func (s *QueueService) Enqueue(action model.QueuedAction) {
	if action.Priority > 0 {
		for i, existing := range s.queue {
			if existing.Priority < action.Priority {
				s.queue = append(s.queue[:i], append([]model.QueuedAction{action}, s.queue[i:]...)...)
				s.metrics.UpdateQueueDepth(len(s.queue))
				s.logger.Debug("Action queued",
					zap.String("kind", string(action.Kind)),
					zap.String("target_id", action.TargetID),
					zap.Int("priority", action.Priority),
					zap.Int("position", i))
				return
			}
		}
	}

	s.queue = append(s.queue, action)
	s.metrics.UpdateQueueDepth(len(s.queue))
	s.logger.Debug("Action queued",
		zap.String("kind", string(action.Kind)),
		zap.String("target_id", action.TargetID),
		zap.Int("priority", action.Priority))
}

// Len returns the number of pending actions.
func (s *QueueService) Len() int {
	return len(s.queue)
}

// Clear drops every pending action.
func (s *QueueService) Clear() {
	s.queue = s.queue[:0]
	s.metrics.UpdateQueueDepth(0)
}

// Results returns every recorded result, in execution order.
func (s *QueueService) Results() []*model.ActionResult {
	return s.results
}

// Stats returns the stats of the latest run.
func (s *QueueService) Stats() model.SessionStats {
	return s.stats
}

// ExecuteAll dequeues and executes every pending action through the
// executor. Each action is admitted against the hourly budget first; a
// denied action is never executed and never counted as failed.
// Cancellation is cooperative: checked between actions, so an
// in-flight action always completes, and remaining actions are counted
// as skipped rather than silently dropped.
func (s *QueueService) ExecuteAll(ctx context.Context, executor Executor, delay pace.DelayPolicy) (model.SessionStats, error) {
	total := len(s.queue)
	s.stats = model.SessionStats{Total: total}

	if total == 0 {
		s.logger.Info("Queue is empty")
		return s.stats, nil
	}

	s.logger.Info("Executing action queue",
		zap.String("resource_id", s.resourceID),
		zap.Int("total", total))

	opts := DefaultQueueOptions()
	return s.run(ctx, executor, delay, opts)
}

// ExecuteAllWith is ExecuteAll with explicit options.
func (s *QueueService) ExecuteAllWith(ctx context.Context, executor Executor, delay pace.DelayPolicy, opts QueueOptions) (model.SessionStats, error) {
	total := len(s.queue)
	s.stats = model.SessionStats{Total: total}

	if total == 0 {
		s.logger.Info("Queue is empty")
		return s.stats, nil
	}

	return s.run(ctx, executor, delay, opts)
}

func (s *QueueService) run(ctx context.Context, executor Executor, delay pace.DelayPolicy, opts QueueOptions) (model.SessionStats, error) {
	if opts.OnDenied == "" {
		opts.OnDenied = DeniedWait
	}
	s.lastOpts = opts

	for len(s.queue) > 0 {
		if ctx.Err() != nil {
			s.skipRemaining("canceled")
			return s.stats, ctx.Err()
		}

		action := s.queue[0]

		// Admission gate; fail closed on store trouble.
		decision, err := s.admission.CheckAndIncrement(ctx, s.resourceID, opts.ActionLimit)
		if err != nil || !decision.Allowed {
			if opts.OnDenied == DeniedAbort || err != nil {
				if err == nil {
					err = errcode.AdmissionDenied(s.resourceID, decision.Count, decision.Limit, decision.ResetAt)
				}
				s.logger.Warn("Aborting queue run on admission denial",
					zap.String("resource_id", s.resourceID),
					zap.Int("remaining", len(s.queue)),
					zap.Error(err))
				s.skipRemaining("admission denied")
				return s.stats, err
			}
			s.logger.Info("Queue paused, hourly budget exhausted",
				zap.String("resource_id", s.resourceID),
				zap.Time("reset_at", decision.ResetAt))
			if werr := pace.SleepUntil(ctx, s.admission.clock, decision.ResetAt); werr != nil {
				s.skipRemaining("canceled")
				return s.stats, werr
			}
			continue
		}

		s.queue = s.queue[1:]
		s.metrics.UpdateQueueDepth(len(s.queue))

		result := s.perform(ctx, executor, action)
		s.results = append(s.results, result)
		s.record(ctx, result)

		if result.Success {
			s.stats.Successful++
			s.markSeen(ctx, action, opts.SeenTTL)
		} else {
			s.stats.Failed++
			if opts.StopOnError {
				s.logger.Warn("Stopping queue run on first error",
					zap.String("target_id", action.TargetID))
				s.skipRemaining("stop on error")
				return s.stats, nil
			}
		}

		// Pace before the next action, except after the last one.
		if len(s.queue) > 0 && delay != nil {
			if werr := delay.Wait(ctx); werr != nil {
				s.skipRemaining("canceled")
				return s.stats, werr
			}
		}
	}

	s.logger.Info("Queue run complete",
		zap.String("resource_id", s.resourceID),
		zap.Int("total", s.stats.Total),
		zap.Int("successful", s.stats.Successful),
		zap.Int("failed", s.stats.Failed),
		zap.Int("skipped", s.stats.Skipped),
		zap.Float64("success_rate", s.stats.SuccessRate()))

	return s.stats, nil
}

// perform invokes the executor, converting an executor error into a
// failed result so one bad action never aborts the run.
func (s *QueueService) perform(ctx context.Context, executor Executor, action model.QueuedAction) *model.ActionResult {
	start := time.Now()
	result, err := executor.Perform(ctx, action)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		s.metrics.RecordAction(string(action.Kind), "failed", elapsed)
		wrapped := errcode.ActionFailed(string(action.Kind), action.TargetID, err)
		s.logger.Warn("Action failed",
			zap.String("kind", string(action.Kind)),
			zap.String("target_id", action.TargetID),
			zap.Error(wrapped))
		return &model.ActionResult{
			Action:    action,
			Success:   false,
			ErrorKind: "executor_error",
			ErrorText: err.Error(),
			At:        time.Now(),
		}
	}

	if result == nil {
		result = &model.ActionResult{Action: action, Success: true}
	}
	result.Action = action
	if result.At.IsZero() {
		result.At = time.Now()
	}

	status := "ok"
	if !result.Success {
		status = "failed"
	}
	s.metrics.RecordAction(string(action.Kind), status, elapsed)

	return result
}

func (s *QueueService) record(ctx context.Context, result *model.ActionResult) {
	if s.actionLog == nil || s.sessionID == "" {
		return
	}
	if err := s.actionLog.AppendResult(ctx, s.sessionID, result); err != nil {
		// The audit row is best-effort; the in-memory log still has it.
		s.logger.Error("Failed to append action result",
			zap.String("session_id", s.sessionID),
			zap.Error(err))
	}
}

func (s *QueueService) markSeen(ctx context.Context, action model.QueuedAction, ttl time.Duration) {
	if s.seenStore == nil {
		return
	}
	if err := s.seenStore.MarkSeen(ctx, s.resourceID, action.TargetID, ttl); err != nil {
		s.logger.Error("Failed to mark target seen",
			zap.String("target_id", action.TargetID),
			zap.Error(err))
	}
}

func (s *QueueService) skipRemaining(reason string) {
	if len(s.queue) == 0 {
		return
	}
	s.stats.Skipped += len(s.queue)
	s.logger.Warn("Skipping remaining actions",
		zap.Int("count", len(s.queue)),
		zap.String("reason", reason))
	s.queue = s.queue[:0]
	s.metrics.UpdateQueueDepth(0)
}

// drainAfter removes and returns every action beyond the first n,
// keeping queue order. Used to slice execution into batches.
func (s *QueueService) drainAfter(n int) []model.QueuedAction {
	if n <= 0 || len(s.queue) <= n {
		return nil
	}
	remainder := make([]model.QueuedAction, len(s.queue)-n)
	copy(remainder, s.queue[n:])
	s.queue = s.queue[:n]
	s.metrics.UpdateQueueDepth(len(s.queue))
	return remainder
}

// FailedActions returns the results of every failed execution.
func (s *QueueService) FailedActions() []*model.ActionResult {
	failed := make([]*model.ActionResult, 0)
	for _, r := range s.results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}

// RetryFailed re-enqueues every failed result's originating action and
// executes the queue again under the previous run's options, so a run
// configured with a tighter limit or an abort policy retries under the
// same policy. Successful actions are never re-executed; their results
// stay in the log untouched.
func (s *QueueService) RetryFailed(ctx context.Context, executor Executor, delay pace.DelayPolicy) (model.SessionStats, error) {
	failed := s.FailedActions()
	if len(failed) == 0 {
		s.logger.Info("No failed actions to retry")
		return model.SessionStats{}, nil
	}

	s.logger.Info("Retrying failed actions", zap.Int("count", len(failed)))

	// Keep only the successes; the retry run produces fresh results
	// for the failures.
	kept := make([]*model.ActionResult, 0, len(s.results))
	for _, r := range s.results {
		if r.Success {
			kept = append(kept, r)
		}
	}
	s.results = kept

	for _, r := range failed {
		s.Enqueue(r.Action)
	}

	opts := s.lastOpts
	if opts.ActionLimit == 0 {
		opts = DefaultQueueOptions()
	}
	return s.ExecuteAllWith(ctx, executor, delay, opts)
}
