package service

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"github.com/feedpacer/feedpacer/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionOptions configures one automation session.
type SessionOptions struct {
	Mode    model.SessionMode
	Harvest HarvestOptions
	Queue   QueueOptions
	// ActionKind is the action applied to harvested targets when the
	// session feeds the queue.
	ActionKind model.ActionKind
	// SafeList names targets that are never queued for an action.
	SafeList []string
	// BatchSize slices queue execution into batches with a pause in
	// between; 0 executes everything in one run.
	BatchSize int
	// BatchPause is the wait between batches.
	BatchPause time.Duration
	// Delay paces individual actions.
	Delay pace.DelayPolicy
}

// SessionService runs a full automation session: take the resource
// lock, record a session row, drive the harvest or the queue, then
// release in reverse order. The lock is released in every exit path,
// including cancellation, so a crash is the only way to leave a stale
// lock behind.
type SessionService struct {
	locks     *LockService
	admission *AdmissionService
	harvest   *HarvestService
	sessions  store.SessionStore
	actionLog store.ActionLogStore
	seenStore store.SeenStore
	logger    *zap.Logger

	// pending holds actions staged for the next queue-mode session.
	// Guarded by pendingMu: RunMany drives sessions concurrently, and
	// the staging must be consumed by exactly one of them.
	pendingMu sync.Mutex
	pending   []model.QueuedAction
}

// NewSessionService creates a new session service. sessions, actionLog
// and seenStore may be nil; the corresponding durability or dedup is
// then skipped.
func NewSessionService(
	locks *LockService,
	admission *AdmissionService,
	harvest *HarvestService,
	sessions store.SessionStore,
	actionLog store.ActionLogStore,
	seenStore store.SeenStore,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		locks:     locks,
		admission: admission,
		harvest:   harvest,
		sessions:  sessions,
		actionLog: actionLog,
		seenStore: seenStore,
		logger:    logger,
	}
}

// EnqueueAll stages actions for the next queue-mode session.
func (s *SessionService) EnqueueAll(actions []model.QueuedAction) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, actions...)
}

// takePending claims the staged actions in one swap. Each staged
// action reaches exactly one session, no matter how many sessions
// start at once.
func (s *SessionService) takePending() []model.QueuedAction {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	staged := s.pending
	s.pending = nil
	return staged
}

// SessionReport is the outcome of one completed session.
type SessionReport struct {
	SessionID string
	Mode      model.SessionMode
	Status    model.SessionStatus
	Harvest   model.HarvestStats
	Actions   model.SessionStats
}

// Run executes one session against resourceID. A busy lock surfaces as
// an errcode.CodeLockBusy error before any work starts.
func (s *SessionService) Run(ctx context.Context, resourceID string, executor Executor, opts SessionOptions) (*SessionReport, error) {
	hostname, _ := os.Hostname()
	sessionID := uuid.New().String()
	holderID := HolderID(hostname, os.Getpid(), sessionID)

	if err := s.locks.Acquire(ctx, resourceID, holderID); err != nil {
		return nil, err
	}
	defer func() {
		// Release on a background context: the session context may
		// already be canceled, and a leaked lock blocks every future
		// session on this resource.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := s.locks.Release(releaseCtx, resourceID, holderID); rerr != nil {
			s.logger.Error("Failed to release session lock",
				zap.String("resource_id", resourceID),
				zap.Error(rerr))
		}
	}()

	report := &SessionReport{
		SessionID: sessionID,
		Mode:      opts.Mode,
		Status:    model.SessionCompleted,
	}

	s.createSessionRow(ctx, sessionID, resourceID, opts.Mode)

	var runErr error
	switch opts.Mode {
	case model.ModeQueue:
		runErr = s.runQueue(ctx, resourceID, sessionID, executor, opts, report)
	default:
		runErr = s.runHarvest(ctx, resourceID, sessionID, executor, opts, report)
	}

	switch {
	case runErr == nil:
		report.Status = model.SessionCompleted
	case ctx.Err() != nil:
		report.Status = model.SessionStopped
	default:
		report.Status = model.SessionError
	}

	s.endSessionRow(resourceID, sessionID, report)

	s.logger.Info("Session finished",
		zap.String("session_id", sessionID),
		zap.String("resource_id", resourceID),
		zap.String("status", string(report.Status)),
		zap.Int("actions_total", report.Actions.Total),
		zap.Int("actions_successful", report.Actions.Successful))

	return report, runErr
}

// runHarvest collects the feed and queues an action per new target,
// then executes the queue.
func (s *SessionService) runHarvest(ctx context.Context, resourceID, sessionID string, executor Executor, opts SessionOptions, report *SessionReport) error {
	queue := NewQueueService(resourceID, s.admission, s.actionLog, s.seenStore, s.harvest.metrics, s.logger)
	queue.SetSessionID(sessionID)

	safe := make(map[string]struct{}, len(opts.SafeList))
	for _, id := range opts.SafeList {
		safe[id] = struct{}{}
	}

	sink := func(ctx context.Context, items []model.FeedItem) error {
		for _, item := range items {
			if _, ok := safe[item.TargetID]; ok {
				s.logger.Debug("Target is safe-listed, skipping",
					zap.String("target_id", item.TargetID))
				continue
			}
			if seen, err := s.alreadySeen(ctx, resourceID, item.TargetID); err == nil && seen {
				s.logger.Debug("Target already processed, skipping",
					zap.String("target_id", item.TargetID))
				continue
			}
			queue.Enqueue(model.QueuedAction{
				Kind:        opts.ActionKind,
				TargetID:    item.TargetID,
				TargetLabel: item.TargetLabel,
				Payload:     item.Payload,
			})
		}
		return nil
	}

	harvestStats, err := s.harvest.Run(ctx, resourceID, opts.Harvest, sink)
	report.Harvest = harvestStats
	if err != nil {
		return err
	}

	if executor == nil || queue.Len() == 0 {
		return nil
	}

	stats, err := s.executeBatches(ctx, queue, executor, opts)
	report.Actions = stats
	s.updateSessionRow(ctx, sessionID, stats)
	return err
}

// runQueue executes a pre-filled queue; the caller enqueues through
// EnqueueAll before Run.
func (s *SessionService) runQueue(ctx context.Context, resourceID, sessionID string, executor Executor, opts SessionOptions, report *SessionReport) error {
	queue := NewQueueService(resourceID, s.admission, s.actionLog, s.seenStore, s.harvest.metrics, s.logger)
	queue.SetSessionID(sessionID)
	for _, a := range s.takePending() {
		queue.Enqueue(a)
	}

	stats, err := s.executeBatches(ctx, queue, executor, opts)
	report.Actions = stats
	s.updateSessionRow(ctx, sessionID, stats)
	return err
}

// executeBatches runs the queue, optionally sliced into batches with a
// pause in between. Slicing bounds the burst size the upstream sees in
// a row even within an admitted window.
func (s *SessionService) executeBatches(ctx context.Context, queue *QueueService, executor Executor, opts SessionOptions) (model.SessionStats, error) {
	if opts.BatchSize <= 0 || queue.Len() <= opts.BatchSize {
		return queue.ExecuteAllWith(ctx, executor, opts.Delay, opts.Queue)
	}

	var total model.SessionStats
	batch := 0
	for queue.Len() > 0 {
		if ctx.Err() != nil {
			total.Skipped += queue.Len()
			queue.Clear()
			return total, ctx.Err()
		}

		remainder := queue.drainAfter(opts.BatchSize)
		batch++
		s.logger.Info("Executing batch",
			zap.Int("batch", batch),
			zap.Int("size", queue.Len()),
			zap.Int("deferred", len(remainder)))

		stats, err := queue.ExecuteAllWith(ctx, executor, opts.Delay, opts.Queue)
		total.Total += stats.Total
		total.Successful += stats.Successful
		total.Failed += stats.Failed
		total.Skipped += stats.Skipped
		if err != nil {
			total.Skipped += len(remainder)
			return total, err
		}

		for _, a := range remainder {
			queue.Enqueue(a)
		}

		if queue.Len() > 0 && opts.BatchPause > 0 {
			s.logger.Info("Pausing between batches",
				zap.Duration("pause", opts.BatchPause))
			if werr := pace.Sleep(ctx, opts.BatchPause); werr != nil {
				total.Skipped += queue.Len()
				queue.Clear()
				return total, werr
			}
		}
	}
	return total, nil
}

func (s *SessionService) alreadySeen(ctx context.Context, resourceID, targetID string) (bool, error) {
	if s.seenStore == nil {
		return false, nil
	}
	return s.seenStore.Seen(ctx, resourceID, targetID)
}

func (s *SessionService) createSessionRow(ctx context.Context, sessionID, resourceID string, mode model.SessionMode) {
	if s.sessions == nil {
		return
	}
	session := &model.Session{
		ID:         sessionID,
		ResourceID: resourceID,
		Mode:       mode,
		Status:     model.SessionRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		s.logger.Error("Failed to create session row",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *SessionService) updateSessionRow(ctx context.Context, sessionID string, stats model.SessionStats) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.UpdateSessionStats(ctx, sessionID, stats); err != nil {
		s.logger.Error("Failed to update session stats",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *SessionService) endSessionRow(resourceID, sessionID string, report *SessionReport) {
	if s.sessions == nil {
		return
	}
	// Background context for the same reason as the lock release.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sessions.EndSession(ctx, sessionID, report.Status, time.Now().UTC()); err != nil {
		s.logger.Error("Failed to end session row",
			zap.String("session_id", sessionID),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}

// RunMany runs one session per resource concurrently. Each resource
// still holds its own lock and budget; concurrency across resources
// never bypasses per-resource pacing. The first error cancels the
// remaining sessions.
func (s *SessionService) RunMany(ctx context.Context, resourceIDs []string, executor Executor, opts SessionOptions) (map[string]*SessionReport, error) {
	reports := make(map[string]*SessionReport, len(resourceIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, resourceID := range resourceIDs {
		resourceID := resourceID
		g.Go(func() error {
			report, err := s.Run(gctx, resourceID, executor, opts)
			if report != nil {
				mu.Lock()
				reports[resourceID] = report
				mu.Unlock()
			}
			// A busy lock means another process owns this resource; the
			// other sessions should keep going.
			if errcode.IsCode(err, errcode.CodeLockBusy) {
				s.logger.Warn("Resource is locked elsewhere, skipping",
					zap.String("resource_id", resourceID))
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	return reports, err
}
