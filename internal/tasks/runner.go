package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a background task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Handle tracks one background task from spawn to completion.
type Handle struct {
	ID        string
	Name      string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	err     error
	endedAt time.Time
}

// Status returns the task's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the task's terminal error, nil while running or on
// success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Duration returns how long the task ran, or has been running.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endedAt.IsZero() {
		return time.Since(h.StartedAt)
	}
	return h.endedAt.Sub(h.StartedAt)
}

// Cancel requests cooperative cancellation. The task observes it at
// its next context check.
func (h *Handle) Cancel() {
	h.cancel()
}

// Join blocks until the task finishes and returns its terminal error.
func (h *Handle) Join(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(status Status, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.endedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

// Runner spawns and tracks background tasks. Each task gets its own
// cancelable context derived from the runner's base context, so
// stopping the runner stops every task.
type Runner struct {
	baseCtx context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

// NewRunner creates a new task runner.
func NewRunner(ctx context.Context, logger *zap.Logger) *Runner {
	baseCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		baseCtx: baseCtx,
		cancel:  cancel,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// Spawn starts fn in a goroutine and returns its handle. A panic in fn
// is recovered into a failed status so one bad task never takes the
// process down.
func (r *Runner) Spawn(name string, fn func(ctx context.Context) error) *Handle {
	taskCtx, taskCancel := context.WithCancel(r.baseCtx)

	h := &Handle{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: time.Now(),
		cancel:    taskCancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}

	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()

	r.logger.Info("Task started",
		zap.String("task_id", h.ID),
		zap.String("name", name))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer taskCancel()

		err := r.safeRun(taskCtx, h, fn)

		switch {
		case err == nil:
			h.finish(StatusCompleted, nil)
			r.logger.Info("Task completed",
				zap.String("task_id", h.ID),
				zap.String("name", h.Name),
				zap.Duration("duration", h.Duration()))
		case taskCtx.Err() != nil:
			h.finish(StatusCanceled, err)
			r.logger.Info("Task canceled",
				zap.String("task_id", h.ID),
				zap.String("name", h.Name))
		default:
			h.finish(StatusFailed, err)
			r.logger.Error("Task failed",
				zap.String("task_id", h.ID),
				zap.String("name", h.Name),
				zap.Duration("duration", h.Duration()),
				zap.Error(err))
		}
	}()

	return h
}

func (r *Runner) safeRun(ctx context.Context, h *Handle, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
			r.logger.Error("Task panic recovered",
				zap.String("task_id", h.ID),
				zap.String("name", h.Name),
				zap.Any("panic", rec))
		}
	}()
	return fn(ctx)
}

// Get returns the handle for id, or nil.
func (r *Runner) Get(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// List returns every tracked handle.
func (r *Runner) List() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// CleanupCompleted drops finished handles and returns how many were
// removed. Running tasks are never touched.
func (r *Runner) CleanupCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, h := range r.handles {
		if h.Status() != StatusRunning {
			delete(r.handles, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("Cleaned up finished tasks", zap.Int("removed", removed))
	}
	return removed
}

// Shutdown cancels every task and waits for them to finish, up to
// timeout.
func (r *Runner) Shutdown(timeout time.Duration) error {
	r.logger.Info("Shutting down task runner")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Task runner stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task runner shutdown timeout after %v", timeout)
	}
}
