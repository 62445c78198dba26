package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRunner_SpawnAndJoin(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())
	defer runner.Shutdown(time.Second)

	ran := make(chan struct{})
	handle := runner.Spawn("work", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	assert.NoError(t, handle.Join(context.Background()))
	<-ran
	assert.Equal(t, StatusCompleted, handle.Status())
	assert.NoError(t, handle.Err())
}

func TestRunner_FailedTaskReportsError(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())
	defer runner.Shutdown(time.Second)

	handle := runner.Spawn("broken", func(ctx context.Context) error {
		return errors.New("boom")
	})

	err := handle.Join(context.Background())
	assert.EqualError(t, err, "boom")
	assert.Equal(t, StatusFailed, handle.Status())
}

func TestRunner_PanicIsRecovered(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())
	defer runner.Shutdown(time.Second)

	handle := runner.Spawn("panicky", func(ctx context.Context) error {
		panic("unexpected state")
	})

	err := handle.Join(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked")
	assert.Equal(t, StatusFailed, handle.Status())
}

func TestRunner_CancelStopsTask(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())
	defer runner.Shutdown(time.Second)

	started := make(chan struct{})
	handle := runner.Spawn("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	handle.Cancel()

	err := handle.Join(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusCanceled, handle.Status())
}

func TestRunner_ListAndCleanup(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())
	defer runner.Shutdown(time.Second)

	done := runner.Spawn("done", func(ctx context.Context) error { return nil })
	assert.NoError(t, done.Join(context.Background()))

	blocked := make(chan struct{})
	running := runner.Spawn("running", func(ctx context.Context) error {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return nil
	})

	assert.Len(t, runner.List(), 2)

	removed := runner.CleanupCompleted()
	assert.Equal(t, 1, removed)
	assert.Len(t, runner.List(), 1)
	assert.Equal(t, running.ID, runner.List()[0].ID)
	assert.Nil(t, runner.Get(done.ID))

	close(blocked)
	assert.NoError(t, running.Join(context.Background()))
}

func TestRunner_ShutdownCancelsEverything(t *testing.T) {
	runner := NewRunner(context.Background(), zap.NewNop())

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		handles = append(handles, runner.Spawn("long", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	}

	assert.NoError(t, runner.Shutdown(2*time.Second))
	for _, h := range handles {
		assert.Equal(t, StatusCanceled, h.Status())
	}
}
