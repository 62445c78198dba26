package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryRateStore_ConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	rateStore := NewMemoryRateStore()
	ctx := context.Background()
	window := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	const limit = 10
	const callers = 50

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := rateStore.IncrementIfBelow(ctx, "acct-1", window, limit)
			assert.NoError(t, err)
			allowed <- ok
		}()
	}
	wg.Wait()
	close(allowed)

	admitted := 0
	for ok := range allowed {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted)

	w, err := rateStore.Window(ctx, "acct-1", window)
	assert.NoError(t, err)
	assert.Equal(t, limit, w.RequestCount)
}

func TestMemorySeenStore_TTLExpiry(t *testing.T) {
	seen := NewMemorySeenStore()
	ctx := context.Background()

	assert.NoError(t, seen.MarkSeen(ctx, "acct-1", "t1", 10*time.Millisecond))

	ok, err := seen.Seen(ctx, "acct-1", "t1")
	assert.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = seen.Seen(ctx, "acct-1", "t1")
	assert.NoError(t, err)
	assert.False(t, ok)
}
