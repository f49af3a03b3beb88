package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEvery(t *testing.T) {
	scheduler := NewScheduler(zaptest.NewLogger(t))
	scheduler.Start()

	var runs int32
	require.NoError(t, scheduler.Every("count", time.Second, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}))
	require.Equal(t, []string{"count"}, scheduler.Jobs())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 2
	}, 4*time.Second, 50*time.Millisecond)

	scheduler.Remove("count")
	scheduler.Remove("unknown")
	require.Empty(t, scheduler.Jobs())

	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestPanickingJobIsRecovered(t *testing.T) {
	scheduler := NewScheduler(zaptest.NewLogger(t))
	scheduler.Start()

	var runs int32
	require.NoError(t, scheduler.Every("panics", time.Second, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
		panic("boom")
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 2
	}, 4*time.Second, 50*time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestStopCancelsRunningJobs(t *testing.T) {
	scheduler := NewScheduler(zaptest.NewLogger(t))
	scheduler.Start()

	started := make(chan struct{})
	var once int32
	require.NoError(t, scheduler.Every("blocks", time.Second, func(ctx context.Context) {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			close(started)
		}
		<-ctx.Done()
	}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, scheduler.Stop(ctx))
}

func TestInvalidPeriod(t *testing.T) {
	scheduler := NewScheduler(zaptest.NewLogger(t))
	require.Error(t, scheduler.Every("never", 0, func(ctx context.Context) {}))
}
