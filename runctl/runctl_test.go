package runctl_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/runctl"
)

func TestPauseWaitsForActiveUnits(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()
	b.Start()

	require.NoError(t, b.Enter())

	paused := make(chan error, 1)

	go func() { paused <- b.Pause(context.Background()) }()

	select {
	case <-paused:
		t.Fatal("Pause returned while a unit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, runctl.Paused, b.State())
	assert.True(t, b.ShouldPause())

	b.Exit()
	require.NoError(t, <-paused)
	assert.Zero(t, b.Active())
}

func TestEnterBlocksWhilePaused(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()
	b.Start()
	require.NoError(t, b.Pause(context.Background()))

	var entered atomic.Bool

	done := make(chan struct{})

	go func() {
		defer close(done)

		if b.Enter() == nil {
			entered.Store(true)
			b.Exit()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, entered.Load())

	b.Resume()
	<-done
	assert.True(t, entered.Load())
}

func TestPauseIdempotentAndKicks(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()

	var kicks atomic.Int32

	b.AddKicker(runctl.KickFunc(func() { kicks.Add(1) }))
	b.Start()

	require.NoError(t, b.Pause(context.Background()))
	require.NoError(t, b.Pause(context.Background()))
	assert.Equal(t, int32(1), kicks.Load())
	assert.Equal(t, runctl.Paused, b.State())

	b.Resume()
	b.Resume()
	assert.Equal(t, runctl.Running, b.State())
}

func TestPauseTimeoutRestoresRunning(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()
	b.Start()
	require.NoError(t, b.Enter())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, b.Pause(ctx), context.DeadlineExceeded)
	assert.Equal(t, runctl.Running, b.State())

	b.Exit()
}

// Not parallel: it counts goroutines.
func TestPauseTimeoutReleasesWaiter(t *testing.T) {
	b := runctl.NewBarrier()
	b.Start()
	require.NoError(t, b.Enter())

	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		require.ErrorIs(t, b.Pause(ctx), context.DeadlineExceeded)
		cancel()
	}

	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		time.Second, 5*time.Millisecond, "pause waiters outlived their timeout")
	assert.Equal(t, 1, b.Active())

	b.Exit()
	require.NoError(t, b.Pause(context.Background()))
	assert.Equal(t, runctl.Paused, b.State())
}

func TestResumeOvertakesPause(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()
	b.Start()
	require.NoError(t, b.Enter())

	errc := make(chan error, 1)

	go func() { errc <- b.Pause(context.Background()) }()

	assert.Eventually(t, func() bool { return b.State() == runctl.Paused },
		time.Second, time.Millisecond)
	b.Resume()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, runctl.ErrResumed)
	case <-time.After(5 * time.Second):
		t.Fatal("pause did not return after resume")
	}

	assert.Equal(t, runctl.Running, b.State())
	b.Exit()
}

func TestStopReleasesWaiters(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()

	var wg sync.WaitGroup

	errs := make([]error, 4)

	for i := range errs {
		i := i

		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = b.Enter()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Stop()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, runctl.ErrStopped)
	}
}

func TestRunStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Paused", runctl.Paused.String())
	assert.Equal(t, "RunState(9)", runctl.RunState(9).String())
}
