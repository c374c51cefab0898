package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicRunsOnStartAndOnTick(t *testing.T) {
	var calls int32
	p := NewPeriodic("scan", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, PeriodicConfig{Interval: 10 * time.Millisecond, RunOnStart: true})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	p.Stop()

	stopped := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&calls))
}

func TestPeriodicRetriesFailedRuns(t *testing.T) {
	var calls int32
	p := NewPeriodic("scan", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, PeriodicConfig{Interval: time.Hour, RunOnStart: true, MaxRetries: 5, RetryDelay: time.Millisecond})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Runs() == 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPeriodicGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	p := NewPeriodic("scan", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, PeriodicConfig{Interval: time.Hour, RunOnStart: true, MaxRetries: 2, RetryDelay: time.Millisecond})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Runs() == 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPeriodicStopWithoutStart(t *testing.T) {
	p := NewPeriodic("scan", func(ctx context.Context) error { return nil }, PeriodicConfig{})
	p.Stop()
	assert.Equal(t, 0, p.Runs())
}
