package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
)

type fakeExecutor struct {
	calls int32
}

func (f *fakeExecutor) FillSlots(context.Context) *errgroup.Group {
	atomic.AddInt32(&f.calls, 1)
	return &errgroup.Group{}
}

func TestRunTicksOnceImmediatelyThenStopsOnCancel(t *testing.T) {
	ex := &fakeExecutor{}
	st := state.New(state.Options{MaxParallel: 2})
	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	l := New(Config{PollInterval: time.Hour, ShutdownGrace: time.Second}, ex, nil, cloneMgr, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	// The first tick runs immediately without waiting out PollInterval.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ex.calls) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestTriggerFireWakesSleepEarly(t *testing.T) {
	ex := &fakeExecutor{}
	st := state.New(state.Options{MaxParallel: 2})
	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	trigger := NewTrigger()
	l := New(Config{PollInterval: time.Hour, ShutdownGrace: time.Second}, ex, nil, cloneMgr, st, trigger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ex.calls) >= 1
	}, time.Second, 10*time.Millisecond)

	trigger.Fire()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ex.calls) >= 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMaybeSweepClonesSkipsWithinInterval(t *testing.T) {
	st := state.New(state.Options{MaxParallel: 2})
	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	l := New(Config{SweepInterval: time.Hour}, nil, nil, cloneMgr, st, nil, nil)
	l.maybeSweepClones(context.Background())
	first := l.lastSweep
	require.False(t, first.IsZero())

	l.maybeSweepClones(context.Background())
	require.Equal(t, first, l.lastSweep)
}

func TestShutdownReturnsImmediatelyWhenNoLiveAgents(t *testing.T) {
	st := state.New(state.Options{MaxParallel: 2})
	l := New(Config{ShutdownGrace: 5 * time.Second}, nil, nil, nil, st, nil, nil)

	start := time.Now()
	l.shutdown()
	require.Less(t, time.Since(start), time.Second)
}
