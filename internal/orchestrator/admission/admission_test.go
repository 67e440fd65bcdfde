package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseAllowsNextWaiter(t *testing.T) {
	g := New()
	ctx := context.Background()

	release1, err := g.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := g.Acquire(ctx)
		require.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not succeed before first release")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	release()
	require.NotPanics(t, func() { release() })

	_, err = g.Acquire(context.Background())
	require.NoError(t, err)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New()
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	require.Error(t, err)
}

func TestResetSpawnGateGivesFreshDefault(t *testing.T) {
	release, err := Default().Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ResetSpawnGate()

	release2, err := Default().Acquire(context.Background())
	require.NoError(t, err)
	release2()
}
