// Package admission implements the Spawn Admission Gate (§4.7): a single
// process-wide FIFO slot that serializes the expensive launch phase of
// agent subprocesses without serializing their entire lifetime.
package admission

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a capacity-1 weighted semaphore with idempotent release.
type Gate struct {
	sem *semaphore.Weighted
}

var (
	defaultGate   = New()
	defaultGateMu sync.Mutex
)

// New creates an independent gate. Production code uses Default(); tests
// that need isolation from other packages' acquisitions can create their own.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Default returns the process-wide gate.
func Default() *Gate {
	defaultGateMu.Lock()
	defer defaultGateMu.Unlock()
	return defaultGate
}

// ResetSpawnGate replaces the process-wide gate with a fresh one. Exists for
// tests that need a clean slate between cases sharing the default gate.
func ResetSpawnGate() {
	defaultGateMu.Lock()
	defer defaultGateMu.Unlock()
	defaultGate = New()
}

// Release is returned by Acquire; calling it more than once is a no-op.
type Release func()

// Acquire blocks until a slot is available or ctx is cancelled. The FIFO
// ordering is provided by semaphore.Weighted's own waiter queue.
func (g *Gate) Acquire(ctx context.Context) (Release, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() { g.sem.Release(1) })
	}
	return release, nil
}
