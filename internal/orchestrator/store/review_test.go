package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReviewWatchHitDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.HasSeenReviewPR(ctx, "kandev", "orchestrator", 42)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkReviewPRSeen(ctx, "kandev", "orchestrator", 42, 1000))

	seen, err = s.HasSeenReviewPR(ctx, "kandev", "orchestrator", 42)
	require.NoError(t, err)
	require.True(t, seen)

	// Marking again is a no-op, not an error (UNIQUE constraint absorbs it).
	require.NoError(t, s.MarkReviewPRSeen(ctx, "kandev", "orchestrator", 42, 2000))
}
