package github

import (
	"context"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// ProvideClient resolves the best available code-host authentication method
// (the gh CLI, then a personal access token from the secret store, then a
// no-op client) and returns the resulting Client along with a label
// describing how it authenticated.
func ProvideClient(ctx context.Context, secrets SecretProvider, log *logger.Logger) (Client, string, error) {
	return NewClient(ctx, secrets, log)
}
