package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// GetOAuthToken returns nil, nil if no token is stored for service.
func (s *Store) GetOAuthToken(ctx context.Context, service string) (*v1.OAuthToken, error) {
	var tok v1.OAuthToken
	err := s.reader.GetContext(ctx, &tok, `
		SELECT service, access_token, refresh_token, expires_at_ms, token_type, scope, actor, updated_at AS updated_at_ms
		FROM oauth_tokens WHERE service = ?`, service)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return &tok, nil
}

// SaveOAuthToken replaces the token row in place (INSERT OR REPLACE on the service key).
func (s *Store) SaveOAuthToken(ctx context.Context, tok *v1.OAuthToken) error {
	return s.withRetry(ctx, fmt.Sprintf("save oauth token %s", tok.Service), func() error {
		_, err := s.writer.ExecContext(ctx, `
			INSERT OR REPLACE INTO oauth_tokens
				(service, access_token, refresh_token, expires_at_ms, token_type, scope, actor, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tok.Service, tok.AccessToken, tok.RefreshToken, tok.ExpiresAtMs, tok.TokenType, tok.Scope, tok.Actor,
			time.Now().UTC().UnixMilli(),
		)
		return err
	})
}

// DeleteOAuthToken removes a service's token row, if present.
func (s *Store) DeleteOAuthToken(ctx context.Context, service string) error {
	return s.withRetry(ctx, fmt.Sprintf("delete oauth token %s", service), func() error {
		_, err := s.writer.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE service = ?`, service)
		return err
	})
}
