package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// GetGitHubSettings returns the settings singleton; Configured is false when
// no row has been saved.
func (s *SQLiteStore) GetGitHubSettings(ctx context.Context) (*domain.GitHubSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, token, repo FROM github_settings WHERE id = 1`)

	var settings domain.GitHubSettings
	var username, token, repo sql.NullString
	err := row.Scan(&username, &token, &repo)
	if err == sql.ErrNoRows {
		return &domain.GitHubSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan github settings: %w", err)
	}
	settings.Username = username.String
	settings.Token = token.String
	settings.Repo = repo.String
	settings.Configured = settings.Token != ""
	return &settings, nil
}

// SaveGitHubSettings writes the settings singleton.
func (s *SQLiteStore) SaveGitHubSettings(ctx context.Context, settings *domain.GitHubSettings) error {
	return withBusyRetry(ctx, "save github settings", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO github_settings (id, username, token, repo, updated_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				token = excluded.token,
				repo = excluded.repo,
				updated_at = excluded.updated_at`,
			nullStr(settings.Username), nullStr(settings.Token), nullStr(settings.Repo),
			time.Now().Unix())
		if err != nil {
			return fmt.Errorf("save github settings: %w", err)
		}
		return nil
	})
}

// DeleteGitHubSettings clears the settings singleton; idempotent.
func (s *SQLiteStore) DeleteGitHubSettings(ctx context.Context) error {
	return withBusyRetry(ctx, "delete github settings", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM github_settings WHERE id = 1`); err != nil {
			return fmt.Errorf("delete github settings: %w", err)
		}
		return nil
	})
}
