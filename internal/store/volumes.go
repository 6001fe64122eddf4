package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// UpsertVolume records a provider volume, refreshing last_used_at.
func (s *SQLiteStore) UpsertVolume(ctx context.Context, v *domain.Volume) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.LastUsedAt.IsZero() {
		v.LastUsedAt = now
	}
	return withBusyRetry(ctx, "upsert volume", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO volumes (name, session_id, kind, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				session_id = excluded.session_id,
				last_used_at = excluded.last_used_at`,
			v.Name, nullStr(v.SessionID), v.Kind, v.CreatedAt.Unix(), v.LastUsedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert volume: %w", err)
		}
		return nil
	})
}

// ReleaseSessionVolumes orphans a session's volumes by clearing the binding.
func (s *SQLiteStore) ReleaseSessionVolumes(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, "release session volumes", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE volumes SET session_id = NULL, last_used_at = ? WHERE session_id = ?`,
			time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("release session volumes: %w", err)
		}
		return nil
	})
}
