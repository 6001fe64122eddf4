package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

const sessionColumns = `id, project_id, title, status, agent_session_id, created_at, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var title, agentSessionID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.ProjectID, &title, &s.Status, &agentSessionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Title = title.String
	s.AgentSessionID = agentSessionID.String
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	return withBusyRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.ProjectID, nullStr(sess.Title), sess.Status,
			nullStr(sess.AgentSessionID), sess.CreatedAt.Unix(), sess.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session's status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	return withBusyRetry(ctx, "update session status", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
}

// UpdateSessionMeta updates title and/or agent session id; nil fields are
// left unchanged.
func (s *SQLiteStore) UpdateSessionMeta(ctx context.Context, id string, title, agentSessionID *string) error {
	if title == nil && agentSessionID == nil {
		return nil
	}
	return withBusyRetry(ctx, "update session meta", func() error {
		query := `UPDATE sessions SET updated_at = ?`
		args := []any{time.Now().Unix()}
		if title != nil {
			query += `, title = ?`
			args = append(args, nullStr(*title))
		}
		if agentSessionID != nil {
			query += `, agent_session_id = ?`
			args = append(args, nullStr(*agentSessionID))
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update session meta: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
}

// ClaimPooledSession atomically claims the oldest pooled session of a
// project. The compare-and-set on status guarantees at most one claimer wins.
func (s *SQLiteStore) ClaimPooledSession(ctx context.Context, projectID, title string) (*domain.Session, error) {
	var claimed *domain.Session
	err := withBusyRetry(ctx, "claim pooled session", func() error {
		claimed = nil
		row := s.db.QueryRowContext(ctx, `
			SELECT id FROM sessions
			WHERE project_id = ? AND status = ?
			ORDER BY created_at ASC LIMIT 1`, projectID, domain.SessionPooled)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return domain.ErrPooledSessionsExhausted
			}
			return fmt.Errorf("scan pooled session: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, title = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			domain.SessionCreating, nullStr(title), time.Now().Unix(), id, domain.SessionPooled)
		if err != nil {
			return fmt.Errorf("claim pooled session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			// Lost the race to another claimer.
			return domain.ErrPooledSessionsExhausted
		}

		claimed, err = s.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountPooledSessions returns the number of claimable sessions for a project.
func (s *SQLiteStore) CountPooledSessions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE project_id = ? AND status = ?`,
		projectID, domain.SessionPooled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pooled sessions: %w", err)
	}
	return n, nil
}

// DeleteSession removes the session row and every dependent row in one
// transaction. Deletes are explicit rather than FK cascades because the
// foreign_keys pragma is per-connection and the pool does not guarantee it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return withBusyRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer tx.Rollback()

		for _, stmt := range []string{
			`DELETE FROM session_containers WHERE session_id = ?`,
			`DELETE FROM port_reservations WHERE session_id = ?`,
			`DELETE FROM agent_events WHERE session_id = ?`,
			`DELETE FROM browser_sessions WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		return tx.Commit()
	})
}
