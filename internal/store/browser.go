package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

const browserColumns = `session_id, desired, actual, stream_port, last_url, retry_count, error_message, last_heartbeat_at`

func scanBrowserState(row rowScanner) (*domain.BrowserSessionState, error) {
	var st domain.BrowserSessionState
	var streamPort sql.NullInt64
	var lastURL, errorMessage sql.NullString
	var heartbeat sql.NullInt64

	err := row.Scan(&st.SessionID, &st.Desired, &st.Actual, &streamPort,
		&lastURL, &st.RetryCount, &errorMessage, &heartbeat)
	if err != nil {
		return nil, err
	}
	st.StreamPort = int(streamPort.Int64)
	st.LastURL = lastURL.String
	st.ErrorMessage = errorMessage.String
	if heartbeat.Valid {
		st.LastHeartbeatAt = time.Unix(heartbeat.Int64, 0)
	}
	return &st, nil
}

// GetBrowserState retrieves the browser record for a session.
func (s *SQLiteStore) GetBrowserState(ctx context.Context, sessionID string) (*domain.BrowserSessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+browserColumns+` FROM browser_sessions WHERE session_id = ?`, sessionID)
	st, err := scanBrowserState(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBrowserSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan browser state: %w", err)
	}
	return st, nil
}

// ListBrowserStates returns every browser record.
func (s *SQLiteStore) ListBrowserStates(ctx context.Context) ([]*domain.BrowserSessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+browserColumns+` FROM browser_sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query browser states: %w", err)
	}
	defer rows.Close()

	var states []*domain.BrowserSessionState
	for rows.Next() {
		st, err := scanBrowserState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan browser state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// UpsertBrowserState writes the full browser record for a session.
func (s *SQLiteStore) UpsertBrowserState(ctx context.Context, st *domain.BrowserSessionState) error {
	var streamPort any
	if st.StreamPort > 0 {
		streamPort = st.StreamPort
	}
	return withBusyRetry(ctx, "upsert browser state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO browser_sessions (`+browserColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				desired = excluded.desired,
				actual = excluded.actual,
				stream_port = excluded.stream_port,
				last_url = excluded.last_url,
				retry_count = excluded.retry_count,
				error_message = excluded.error_message,
				last_heartbeat_at = excluded.last_heartbeat_at`,
			st.SessionID, st.Desired, st.Actual, streamPort,
			nullStr(st.LastURL), st.RetryCount, nullStr(st.ErrorMessage),
			nullTime(st.LastHeartbeatAt))
		if err != nil {
			return fmt.Errorf("upsert browser state: %w", err)
		}
		return nil
	})
}
