package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// AppendAgentEvent appends an event for a session, assigning the next dense
// sequence number in the same statement so sequences never skip.
func (s *SQLiteStore) AppendAgentEvent(ctx context.Context, sessionID, eventData string) (int64, error) {
	var seq int64
	err := withBusyRetry(ctx, "append agent event", func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO agent_events (session_id, sequence, event_data, created_at)
			VALUES (?,
				(SELECT COALESCE(MAX(sequence), 0) + 1 FROM agent_events WHERE session_id = ?),
				?, ?)
			RETURNING sequence`,
			sessionID, sessionID, eventData, time.Now().Unix())
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("append agent event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListAgentEvents returns a session's events with sequence > afterSequence.
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]*domain.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_data, created_at
		FROM agent_events WHERE session_id = ? AND sequence > ?
		ORDER BY sequence`, sessionID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query agent events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AgentEvent
	for rows.Next() {
		var e domain.AgentEvent
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.EventData, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}
