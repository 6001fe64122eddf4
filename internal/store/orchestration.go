package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

const orchestrationColumns = `id, channel_id, content, status, resolved_project_id, resolved_session_id, model_id, error_message, created_at, updated_at`

func scanOrchestration(row rowScanner) (*domain.OrchestrationRequest, error) {
	var r domain.OrchestrationRequest
	var channelID, projectID, sessionID, modelID, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &channelID, &r.Content, &r.Status,
		&projectID, &sessionID, &modelID, &errorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.ChannelID = channelID.String
	r.ResolvedProjectID = projectID.String
	r.ResolvedSessionID = sessionID.String
	r.ModelID = modelID.String
	r.ErrorMessage = errorMessage.String
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// CreateOrchestration inserts a new orchestration request.
func (s *SQLiteStore) CreateOrchestration(ctx context.Context, r *domain.OrchestrationRequest) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	return withBusyRetry(ctx, "create orchestration", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO orchestration_requests (`+orchestrationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, nullStr(r.ChannelID), r.Content, r.Status,
			nullStr(r.ResolvedProjectID), nullStr(r.ResolvedSessionID),
			nullStr(r.ModelID), nullStr(r.ErrorMessage),
			r.CreatedAt.Unix(), r.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert orchestration request: %w", err)
		}
		return nil
	})
}

// GetOrchestration retrieves an orchestration request by id.
func (s *SQLiteStore) GetOrchestration(ctx context.Context, id string) (*domain.OrchestrationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orchestrationColumns+` FROM orchestration_requests WHERE id = ?`, id)
	r, err := scanOrchestration(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrOrchestrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan orchestration request: %w", err)
	}
	return r, nil
}

// UpdateOrchestration writes the mutable fields of an orchestration request.
func (s *SQLiteStore) UpdateOrchestration(ctx context.Context, r *domain.OrchestrationRequest) error {
	return withBusyRetry(ctx, "update orchestration", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE orchestration_requests SET
				status = ?, resolved_project_id = ?, resolved_session_id = ?,
				error_message = ?, updated_at = ?
			WHERE id = ?`,
			r.Status, nullStr(r.ResolvedProjectID), nullStr(r.ResolvedSessionID),
			nullStr(r.ErrorMessage), time.Now().Unix(), r.ID)
		if err != nil {
			return fmt.Errorf("update orchestration request: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrOrchestrationNotFound
		}
		return nil
	})
}
