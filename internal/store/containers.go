package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

const containerColumns = `id, session_id, container_id, runtime_id, status, hostname, error_message, created_at, updated_at`

func scanContainer(row rowScanner) (*domain.SessionContainer, error) {
	var c domain.SessionContainer
	var runtimeID, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.SessionID, &c.ContainerID, &runtimeID, &c.Status,
		&c.Hostname, &errorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.RuntimeID = runtimeID.String
	c.ErrorMessage = errorMessage.String
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// CreateSessionContainer inserts a container row for a session.
func (s *SQLiteStore) CreateSessionContainer(ctx context.Context, c *domain.SessionContainer) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	return withBusyRetry(ctx, "create session container", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_containers (`+containerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SessionID, c.ContainerID, nullStr(c.RuntimeID), c.Status,
			c.Hostname, nullStr(c.ErrorMessage), c.CreatedAt.Unix(), c.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert session container: %w", err)
		}
		return nil
	})
}

// ListSessionContainers returns a session's containers in creation order.
func (s *SQLiteStore) ListSessionContainers(ctx context.Context, sessionID string) ([]*domain.SessionContainer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+containerColumns+` FROM session_containers
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session containers: %w", err)
	}
	defer rows.Close()

	var containers []*domain.SessionContainer
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session container: %w", err)
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

// GetContainerByRuntimeID looks up a container by the provider's runtime id.
func (s *SQLiteStore) GetContainerByRuntimeID(ctx context.Context, runtimeID string) (*domain.SessionContainer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+containerColumns+` FROM session_containers WHERE runtime_id = ?`, runtimeID)
	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrContainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session container: %w", err)
	}
	return c, nil
}

// UpdateContainerRuntime binds a container row to its provider runtime id.
func (s *SQLiteStore) UpdateContainerRuntime(ctx context.Context, id, runtimeID string) error {
	return withBusyRetry(ctx, "update container runtime", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_containers SET runtime_id = ?, updated_at = ? WHERE id = ?`,
			nullStr(runtimeID), time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update container runtime: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrContainerNotFound
		}
		return nil
	})
}

// UpdateContainerStatus transitions a container's status, recording the
// error message when the transition is to error.
func (s *SQLiteStore) UpdateContainerStatus(ctx context.Context, id string, status domain.ContainerStatus, errorMessage string) error {
	return withBusyRetry(ctx, "update container status", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_containers SET status = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			status, nullStr(errorMessage), time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update container status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrContainerNotFound
		}
		return nil
	})
}
