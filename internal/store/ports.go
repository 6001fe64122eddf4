package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// ListPortReservations returns all durable port reservations.
func (s *SQLiteStore) ListPortReservations(ctx context.Context) ([]*domain.PortReservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, port, kind, reserved_at, expires_at
		FROM port_reservations ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("query port reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*domain.PortReservation
	for rows.Next() {
		var r domain.PortReservation
		var reservedAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Port, &r.Kind, &reservedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan port reservation: %w", err)
		}
		r.ReservedAt = time.Unix(reservedAt, 0)
		if expiresAt.Valid {
			r.ExpiresAt = time.Unix(expiresAt.Int64, 0)
		}
		reservations = append(reservations, &r)
	}
	return reservations, rows.Err()
}

// CreatePortReservation records a reservation; the UNIQUE(port, kind)
// constraint rejects a second holder.
func (s *SQLiteStore) CreatePortReservation(ctx context.Context, r *domain.PortReservation) error {
	if r.ReservedAt.IsZero() {
		r.ReservedAt = time.Now()
	}
	return withBusyRetry(ctx, "create port reservation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO port_reservations (id, session_id, port, kind, reserved_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, r.Port, r.Kind, r.ReservedAt.Unix(), nullTime(r.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert port reservation: %w", err)
		}
		return nil
	})
}

// DeletePortReservation releases a reservation; idempotent.
func (s *SQLiteStore) DeletePortReservation(ctx context.Context, port int, kind domain.PortKind) error {
	return withBusyRetry(ctx, "delete port reservation", func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM port_reservations WHERE port = ? AND kind = ?`, port, kind); err != nil {
			return fmt.Errorf("delete port reservation: %w", err)
		}
		return nil
	})
}
