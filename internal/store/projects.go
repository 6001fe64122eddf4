package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// ListProjects returns every project with its container definitions loaded.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, system_prompt, pool_size, created_at, updated_at
		FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	for _, p := range projects {
		if p.Containers, err = s.listDefinitions(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

// GetProject retrieves a project with its container definitions and ports.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, system_prompt, pool_size, created_at, updated_at
		FROM projects WHERE id = ?`, id)

	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.Containers, err = s.listDefinitions(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var systemPrompt sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&p.ID, &p.Name, &systemPrompt, &p.PoolSize, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan project row: %w", err)
	}
	p.SystemPrompt = systemPrompt.String
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func (s *SQLiteStore) listDefinitions(ctx context.Context, projectID string) ([]domain.ContainerDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, image, hostname, env_template
		FROM container_definitions WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query container definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.ContainerDefinition
	for rows.Next() {
		var d domain.ContainerDefinition
		var hostname, envTemplate sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Image, &hostname, &envTemplate); err != nil {
			return nil, fmt.Errorf("scan container definition: %w", err)
		}
		d.Hostname = hostname.String
		if envTemplate.Valid && envTemplate.String != "" {
			if err := json.Unmarshal([]byte(envTemplate.String), &d.EnvTemplate); err != nil {
				return nil, fmt.Errorf("decode env template for %s: %w", d.ID, err)
			}
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate container definitions: %w", err)
	}

	for i := range defs {
		ports, err := s.listPorts(ctx, defs[i].ID)
		if err != nil {
			return nil, err
		}
		defs[i].Ports = ports
	}
	return defs, nil
}

func (s *SQLiteStore) listPorts(ctx context.Context, containerID string) ([]domain.ContainerPort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, port, protocol
		FROM container_ports WHERE container_id = ? ORDER BY port`, containerID)
	if err != nil {
		return nil, fmt.Errorf("query container ports: %w", err)
	}
	defer rows.Close()

	var ports []domain.ContainerPort
	for rows.Next() {
		var p domain.ContainerPort
		if err := rows.Scan(&p.ContainerID, &p.Port, &p.Protocol); err != nil {
			return nil, fmt.Errorf("scan container port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// UpsertProject writes a project together with its container definitions and
// declared ports. Existing definitions are replaced wholesale.
func (s *SQLiteStore) UpsertProject(ctx context.Context, p *domain.Project) error {
	return withBusyRetry(ctx, "upsert project", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert project: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().Unix()
		createdAt := p.CreatedAt.Unix()
		if p.CreatedAt.IsZero() {
			createdAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, system_prompt, pool_size, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				system_prompt = excluded.system_prompt,
				pool_size = excluded.pool_size,
				updated_at = excluded.updated_at`,
			p.ID, p.Name, nullStr(p.SystemPrompt), p.PoolSize, createdAt, now)
		if err != nil {
			return fmt.Errorf("upsert project: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM container_definitions WHERE project_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clear container definitions: %w", err)
		}

		for _, d := range p.Containers {
			var envJSON any
			if len(d.EnvTemplate) > 0 {
				raw, err := json.Marshal(d.EnvTemplate)
				if err != nil {
					return fmt.Errorf("encode env template for %s: %w", d.ID, err)
				}
				envJSON = string(raw)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO container_definitions (id, project_id, image, hostname, env_template)
				VALUES (?, ?, ?, ?, ?)`,
				d.ID, p.ID, d.Image, nullStr(d.Hostname), envJSON); err != nil {
				return fmt.Errorf("insert container definition: %w", err)
			}
			for _, port := range d.Ports {
				protocol := port.Protocol
				if protocol == "" {
					protocol = "tcp"
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO container_ports (container_id, port, protocol)
					VALUES (?, ?, ?)`, d.ID, port.Port, protocol); err != nil {
					return fmt.Errorf("insert container port: %w", err)
				}
			}
		}

		return tx.Commit()
	})
}
