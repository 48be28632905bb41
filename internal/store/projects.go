package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
)

const projectColumns = `id, name, owner_id, status, current_stage, provider, model, budget_usd, version, collaborators, created_at, updated_at`

// CreateProject inserts a new project at version 1.
func (s *Store) CreateProject(p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	collab, err := json.Marshal(p.Collaborators)
	if err != nil {
		return fmt.Errorf("marshal collaborators: %w", err)
	}

	query := `
	INSERT INTO projects (id, name, owner_id, status, current_stage, provider, model, budget_usd, version, collaborators, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		p.ID, p.Name, p.OwnerID, string(p.Status), p.CurrentStage,
		p.Provider, p.Model, p.BudgetUSD, p.Version,
		sql.NullString{String: string(collab), Valid: p.Collaborators != nil},
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project with its current version.
func (s *Store) GetProject(id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// PutProject writes the project only if the stored version still equals
// expectedVersion, bumping the version by one. The version guard is the
// engine's sole concurrency primitive for project mutation.
func (s *Store) PutProject(p *models.Project, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	collab, err := json.Marshal(p.Collaborators)
	if err != nil {
		return fmt.Errorf("marshal collaborators: %w", err)
	}

	query := `
	UPDATE projects
	SET name = ?, status = ?, current_stage = ?, budget_usd = ?, collaborators = ?,
	    version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?
	`
	res, err := s.db.Exec(query,
		p.Name, string(p.Status), p.CurrentStage, p.BudgetUSD,
		sql.NullString{String: string(collab), Valid: p.Collaborators != nil},
		time.Now().UnixMilli(), p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		actual, _ := s.projectVersion(p.ID)
		if actual == 0 {
			return perrors.ErrNotFound
		}
		return &perrors.VersionConflictError{
			Resource: "project " + p.ID,
			Expected: expectedVersion,
			Actual:   actual,
		}
	}

	p.Version = expectedVersion + 1
	return nil
}

// DeleteProject removes the whole aggregate. Child rows go with it.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return perrors.ErrNotFound
	}
	return nil
}

// ListProjects returns projects filtered by owner (empty = all), newest first.
func (s *Store) ListProjects(ownerID string, limit int) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) projectVersion(id string) (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT version FROM projects WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, perrors.ErrNotFound
	}
	return v, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var status string
	var collab sql.NullString

	err := row.Scan(
		&p.ID, &p.Name, &p.OwnerID, &status, &p.CurrentStage,
		&p.Provider, &p.Model, &p.BudgetUSD, &p.Version,
		&collab, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = models.ProjectStatus(status)
	if collab.Valid && collab.String != "" && collab.String != "null" {
		if err := json.Unmarshal([]byte(collab.String), &p.Collaborators); err != nil {
			return nil, fmt.Errorf("unmarshal collaborators: %w", err)
		}
	}
	return p, nil
}
