package store

import (
	"fmt"
	"time"

	"github.com/p-blackswan/stageflow/internal/models"
)

// AppendAudit persists one audit entry.
func (s *Store) AppendAudit(e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(`
	INSERT INTO audit_log (project_id, actor_id, action, resource, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, e.ProjectID, e.ActorID, e.Action, e.Resource, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns audit entries for a project, newest first, optionally
// filtered by action.
func (s *Store) ListAudit(projectID, action string, limit int) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, actor_id, action, resource, detail, created_at FROM audit_log WHERE project_id = ?`
	args := []any{projectID}
	if action != "" {
		query += ` AND action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{ProjectID: projectID}
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Resource, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAudit returns the newest audit entry for a project matching action, or
// nil when none exists.
func (s *Store) LastAudit(projectID, action string) (*models.AuditEntry, error) {
	entries, err := s.ListAudit(projectID, action, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}
