package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
)

// PutStageContent upserts stage content with a version guard. A zero
// expectedVersion inserts fresh content at version 1; otherwise the stored
// version must still match, and the write bumps it by one.
func (s *Store) PutStageContent(c *models.StageContent, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sections, err := json.Marshal(c.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	now := time.Now().UnixMilli()

	if expectedVersion == 0 {
		c.Version = 1
		c.UpdatedAt = now
		_, err := s.db.Exec(`
		INSERT INTO stage_contents (project_id, stage, sections, status, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		`, c.ProjectID, c.Stage, string(sections), string(c.Status), now)
		if err != nil {
			return fmt.Errorf("failed to insert stage content: %w", err)
		}
		return nil
	}

	res, err := s.db.Exec(`
	UPDATE stage_contents
	SET sections = ?, status = ?, version = version + 1, updated_at = ?
	WHERE project_id = ? AND stage = ? AND version = ?
	`, string(sections), string(c.Status), now, c.ProjectID, c.Stage, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update stage content: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var actual int
		scanErr := s.db.QueryRow(`SELECT version FROM stage_contents WHERE project_id = ? AND stage = ?`,
			c.ProjectID, c.Stage).Scan(&actual)
		if scanErr == sql.ErrNoRows {
			return perrors.ErrNotFound
		}
		return &perrors.VersionConflictError{
			Resource: fmt.Sprintf("content %s/%s", c.ProjectID, c.Stage),
			Expected: expectedVersion,
			Actual:   actual,
		}
	}

	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

// ReplaceStageContent overwrites the sections of stage content at the given
// version without bumping it. Used by conflict resolution: the conflict
// episode's single version bump already happened when the first competing
// edit applied, and the resolution must produce exactly one winning state.
func (s *Store) ReplaceStageContent(c *models.StageContent, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sections, err := json.Marshal(c.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	now := time.Now().UnixMilli()

	res, err := s.db.Exec(`
	UPDATE stage_contents SET sections = ?, updated_at = ?
	WHERE project_id = ? AND stage = ? AND version = ?
	`, string(sections), now, c.ProjectID, c.Stage, version)
	if err != nil {
		return fmt.Errorf("failed to replace stage content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var actual int
		scanErr := s.db.QueryRow(`SELECT version FROM stage_contents WHERE project_id = ? AND stage = ?`,
			c.ProjectID, c.Stage).Scan(&actual)
		if scanErr == sql.ErrNoRows {
			return perrors.ErrNotFound
		}
		return &perrors.VersionConflictError{
			Resource: fmt.Sprintf("content %s/%s", c.ProjectID, c.Stage),
			Expected: version,
			Actual:   actual,
		}
	}
	c.UpdatedAt = now
	return nil
}

// GetStageContent retrieves content for one (project, stage) pair.
func (s *Store) GetStageContent(projectID, stageID string) (*models.StageContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &models.StageContent{ProjectID: projectID, Stage: stageID}
	var sections, status string

	err := s.db.QueryRow(`
	SELECT sections, status, version, updated_at FROM stage_contents
	WHERE project_id = ? AND stage = ?
	`, projectID, stageID).Scan(&sections, &status, &c.Version, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage content: %w", err)
	}

	c.Status = models.ContentStatus(status)
	if err := json.Unmarshal([]byte(sections), &c.Sections); err != nil {
		return nil, fmt.Errorf("unmarshal sections: %w", err)
	}
	return c, nil
}

// AppendEdit records an applied collaboration edit for conflict
// classification of later concurrent edits.
func (s *Store) AppendEdit(e *models.CollaborationEdit, appliedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO content_edits (id, project_id, stage, section, kind, applied_version, author_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Stage, e.Section, string(e.Kind), appliedVersion, e.AuthorID, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append edit: %w", err)
	}
	return nil
}

// EditsSince returns applied edits with applied_version > baseVersion, oldest
// first. These are the intervening edits an incoming stale edit must be
// classified against.
func (s *Store) EditsSince(projectID, stageID string, baseVersion int) ([]*models.CollaborationEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, section, kind, applied_version, author_id, created_at FROM content_edits
	WHERE project_id = ? AND stage = ? AND applied_version > ?
	ORDER BY applied_version ASC
	`, projectID, stageID, baseVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query edits: %w", err)
	}
	defer rows.Close()

	var out []*models.CollaborationEdit
	for rows.Next() {
		e := &models.CollaborationEdit{ProjectID: projectID, Stage: stageID}
		var kind string
		var ts, applied int64
		if err := rows.Scan(&e.ID, &e.Section, &kind, &applied, &e.AuthorID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan edit: %w", err)
		}
		e.Kind = models.SectionKind(kind)
		e.BaseVersion = int(applied) - 1
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
