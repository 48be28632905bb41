package store

import (
	"fmt"

	"github.com/p-blackswan/stageflow/internal/models"
)

// AppendCostEntry records one usage entry. Entries are append-only.
func (s *Store) AppendCostEntry(e *models.CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO cost_entries (id, project_id, stage, model, tokens_in, tokens_out, cost_usd, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Stage, e.Model, e.TokensIn, e.TokensOut, e.CostUSD, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

// ListCostEntries returns all entries for a project, oldest first.
func (s *Store) ListCostEntries(projectID string) ([]*models.CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, stage, model, tokens_in, tokens_out, cost_usd, created_at
	FROM cost_entries WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	defer rows.Close()

	var out []*models.CostEntry
	for rows.Next() {
		e := &models.CostEntry{ProjectID: projectID}
		if err := rows.Scan(&e.ID, &e.Stage, &e.Model, &e.TokensIn, &e.TokensOut, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProjectSpend returns the total recorded cost for a project.
func (s *Store) ProjectSpend(projectID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	err := s.db.QueryRow(`
	SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries WHERE project_id = ?
	`, projectID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum project spend: %w", err)
	}
	return total, nil
}

// StageSpend returns per-stage cost totals for a project.
func (s *Store) StageSpend(projectID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT stage, SUM(cost_usd) FROM cost_entries WHERE project_id = ? GROUP BY stage
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum stage spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var stageID string
		var total float64
		if err := rows.Scan(&stageID, &total); err != nil {
			return nil, fmt.Errorf("failed to scan stage spend: %w", err)
		}
		out[stageID] = total
	}
	return out, rows.Err()
}
