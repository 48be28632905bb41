package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
)

// SaveAssessment stores the latest assessment for a (project, stage),
// replacing any previous one.
func (s *Store) SaveAssessment(a *models.QualityAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dims, err := json.Marshal(a.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimensions: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO assessments (project_id, stage, dimensions, overall, gate_status, confidence, content_version, model, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ProjectID, a.Stage, string(dims), a.Overall, string(a.GateStatus),
		string(a.Confidence), a.ContentVersion, a.Model, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}
	return nil
}

// GetAssessment retrieves the latest assessment for a (project, stage).
func (s *Store) GetAssessment(projectID, stageID string) (*models.QualityAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := &models.QualityAssessment{ProjectID: projectID, Stage: stageID}
	var dims, gate, conf string

	err := s.db.QueryRow(`
	SELECT dimensions, overall, gate_status, confidence, content_version, model, created_at
	FROM assessments WHERE project_id = ? AND stage = ?
	`, projectID, stageID).Scan(&dims, &a.Overall, &gate, &conf, &a.ContentVersion, &a.Model, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	a.GateStatus = models.GateStatus(gate)
	a.Confidence = models.Confidence(conf)
	if err := json.Unmarshal([]byte(dims), &a.Dimensions); err != nil {
		return nil, fmt.Errorf("unmarshal dimensions: %w", err)
	}
	return a, nil
}

// ListAssessments returns all assessments for a project keyed by stage.
func (s *Store) ListAssessments(projectID string) (map[string]*models.QualityAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT stage, dimensions, overall, gate_status, confidence, content_version, model, created_at
	FROM assessments WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.QualityAssessment)
	for rows.Next() {
		a := &models.QualityAssessment{ProjectID: projectID}
		var dims, gate, conf string
		if err := rows.Scan(&a.Stage, &dims, &a.Overall, &gate, &conf, &a.ContentVersion, &a.Model, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		a.GateStatus = models.GateStatus(gate)
		a.Confidence = models.Confidence(conf)
		if err := json.Unmarshal([]byte(dims), &a.Dimensions); err != nil {
			return nil, fmt.Errorf("unmarshal dimensions: %w", err)
		}
		out[a.Stage] = a
	}
	return out, rows.Err()
}

// DeleteAssessment removes a stage's assessment. Used when a completed stage
// is explicitly reopened, which invalidates its score.
func (s *Store) DeleteAssessment(projectID, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM assessments WHERE project_id = ? AND stage = ?`, projectID, stageID)
	if err != nil {
		return fmt.Errorf("failed to delete assessment: %w", err)
	}
	return nil
}

// SaveSkipDecision stores the skip decision for a (project, stage).
func (s *Store) SaveSkipDecision(d *models.SkipDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO skip_decisions (project_id, stage, reason, strategy, quality_impact, cost_delta_usd, decided_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ProjectID, d.Stage, d.Reason, string(d.Strategy), d.QualityImpact, d.CostDeltaUSD, d.DecidedBy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save skip decision: %w", err)
	}
	return nil
}

// GetSkipDecision retrieves the skip decision for a (project, stage), or
// ErrNotFound when the stage was not skipped.
func (s *Store) GetSkipDecision(projectID, stageID string) (*models.SkipDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &models.SkipDecision{ProjectID: projectID, Stage: stageID}
	var strategy string

	err := s.db.QueryRow(`
	SELECT reason, strategy, quality_impact, cost_delta_usd, decided_by, created_at
	FROM skip_decisions WHERE project_id = ? AND stage = ?
	`, projectID, stageID).Scan(&d.Reason, &strategy, &d.QualityImpact, &d.CostDeltaUSD, &d.DecidedBy, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get skip decision: %w", err)
	}

	d.Strategy = models.SkipStrategy(strategy)
	return d, nil
}
