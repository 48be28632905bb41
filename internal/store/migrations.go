package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		current_stage TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		budget_usd REAL NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		collaborators TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

	CREATE TABLE IF NOT EXISTS stage_contents (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		sections TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, stage)
	);

	CREATE TABLE IF NOT EXISTS assessments (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		dimensions TEXT NOT NULL,
		overall REAL NOT NULL,
		gate_status TEXT NOT NULL,
		confidence TEXT NOT NULL,
		content_version INTEGER NOT NULL,
		model TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, stage)
	);

	CREATE TABLE IF NOT EXISTS skip_decisions (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		reason TEXT NOT NULL,
		strategy TEXT NOT NULL,
		quality_impact REAL NOT NULL,
		cost_delta_usd REAL NOT NULL,
		decided_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, stage)
	);

	CREATE TABLE IF NOT EXISTS cost_entries (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		model TEXT NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_project ON cost_entries(project_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		detail TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_log(project_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v1: %w", err)
	}
	return nil
}

// migrateV2 adds the applied-edit log used by conflict classification to
// find which sections intervening edits touched.
func (s *Store) migrateV2() error {
	schema := `
	CREATE TABLE IF NOT EXISTS content_edits (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		section TEXT NOT NULL,
		kind TEXT NOT NULL,
		applied_version INTEGER NOT NULL,
		author_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edits_content ON content_edits(project_id, stage, applied_version);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v2: %w", err)
	}
	return nil
}
