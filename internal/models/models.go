// Package models defines the data model shared across the workflow engine.
package models

import "time"

// ProjectStatus tracks a project's lifecycle outside the stage machine.
type ProjectStatus string

const (
	StatusDraft     ProjectStatus = "draft"
	StatusActive    ProjectStatus = "active"
	StatusOnHold    ProjectStatus = "on_hold"
	StatusCompleted ProjectStatus = "completed"
	StatusArchived  ProjectStatus = "archived"
	StatusCancelled ProjectStatus = "cancelled"
)

// AccessLevel is a collaborator's permission on a project. Granting and
// enforcement live in the external auth layer; the engine only reads it.
type AccessLevel string

const (
	AccessViewer    AccessLevel = "viewer"
	AccessCommenter AccessLevel = "commenter"
	AccessEditor    AccessLevel = "editor"
	AccessAdmin     AccessLevel = "admin"
)

// Project is the root aggregate. Version increments on every mutation and is
// the optimistic-concurrency guard for stage advancement.
type Project struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	OwnerID       string                 `json:"owner_id"`
	Status        ProjectStatus          `json:"status"`
	CurrentStage  string                 `json:"current_stage"`
	Provider      string                 `json:"provider"` // locked at creation
	Model         string                 `json:"model"`    // locked at creation
	BudgetUSD     float64                `json:"budget_usd"`
	Version       int                    `json:"version"`
	Collaborators map[string]AccessLevel `json:"collaborators,omitempty"`
	CreatedAt     int64                  `json:"created_at"` // unix ms
	UpdatedAt     int64                  `json:"updated_at"` // unix ms
}

// SectionKind distinguishes substantive content from annotations when
// classifying concurrent edits.
type SectionKind string

const (
	SectionText    SectionKind = "text"
	SectionList    SectionKind = "list"
	SectionComment SectionKind = "comment"
)

// Section is one named unit of stage content. Items is populated for list
// sections (competitors, features, journeys, ...), Body for everything else.
type Section struct {
	Name      string      `json:"name"`
	Kind      SectionKind `json:"kind"`
	Body      string      `json:"body,omitempty"`
	Items     []string    `json:"items,omitempty"`
	UpdatedBy string      `json:"updated_by,omitempty"`
	UpdatedAt int64       `json:"updated_at,omitempty"`
}

// ContentStatus tracks whether a stage's content is still editable.
type ContentStatus string

const (
	ContentDraft    ContentStatus = "draft"
	ContentComplete ContentStatus = "complete"
)

// StageContent belongs to exactly one (project, stage) pair. Its version is
// independent of the project version and guards field-level conflict
// detection. Immutable once Status is complete; reopening resets it to draft
// and invalidates the stage's assessment.
type StageContent struct {
	ProjectID string              `json:"project_id"`
	Stage     string              `json:"stage"`
	Sections  map[string]*Section `json:"sections"`
	Status    ContentStatus       `json:"status"`
	Version   int                 `json:"version"`
	UpdatedAt int64               `json:"updated_at"`
}

// GateStatus is the quality gate verdict for a scored stage.
type GateStatus string

const (
	GateBlock              GateStatus = "BLOCK"
	GateProceedWithCaution GateStatus = "PROCEED_WITH_CAUTION"
	GateProceedExcellent   GateStatus = "PROCEED_EXCELLENT"
)

// Confidence buckets the spread of dimension scores.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// QualityAssessment is the scored result for one (project, stage). Overall is
// the weighted dimension sum rounded to one decimal place. ContentVersion
// records which content version was scored, so stale assessments can be
// discarded.
type QualityAssessment struct {
	ProjectID      string             `json:"project_id"`
	Stage          string             `json:"stage"`
	Dimensions     map[string]float64 `json:"dimensions"`
	Overall        float64            `json:"overall"`
	GateStatus     GateStatus         `json:"gate_status"`
	Confidence     Confidence         `json:"confidence"`
	ContentVersion int                `json:"content_version"`
	Model          string             `json:"model"`
	CreatedAt      int64              `json:"created_at"`
}

// SkipStrategy is a fixed compensation approach for skipping ux_requirements.
type SkipStrategy string

const (
	SkipComprehensiveUXPrompts SkipStrategy = "comprehensive_ux_prompts"
	SkipBasicUXPrompts         SkipStrategy = "basic_ux_prompts"
	SkipUXResearchTasks        SkipStrategy = "ux_research_tasks"
	SkipNoCompensation         SkipStrategy = "no_compensation"
)

// SkipDecision records the choice to skip ux_requirements. Immutable once the
// playbook transformation has consumed it.
type SkipDecision struct {
	ProjectID     string       `json:"project_id"`
	Stage         string       `json:"stage"`
	Reason        string       `json:"reason"`
	Strategy      SkipStrategy `json:"strategy"`
	QualityImpact float64      `json:"quality_impact"` // points deducted from the stage's contribution
	CostDeltaUSD  float64      `json:"cost_delta_usd"`
	DecidedBy     string       `json:"decided_by"`
	CreatedAt     int64        `json:"created_at"`
}

// CostEntry is an append-only usage record.
type CostEntry struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Stage     string  `json:"stage"`
	Model     string  `json:"model"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	CreatedAt int64   `json:"created_at"`
}

// CollaborationEdit is an attempted mutation of one section. Transient: it is
// consumed by the conflict resolver and either applied or queued.
type CollaborationEdit struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Stage       string      `json:"stage"`
	Section     string      `json:"section"`
	Kind        SectionKind `json:"kind"`
	BaseVersion int         `json:"base_version"`
	Body        string      `json:"body,omitempty"`
	Items       []string    `json:"items,omitempty"`
	AuthorID    string      `json:"author_id"`
	Timestamp   time.Time   `json:"timestamp"`
}

// StepType tags a playbook step.
type StepType string

const (
	StepDocumentation StepType = "documentation"
	StepResearch      StepType = "research"
	StepDevelopment   StepType = "development"
	StepTesting       StepType = "testing"
	StepDeployment    StepType = "deployment"
	StepSetup         StepType = "setup"
	StepValidation    StepType = "validation"
	StepExternal      StepType = "external"
)

// PlaybookStep is output-only: produced by the transformer, never mutated by
// the orchestrator.
type PlaybookStep struct {
	ID          string   `json:"id"`
	Ordinal     int      `json:"ordinal"`
	Type        StepType `json:"type"`
	Stage       string   `json:"stage"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
}

// AuditEntry is one audited engine event.
type AuditEntry struct {
	ID        int64  `json:"id,omitempty"`
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource,omitempty"`
	Detail    string `json:"detail,omitempty"` // JSON
	CreatedAt int64  `json:"created_at"`
}

// Audit action names recorded by the engine.
const (
	AuditStageCompleted    = "stage.completed"
	AuditStageReopened     = "stage.reopened"
	AuditStageRolledBack   = "stage.rolled_back"
	AuditGateOverridden    = "gate.overridden"
	AuditStageSkipped      = "stage.skipped"
	AuditConflictResolved  = "conflict.resolved"
	AuditConflictAutoLWW   = "conflict.auto_resolved"
	AuditStaleDiscarded    = "scoring.stale_discarded"
	AuditBudgetThreshold   = "budget.threshold_crossed"
	AuditProjectCreated    = "project.created"
	AuditProjectCompleted  = "project.completed"
	AuditStatusChanged     = "project.status_changed"
)
