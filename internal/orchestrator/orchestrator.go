// Package orchestrator drives the staged workflow: it owns stage
// advancement, quality gates, skips and the privileged overrides. Every
// state transition goes through the project's optimistic-concurrency guard
// and leaves an audit record.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/ledger"
	"github.com/p-blackswan/stageflow/internal/metrics"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/schema"
	"github.com/p-blackswan/stageflow/internal/scoring"
	"github.com/p-blackswan/stageflow/internal/skip"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

// StageScorer evaluates stage content against its quality dimensions.
type StageScorer interface {
	Score(ctx context.Context, stageID string, content *models.StageContent, model string) (*models.QualityAssessment, scoring.Usage, error)
}

// Notifier receives stage-completion events. Implementations must not block.
type Notifier interface {
	StageCompleted(projectID, stageID string, score float64, gate string)
}

// Orchestrator is the workflow engine. Safe for concurrent use; all state
// lives in the store.
type Orchestrator struct {
	store     *store.Store
	scorer    StageScorer
	validator *schema.Validator
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	notifier  Notifier
	logger    zerolog.Logger
}

func New(st *store.Store, scorer StageScorer, validator *schema.Validator, l *ledger.Ledger, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		scorer:    scorer,
		validator: validator,
		ledger:    l,
		metrics:   m,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// SetNotifier sets the stage-completion notifier.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// CreateProject registers a new project at the first stage. Provider, model
// and budget are locked at creation and never change afterwards.
func (o *Orchestrator) CreateProject(p *models.Project) (*models.Project, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: project name is required", perrors.ErrInvalidInput)
	}
	if p.OwnerID == "" {
		return nil, fmt.Errorf("%w: project owner is required", perrors.ErrInvalidInput)
	}
	if p.Model == "" {
		return nil, fmt.Errorf("%w: project model is required", perrors.ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.StatusActive
	}
	p.CurrentStage = stage.IdeaRefinement

	if err := o.store.CreateProject(p); err != nil {
		return nil, err
	}
	o.audit(p.ID, p.OwnerID, models.AuditProjectCreated, "", map[string]any{
		"name": p.Name, "model": p.Model, "budget_usd": p.BudgetUSD,
	})

	o.logger.Info().Str("project_id", p.ID).Str("model", p.Model).Msg("project created")
	return p, nil
}

// BeginStage ensures a draft content row exists for the project's current
// stage and returns it. Idempotent.
func (o *Orchestrator) BeginStage(projectID string) (*models.StageContent, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.StatusActive {
		return nil, fmt.Errorf("%w: project is %s", perrors.ErrInvalidInput, project.Status)
	}

	content, err := o.store.GetStageContent(projectID, project.CurrentStage)
	if err == nil {
		return content, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	content = &models.StageContent{
		ProjectID: projectID,
		Stage:     project.CurrentStage,
		Status:    models.ContentDraft,
		Sections:  map[string]*models.Section{},
	}
	if err := o.store.PutStageContent(content, 0); err != nil {
		return nil, err
	}
	return content, nil
}

// SubmitContent replaces the current stage's sections, validates them
// structurally and scores them with the project's locked model. The
// assessment is discarded as stale if the content changed underneath the
// scoring call.
func (o *Orchestrator) SubmitContent(ctx context.Context, projectID string, sections map[string]*models.Section, expectedVersion int) (*models.QualityAssessment, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	stageID := project.CurrentStage

	content, err := o.store.GetStageContent(projectID, stageID)
	if isNotFound(err) {
		content = &models.StageContent{
			ProjectID: projectID,
			Stage:     stageID,
			Status:    models.ContentDraft,
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if content.Status == models.ContentComplete {
		return nil, fmt.Errorf("%w: %s is complete, reopen it before editing", perrors.ErrStageLocked, stageID)
	}

	content.Sections = sections
	if err := o.store.PutStageContent(content, expectedVersion); err != nil {
		return nil, err
	}

	if err := o.validator.ValidateContent(stageID, content); err != nil {
		return nil, err
	}

	scoredVersion := content.Version
	start := time.Now()
	assessment, usage, err := o.scorer.Score(ctx, stageID, content, project.Model)
	if err != nil {
		o.metrics.RecordError("scoring", "provider")
		return nil, err
	}
	o.metrics.ObserveScoring(stageID, time.Since(start).Seconds())

	if _, err := o.ledger.Record(project, stageID, project.Model, usage.TokensIn, usage.TokensOut); err != nil {
		o.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to record scoring cost")
	}

	// The content may have moved while the model was thinking. A stale
	// assessment is discarded, never stored.
	latest, err := o.store.GetStageContent(projectID, stageID)
	if err != nil {
		return nil, err
	}
	if latest.Version != scoredVersion {
		o.audit(projectID, "system", models.AuditStaleDiscarded, stageID, map[string]any{
			"scored_version": scoredVersion, "current_version": latest.Version,
		})
		return nil, fmt.Errorf("%w: content moved from version %d to %d during scoring",
			perrors.ErrStaleAssessment, scoredVersion, latest.Version)
	}

	assessment.ContentVersion = scoredVersion
	if err := o.store.SaveAssessment(assessment); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("project_id", projectID).
		Str("stage", stageID).
		Float64("overall", assessment.Overall).
		Str("gate", string(assessment.GateStatus)).
		Msg("content scored")
	return assessment, nil
}

// RequestAdvance moves the project to the next stage if the current stage's
// quality gate passes. A failed gate mutates nothing. expectedVersion guards
// against concurrent advancement.
func (o *Orchestrator) RequestAdvance(projectID string, actorID string, expectedVersion int) (*models.Project, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}
	if project.Status != models.StatusActive {
		return nil, &perrors.InvalidStageTransitionError{Current: project.CurrentStage, Requested: stage.Next(project.CurrentStage), Reason: "project is " + string(project.Status)}
	}

	stageID := project.CurrentStage

	// A recorded skip satisfies the skippable stage whatever the stored
	// score says, without fabricating an assessment.
	if stage.Skippable(stageID) {
		if _, derr := o.store.GetSkipDecision(projectID, stageID); derr == nil {
			return o.advance(project, stageID, actorID, "skipped", 0, expectedVersion)
		}
	}

	assessment, err := o.store.GetAssessment(projectID, stageID)
	if isNotFound(err) {
		return nil, &perrors.InvalidStageTransitionError{Current: stageID, Requested: stage.Next(stageID), Reason: "stage has no quality assessment"}
	}
	if err != nil {
		return nil, err
	}

	content, err := o.store.GetStageContent(projectID, stageID)
	if err != nil {
		return nil, err
	}
	if assessment.ContentVersion != content.Version {
		o.audit(projectID, actorID, models.AuditStaleDiscarded, stageID, map[string]any{
			"scored_version": assessment.ContentVersion, "current_version": content.Version,
		})
		if err := o.store.DeleteAssessment(projectID, stageID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: content is at version %d, assessment scored version %d",
			perrors.ErrStaleAssessment, content.Version, assessment.ContentVersion)
	}

	threshold := stage.Thresholds[stageID]
	if assessment.Overall < threshold {
		o.metrics.RecordGateFailure(stageID)
		return nil, &perrors.QualityGateNotMetError{Stage: stageID, Score: assessment.Overall, Threshold: threshold}
	}

	if content.Status != models.ContentComplete {
		content.Status = models.ContentComplete
		if err := o.store.ReplaceStageContent(content, content.Version); err != nil {
			return nil, err
		}
	}

	return o.advance(project, stageID, actorID, string(assessment.GateStatus), assessment.Overall, expectedVersion)
}

// advance commits the stage transition under the version guard and audits
// it. gate is the verdict that let the transition through.
func (o *Orchestrator) advance(project *models.Project, fromStage, actorID, gate string, score float64, expectedVersion int) (*models.Project, error) {
	if stage.IsTerminal(fromStage) {
		project.Status = models.StatusCompleted
	} else {
		project.CurrentStage = stage.Next(fromStage)
	}

	if err := o.store.PutProject(project, expectedVersion); err != nil {
		return nil, err
	}

	o.audit(project.ID, actorID, models.AuditStageCompleted, fromStage, map[string]any{
		"gate": gate, "next": project.CurrentStage,
	})
	o.metrics.RecordAdvancement(fromStage, gate)
	if o.notifier != nil {
		o.notifier.StageCompleted(project.ID, fromStage, score, gate)
	}

	if project.Status == models.StatusCompleted {
		o.audit(project.ID, actorID, models.AuditProjectCompleted, fromStage, nil)
	}

	o.logger.Info().
		Str("project_id", project.ID).
		Str("from", fromStage).
		Str("to", project.CurrentStage).
		Str("gate", gate).
		Msg("stage advanced")
	return project, nil
}

// SkipStage skips the skippable stage with a compensation strategy and
// advances past it. Exactly one decision is recorded per project; skipping
// any other stage is rejected.
func (o *Orchestrator) SkipStage(projectID, reason string, strategy models.SkipStrategy, decidedBy string, expectedVersion int) (*models.SkipDecision, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}
	if !stage.Skippable(project.CurrentStage) {
		return nil, &perrors.InvalidStageTransitionError{Current: project.CurrentStage, Requested: stage.Next(project.CurrentStage), Reason: "stage cannot be skipped"}
	}

	decision, err := skip.Resolve(projectID, reason, strategy, decidedBy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}
	if err := o.store.SaveSkipDecision(decision); err != nil {
		return nil, err
	}

	o.audit(projectID, decidedBy, models.AuditStageSkipped, project.CurrentStage, map[string]any{
		"reason": reason, "strategy": string(strategy), "quality_impact": decision.QualityImpact,
	})

	if _, err := o.advance(project, stage.UXRequirements, decidedBy, "skipped", 0, expectedVersion); err != nil {
		return nil, err
	}
	return decision, nil
}

// ForceAdvance is a privileged override that advances past the current
// stage regardless of its gate. The justification is mandatory and lands in
// the audit log.
func (o *Orchestrator) ForceAdvance(projectID, actorID, justification string, expectedVersion int) (*models.Project, error) {
	if justification == "" {
		return nil, fmt.Errorf("%w: a justification is required to override a gate", perrors.ErrInvalidInput)
	}

	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}
	if project.Status != models.StatusActive {
		return nil, &perrors.InvalidStageTransitionError{Current: project.CurrentStage, Requested: stage.Next(project.CurrentStage), Reason: "project is " + string(project.Status)}
	}

	stageID := project.CurrentStage
	if content, err := o.store.GetStageContent(projectID, stageID); err == nil && content.Status != models.ContentComplete {
		content.Status = models.ContentComplete
		if err := o.store.ReplaceStageContent(content, content.Version); err != nil {
			return nil, err
		}
	}

	o.audit(projectID, actorID, models.AuditGateOverridden, stageID, map[string]any{
		"justification": justification,
	})
	return o.advance(project, stageID, actorID, "overridden", 0, expectedVersion)
}

// ReopenStage unlocks a completed stage for editing. Its assessment is
// deleted and the project's current stage moves back, so the gate must be
// passed again.
func (o *Orchestrator) ReopenStage(projectID, stageID, actorID string, expectedVersion int) (*models.Project, error) {
	if !stage.IsValid(stageID) {
		return nil, fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, stageID)
	}

	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}
	if project.Status == models.StatusActive && !stage.Before(stageID, project.CurrentStage) {
		return nil, &perrors.InvalidStageTransitionError{Current: project.CurrentStage, Requested: stageID, Reason: "stage is not completed"}
	}

	content, err := o.store.GetStageContent(projectID, stageID)
	if err != nil {
		return nil, err
	}
	if content.Status == models.ContentComplete {
		content.Status = models.ContentDraft
		if err := o.store.PutStageContent(content, content.Version); err != nil {
			return nil, err
		}
	}

	if err := o.store.DeleteAssessment(projectID, stageID); err != nil && !isNotFound(err) {
		return nil, err
	}

	project.CurrentStage = stageID
	project.Status = models.StatusActive
	if err := o.store.PutProject(project, expectedVersion); err != nil {
		return nil, err
	}

	o.audit(projectID, actorID, models.AuditStageReopened, stageID, nil)
	o.logger.Info().Str("project_id", projectID).Str("stage", stageID).Msg("stage reopened")
	return project, nil
}

// Rollback is a privileged move to an earlier stage without unlocking
// content. Completed work and assessments stay in place; playbooks generated
// before the rollback read as stale through the project version.
func (o *Orchestrator) Rollback(projectID, toStage, actorID, justification string, expectedVersion int) (*models.Project, error) {
	if !stage.IsValid(toStage) {
		return nil, fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, toStage)
	}
	if justification == "" {
		return nil, fmt.Errorf("%w: a justification is required for a rollback", perrors.ErrInvalidInput)
	}

	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}
	if project.Status == models.StatusActive && !stage.Before(toStage, project.CurrentStage) {
		return nil, &perrors.InvalidStageTransitionError{Current: project.CurrentStage, Requested: toStage, Reason: "rollback target must be an earlier stage"}
	}

	from := project.CurrentStage
	project.CurrentStage = toStage
	project.Status = models.StatusActive
	if err := o.store.PutProject(project, expectedVersion); err != nil {
		return nil, err
	}

	o.audit(projectID, actorID, models.AuditStageRolledBack, toStage, map[string]any{
		"from": from, "justification": justification,
	})
	o.logger.Warn().
		Str("project_id", projectID).
		Str("from", from).
		Str("to", toStage).
		Msg("project rolled back")
	return project, nil
}

// validStatusMoves whitelists lifecycle transitions outside the stage flow,
// keyed by target status.
var validStatusMoves = map[models.ProjectStatus][]models.ProjectStatus{
	models.StatusOnHold:    {models.StatusActive},
	models.StatusActive:    {models.StatusOnHold},
	models.StatusCancelled: {models.StatusActive, models.StatusOnHold},
	models.StatusArchived:  {models.StatusCompleted, models.StatusCancelled},
}

// SetProjectStatus moves the project between lifecycle statuses: pause and
// resume, cancel, or archive a finished project. Stage flow transitions
// (completion) never go through here.
func (o *Orchestrator) SetProjectStatus(projectID string, to models.ProjectStatus, actorID string, expectedVersion int) (*models.Project, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Version != expectedVersion {
		return nil, &perrors.VersionConflictError{Resource: "project " + projectID, Expected: expectedVersion, Actual: project.Version}
	}

	allowed := false
	for _, from := range validStatusMoves[to] {
		if project.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move project from %s to %s", perrors.ErrInvalidInput, project.Status, to)
	}

	from := project.Status
	project.Status = to
	if err := o.store.PutProject(project, expectedVersion); err != nil {
		return nil, err
	}

	o.audit(projectID, actorID, models.AuditStatusChanged, string(to), map[string]any{
		"from": from, "to": to,
	})
	o.logger.Info().
		Str("project_id", projectID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("project status changed")
	return project, nil
}

// DeleteProject removes the project aggregate and everything under it.
func (o *Orchestrator) DeleteProject(projectID, actorID string) error {
	if err := o.store.DeleteProject(projectID); err != nil {
		return err
	}
	o.logger.Warn().
		Str("project_id", projectID).
		Str("actor", actorID).
		Msg("project deleted")
	return nil
}

// Completeness reports the project's completion percentage: the sum of the
// fixed contributions of completed stages, with any skip's quality impact
// deducted from the skipped stage's share.
func (o *Orchestrator) Completeness(projectID string) (float64, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, stageID := range stage.Order {
		done := project.Status == models.StatusCompleted || stage.Before(stageID, project.CurrentStage)
		if !done {
			break
		}
		contribution := stage.Contributions[stageID]
		if stage.Skippable(stageID) {
			if decision, derr := o.store.GetSkipDecision(projectID, stageID); derr == nil {
				contribution -= decision.QualityImpact
			}
		}
		total += contribution
	}
	return total, nil
}

func (o *Orchestrator) audit(projectID, actorID, action, resource string, detail map[string]any) {
	entry := &models.AuditEntry{
		ProjectID: projectID,
		ActorID:   actorID,
		Action:    action,
		Resource:  resource,
	}
	if detail != nil {
		raw, _ := json.Marshal(detail)
		entry.Detail = string(raw)
	}
	if err := o.store.AppendAudit(entry); err != nil {
		o.logger.Error().Err(err).Str("action", action).Msg("failed to append audit entry")
	}
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, perrors.ErrNotFound)
}
