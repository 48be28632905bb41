package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stageflow/internal/collab"
	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/health"
	"github.com/p-blackswan/stageflow/internal/ledger"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/orchestrator"
	"github.com/p-blackswan/stageflow/internal/playbook"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	orch        *orchestrator.Orchestrator
	resolver    *collab.Resolver
	transformer *playbook.Transformer
	ledger      *ledger.Ledger
	store       *store.Store
	checker     *health.Checker
	logger      zerolog.Logger

	defaultProvider  string
	defaultModel     string
	defaultBudgetUSD float64
}

// NewHandlers creates a new Handlers instance. The defaults fill provider,
// model and budget on project creation when the request omits them.
func NewHandlers(orch *orchestrator.Orchestrator, resolver *collab.Resolver, transformer *playbook.Transformer, l *ledger.Ledger, st *store.Store, checker *health.Checker, defaultProvider, defaultModel string, defaultBudgetUSD float64, logger zerolog.Logger) *Handlers {
	return &Handlers{
		orch:             orch,
		resolver:         resolver,
		transformer:      transformer,
		ledger:           l,
		store:            st,
		checker:          checker,
		logger:           logger.With().Str("component", "handlers").Logger(),
		defaultProvider:  defaultProvider,
		defaultModel:     defaultModel,
		defaultBudgetUSD: defaultBudgetUSD,
	}
}

// CreateProject handles POST /api/v1/projects.
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var req CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	if req.Provider == "" {
		req.Provider = h.defaultProvider
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}
	if req.BudgetUSD == 0 {
		req.BudgetUSD = h.defaultBudgetUSD
	}

	project, err := h.orch.CreateProject(&models.Project{
		Name:          req.Name,
		OwnerID:       actorID(c),
		Provider:      req.Provider,
		Model:         req.Model,
		BudgetUSD:     req.BudgetUSD,
		Collaborators: req.Collaborators,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(project)
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	projects, err := h.store.ListProjects(c.Query("owner"), limit)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(projects)
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	project, err := h.store.GetProject(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	completeness, err := h.orch.Completeness(project.ID)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(ProjectResponse{Project: project, Completeness: completeness})
}

// BeginStage handles POST /api/v1/projects/:id/stages/:stage/begin.
func (h *Handlers) BeginStage(c *fiber.Ctx) error {
	if err := h.requireCurrentStage(c); err != nil {
		return err
	}
	content, err := h.orch.BeginStage(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(content)
}

// SubmitContent handles POST /api/v1/projects/:id/stages/:stage/content.
func (h *Handlers) SubmitContent(c *fiber.Ctx) error {
	if err := h.requireCurrentStage(c); err != nil {
		return err
	}

	var req SubmitContentRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if len(req.Sections) == 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_sections", "Bad Request", "At least one section is required")
	}

	assessment, err := h.orch.SubmitContent(c.Context(), c.Params("id"), req.Sections, req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(assessment)
}

// ReopenStage handles POST /api/v1/projects/:id/stages/:stage/reopen.
func (h *Handlers) ReopenStage(c *fiber.Ctx) error {
	var req AdvanceRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	project, err := h.orch.ReopenStage(c.Params("id"), c.Params("stage"), actorID(c), req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(project)
}

// Advance handles POST /api/v1/projects/:id/advance.
func (h *Handlers) Advance(c *fiber.Ctx) error {
	var req AdvanceRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	project, err := h.orch.RequestAdvance(c.Params("id"), actorID(c), req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(project)
}

// ForceAdvance handles POST /api/v1/projects/:id/advance/force.
func (h *Handlers) ForceAdvance(c *fiber.Ctx) error {
	var req ForceAdvanceRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	project, err := h.orch.ForceAdvance(c.Params("id"), actorID(c), req.Justification, req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(project)
}

// SkipStage handles POST /api/v1/projects/:id/skip.
func (h *Handlers) SkipStage(c *fiber.Ctx) error {
	var req SkipRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	decision, err := h.orch.SkipStage(c.Params("id"), req.Reason, req.Strategy, actorID(c), req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(decision)
}

// Rollback handles POST /api/v1/projects/:id/rollback.
func (h *Handlers) Rollback(c *fiber.Ctx) error {
	var req RollbackRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	project, err := h.orch.Rollback(c.Params("id"), req.To, actorID(c), req.Justification, req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(project)
}

// SetProjectStatus handles POST /api/v1/projects/:id/status.
func (h *Handlers) SetProjectStatus(c *fiber.Ctx) error {
	var req SetStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	project, err := h.orch.SetProjectStatus(c.Params("id"), req.Status, actorID(c), req.Version)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(project)
}

// DeleteProject handles DELETE /api/v1/projects/:id.
func (h *Handlers) DeleteProject(c *fiber.Ctx) error {
	if err := h.orch.DeleteProject(c.Params("id"), actorID(c)); err != nil {
		return h.mapError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SubmitEdit handles POST /api/v1/projects/:id/edits.
func (h *Handlers) SubmitEdit(c *fiber.Ctx) error {
	var req EditRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Section == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_section", "Bad Request", "Section name is required")
	}

	// Commenter access only covers comment sections.
	access, _ := c.Locals("access").(models.AccessLevel)
	if access == models.AccessCommenter && req.Kind != models.SectionComment {
		return problemResponse(c, fiber.StatusForbidden,
			"insufficient_access", "Forbidden",
			"Commenter access only allows comment edits")
	}

	project, err := h.store.GetProject(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}

	edit := &models.CollaborationEdit{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		Stage:       project.CurrentStage,
		Section:     req.Section,
		Kind:        req.Kind,
		BaseVersion: req.BaseVersion,
		Body:        req.Body,
		Items:       req.Items,
		AuthorID:    actorID(c),
		Timestamp:   time.Now(),
	}

	outcome, err := h.resolver.Submit(edit)
	if err != nil {
		return h.mapError(c, err)
	}

	resp := EditResponse{
		EditID:     edit.ID,
		Resolution: string(outcome.Resolution),
		Version:    outcome.Version,
		Discarded:  outcome.Discarded,
		Conflict:   outcome.Conflict,
	}
	if outcome.Resolution == collab.ResolutionUserChoice {
		return c.Status(fiber.StatusConflict).JSON(resp)
	}
	return c.JSON(resp)
}

// ListConflicts handles GET /api/v1/projects/:id/conflicts.
func (h *Handlers) ListConflicts(c *fiber.Ctx) error {
	if _, err := h.store.GetProject(c.Params("id")); err != nil {
		return h.mapError(c, err)
	}
	conflicts := h.resolver.Pending(c.Params("id"))
	if conflicts == nil {
		conflicts = []*collab.Conflict{}
	}
	return c.JSON(conflicts)
}

// ResolveConflict handles POST /api/v1/projects/:id/conflicts/:cid.
func (h *Handlers) ResolveConflict(c *fiber.Ctx) error {
	var req ResolveConflictRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	choice := collab.Choice(req.Choice)
	if choice != collab.ChooseTheirs && choice != collab.ChooseYours {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_choice", "Bad Request", `Choice must be "theirs" or "yours"`)
	}

	outcome, err := h.resolver.Resolve(c.Params("cid"), choice, actorID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(outcome)
}

// ExportPlaybook handles GET /api/v1/projects/:id/playbook.
func (h *Handlers) ExportPlaybook(c *fiber.Ctx) error {
	steps, summary, err := h.transformer.Transform(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(PlaybookResponse{Steps: steps, Summary: summary})
}

// GetCosts handles GET /api/v1/projects/:id/costs.
func (h *Handlers) GetCosts(c *fiber.Ctx) error {
	project, err := h.store.GetProject(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	entries, err := h.store.ListCostEntries(project.ID)
	if err != nil {
		return h.mapError(c, err)
	}
	totals, err := h.ledger.Totals(project)
	if err != nil {
		return h.mapError(c, err)
	}
	if entries == nil {
		entries = []*models.CostEntry{}
	}
	return c.JSON(CostsResponse{Entries: entries, Totals: totals})
}

// GetAudit handles GET /api/v1/projects/:id/audit.
func (h *Handlers) GetAudit(c *fiber.Ctx) error {
	if _, err := h.store.GetProject(c.Params("id")); err != nil {
		return h.mapError(c, err)
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.store.ListAudit(c.Params("id"), c.Query("action"), limit)
	if err != nil {
		return h.mapError(c, err)
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	return c.JSON(entries)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker != nil && !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// requireCurrentStage rejects stage-scoped writes targeting a stage other
// than the project's current one.
func (h *Handlers) requireCurrentStage(c *fiber.Ctx) error {
	stageID := c.Params("stage")
	if !stage.IsValid(stageID) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_stage", "Bad Request", "Unknown stage: "+stageID)
	}
	project, err := h.store.GetProject(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	if project.CurrentStage != stageID {
		return problemResponse(c, fiber.StatusConflict,
			"wrong_stage", "Conflict",
			"Project is at stage "+project.CurrentStage+", not "+stageID)
	}
	return nil
}

// mapError translates engine errors into RFC 7807 responses. Retryable
// conflicts come back as 409 so clients re-read and retry; gate failures as
// 422 with the score and gap in the detail.
func (h *Handlers) mapError(c *fiber.Ctx, err error) error {
	var (
		versionConflict *perrors.VersionConflictError
		gateNotMet      *perrors.QualityGateNotMetError
		badTransition   *perrors.InvalidStageTransitionError
		incomplete      *perrors.TransformationIncompleteError
	)

	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", "The requested resource does not exist")
	case errors.As(err, &gateNotMet):
		return problemResponse(c, fiber.StatusUnprocessableEntity,
			"quality_gate_not_met", "Quality Gate Not Met", gateNotMet.Error())
	case errors.As(err, &versionConflict):
		return problemResponse(c, fiber.StatusConflict,
			"version_conflict", "Conflict", versionConflict.Error())
	case errors.As(err, &badTransition):
		return problemResponse(c, fiber.StatusConflict,
			"invalid_stage_transition", "Conflict", badTransition.Error())
	case errors.As(err, &incomplete):
		return problemResponse(c, fiber.StatusConflict,
			"transformation_incomplete", "Conflict", incomplete.Error())
	case errors.Is(err, perrors.ErrStageLocked):
		return problemResponse(c, fiber.StatusConflict,
			"stage_locked", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrStaleAssessment):
		return problemResponse(c, fiber.StatusConflict,
			"stale_assessment", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	}

	h.logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled engine error")
	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error", "An internal error occurred")
}
