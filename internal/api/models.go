package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/stageflow/internal/collab"
	"github.com/p-blackswan/stageflow/internal/ledger"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/playbook"
)

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name          string                        `json:"name"`
	Provider      string                        `json:"provider"`
	Model         string                        `json:"model"`
	BudgetUSD     float64                       `json:"budget_usd"`
	Collaborators map[string]models.AccessLevel `json:"collaborators,omitempty"`
}

// ProjectResponse decorates the stored project with its completion metric.
type ProjectResponse struct {
	Project      *models.Project `json:"project"`
	Completeness float64         `json:"completeness"`
}

// SubmitContentRequest carries a full replacement of the current stage's
// sections plus the content version the editor based it on.
type SubmitContentRequest struct {
	Sections map[string]*models.Section `json:"sections"`
	Version  int                        `json:"version"`
}

// AdvanceRequest carries the project version the caller holds.
type AdvanceRequest struct {
	Version int `json:"version"`
}

// ForceAdvanceRequest is the privileged gate override.
type ForceAdvanceRequest struct {
	Version       int    `json:"version"`
	Justification string `json:"justification"`
}

// SkipRequest is the body for skipping the optional stage.
type SkipRequest struct {
	Version  int                 `json:"version"`
	Reason   string              `json:"reason"`
	Strategy models.SkipStrategy `json:"strategy"`
}

// RollbackRequest is the privileged move to an earlier stage.
type RollbackRequest struct {
	Version       int    `json:"version"`
	To            string `json:"to"`
	Justification string `json:"justification"`
}

// SetStatusRequest moves the project between lifecycle statuses (on_hold,
// active, cancelled, archived).
type SetStatusRequest struct {
	Version int                  `json:"version"`
	Status  models.ProjectStatus `json:"status"`
}

// EditRequest is one collaboration edit of a single section.
type EditRequest struct {
	Section     string             `json:"section"`
	Kind        models.SectionKind `json:"kind"`
	BaseVersion int                `json:"base_version"`
	Body        string             `json:"body,omitempty"`
	Items       []string           `json:"items,omitempty"`
}

// EditResponse reports how the edit was resolved.
type EditResponse struct {
	EditID     string           `json:"edit_id"`
	Resolution string           `json:"resolution"`
	Version    int              `json:"version"`
	Discarded  bool             `json:"discarded,omitempty"`
	Conflict   *collab.Conflict `json:"conflict,omitempty"`
}

// ResolveConflictRequest picks a side of a pending conflict.
type ResolveConflictRequest struct {
	Choice string `json:"choice"` // "theirs" or "yours"
}

// PlaybookResponse is the export artifact.
type PlaybookResponse struct {
	Steps   []*models.PlaybookStep `json:"steps"`
	Summary *playbook.Summary      `json:"summary"`
}

// CostsResponse combines the raw ledger entries with the aggregate view.
type CostsResponse struct {
	Entries []*models.CostEntry `json:"entries"`
	Totals  *ledger.Totals      `json:"totals"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
