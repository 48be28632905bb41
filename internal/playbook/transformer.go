// Package playbook turns completed stage content into an ordered list of
// executable steps. The transformation is deterministic and read-only:
// transforming the same project state twice yields identical steps with
// identical identifiers.
package playbook

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/skip"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

// Summary describes one transformation run. InheritedScore is the lowest
// overall assessment among the consumed stages: the playbook is only as
// trustworthy as its weakest input. ProjectVersion pins the run to the
// state it consumed; a later rollback or edit makes the run detectably
// stale by comparison.
type Summary struct {
	StagesConsumed []string `json:"stages_consumed"`
	StepCount      int      `json:"step_count"`
	InheritedScore float64  `json:"inherited_score"`
	ProjectVersion int      `json:"project_version"`
}

// Transformer reads final orchestrator state and emits playbook steps. It
// never mutates the project.
type Transformer struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewTransformer(st *store.Store, logger zerolog.Logger) *Transformer {
	return &Transformer{
		store:  st,
		logger: logger.With().Str("component", "playbook").Logger(),
	}
}

// Transform maps each completed stage's content through its fixed rules, in
// stage order, and appends the finalization steps. A skipped stage emits
// its compensation template instead of the normal mapping. At least one
// completed stage is required.
func (t *Transformer) Transform(projectID string) ([]*models.PlaybookStep, *Summary, error) {
	project, err := t.store.GetProject(projectID)
	if err != nil {
		return nil, nil, err
	}
	assessments, err := t.store.ListAssessments(projectID)
	if err != nil {
		return nil, nil, err
	}

	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID))

	var steps []*models.PlaybookStep
	var consumed []string
	inherited := 0.0

	for _, stageID := range stage.Order {
		content, err := t.store.GetStageContent(projectID, stageID)
		if err != nil && !isNotFound(err) {
			return nil, nil, err
		}

		if content == nil || content.Status != models.ContentComplete {
			if stage.Skippable(stageID) {
				decision, derr := t.store.GetSkipDecision(projectID, stageID)
				if derr == nil {
					steps = append(steps, compensationSteps(ns, decision)...)
					consumed = append(consumed, stageID)
					continue
				}
			}
			continue
		}

		steps = append(steps, t.stageSteps(ns, stageID, content)...)
		consumed = append(consumed, stageID)
		if a, ok := assessments[stageID]; ok && (inherited == 0 || a.Overall < inherited) {
			inherited = a.Overall
		}
	}

	if len(consumed) == 0 {
		return nil, nil, &perrors.TransformationIncompleteError{ProjectID: projectID, Completed: 0}
	}

	steps = append(steps,
		step(ns, "finalization", models.StepTesting, "integration-testing",
			"Integration testing", "Exercise the assembled system end to end across the implemented features."),
		step(ns, "finalization", models.StepDeployment, "deployment",
			"Deployment", "Package and deploy the system to its target environment."),
	)
	for i, s := range steps {
		s.Ordinal = i + 1
	}

	summary := &Summary{
		StagesConsumed: consumed,
		StepCount:      len(steps),
		InheritedScore: inherited,
		ProjectVersion: project.Version,
	}

	t.logger.Info().
		Str("project_id", projectID).
		Int("steps", summary.StepCount).
		Strs("stages", consumed).
		Msg("playbook transformed")
	return steps, summary, nil
}

func (t *Transformer) stageSteps(ns uuid.UUID, stageID string, content *models.StageContent) []*models.PlaybookStep {
	switch stageID {
	case stage.IdeaRefinement:
		return ideaSteps(ns, content)
	case stage.PRDGeneration:
		return prdSteps(ns, content)
	case stage.UXRequirements:
		return uxSteps(ns, content)
	case stage.TechnicalAnalysis:
		return technicalSteps(ns, content)
	case stage.ImplementationPlaybook:
		return milestoneSteps(ns, content)
	}
	return nil
}

// ideaSteps: one documentation step for the core concept, one validation
// step per identified competitor.
func ideaSteps(ns uuid.UUID, content *models.StageContent) []*models.PlaybookStep {
	steps := []*models.PlaybookStep{
		step(ns, stage.IdeaRefinement, models.StepDocumentation, "concept",
			"Document the product concept",
			joinBodies(content, "problem_statement", "target_audience", "value_proposition")),
	}
	for i, competitor := range sectionItems(content, "competitors") {
		steps = append(steps, step(ns, stage.IdeaRefinement, models.StepResearch, fmt.Sprintf("competitor/%d/%s", i, competitor),
			"Validate against "+competitor,
			fmt.Sprintf("Research %s and verify the claimed differentiation holds.", competitor)))
	}
	return steps
}

// prdSteps: one documentation step per substantive section, a development
// step per feature block and a testing step per success metric.
func prdSteps(ns uuid.UUID, content *models.StageContent) []*models.PlaybookStep {
	var steps []*models.PlaybookStep
	for _, name := range sortedSectionNames(content) {
		sec := content.Sections[name]
		if sec.Kind == models.SectionComment {
			continue
		}
		steps = append(steps, step(ns, stage.PRDGeneration, models.StepDocumentation, "section/"+name,
			"Write up "+humanize(name), sec.Body))
	}
	for i, feature := range sectionItems(content, "features") {
		steps = append(steps, step(ns, stage.PRDGeneration, models.StepDevelopment, fmt.Sprintf("feature/%d/%s", i, feature),
			"Implement "+feature,
			fmt.Sprintf("Build the %q feature as specified in the requirements document.", feature)))
	}
	for i, metric := range sectionItems(content, "success_metrics") {
		steps = append(steps, step(ns, stage.PRDGeneration, models.StepTesting, fmt.Sprintf("metric/%d/%s", i, metric),
			"Verify metric: "+metric,
			fmt.Sprintf("Add instrumentation and a test demonstrating %q is measurable.", metric)))
	}
	return steps
}

// uxSteps: a UI step per user journey, a component step per wireframe and a
// styling step when a design system is defined.
func uxSteps(ns uuid.UUID, content *models.StageContent) []*models.PlaybookStep {
	var steps []*models.PlaybookStep
	for i, journey := range sectionItems(content, "user_journeys") {
		steps = append(steps, step(ns, stage.UXRequirements, models.StepDevelopment, fmt.Sprintf("journey/%d/%s", i, journey),
			"Build UI flow: "+journey,
			fmt.Sprintf("Implement the %q user journey end to end.", journey)))
	}
	for i, wireframe := range sectionItems(content, "wireframes") {
		steps = append(steps, step(ns, stage.UXRequirements, models.StepDevelopment, fmt.Sprintf("wireframe/%d/%s", i, wireframe),
			"Build component: "+wireframe,
			fmt.Sprintf("Implement the %q screen from its wireframe.", wireframe)))
	}
	if sec, ok := content.Sections["design_system"]; ok && sec.Kind != models.SectionComment {
		steps = append(steps, step(ns, stage.UXRequirements, models.StepDevelopment, "design-system",
			"Apply the design system", sec.Body))
	}
	return steps
}

// technicalSteps: an environment setup step from the recommended stack, one
// step per architecture decision, plus a cross-check when more than one
// model contributed to the analysis.
func technicalSteps(ns uuid.UUID, content *models.StageContent) []*models.PlaybookStep {
	steps := []*models.PlaybookStep{
		step(ns, stage.TechnicalAnalysis, models.StepSetup, "environment",
			"Set up the development environment",
			joinBodies(content, "recommended_stack")),
	}
	for i, decision := range sectionItems(content, "architecture_decisions") {
		steps = append(steps, step(ns, stage.TechnicalAnalysis, models.StepDevelopment, fmt.Sprintf("decision/%d/%s", i, decision),
			"Realize decision: "+decision,
			fmt.Sprintf("Implement the %q architecture decision.", decision)))
	}
	if len(sectionItems(content, "contributing_models")) > 1 {
		steps = append(steps, step(ns, stage.TechnicalAnalysis, models.StepValidation, "cross-check",
			"Cross-check the multi-model analysis",
			"Reconcile the recommendations produced by different models and resolve disagreements."))
	}
	return steps
}

func milestoneSteps(ns uuid.UUID, content *models.StageContent) []*models.PlaybookStep {
	var steps []*models.PlaybookStep
	for i, milestone := range sectionItems(content, "milestones") {
		steps = append(steps, step(ns, stage.ImplementationPlaybook, models.StepDevelopment, fmt.Sprintf("milestone/%d/%s", i, milestone),
			"Deliver milestone: "+milestone,
			fmt.Sprintf("Complete all work scoped under the %q milestone.", milestone)))
	}
	return steps
}

// compensationSteps maps a skip decision to its strategy's fixed template.
// no_compensation emits nothing; the deferred research strategy emits an
// external-team task, the prompt strategies a documentation step.
func compensationSteps(ns uuid.UUID, decision *models.SkipDecision) []*models.PlaybookStep {
	profile, ok := skip.Profile(decision.Strategy)
	if !ok || decision.Strategy == models.SkipNoCompensation {
		return nil
	}

	stepType := models.StepDocumentation
	title := "Generate UX guidance (" + string(decision.Strategy) + ")"
	if profile.Deferred {
		stepType = models.StepExternal
		title = "Hand off UX research to the design team"
	}
	return []*models.PlaybookStep{
		step(ns, stage.UXRequirements, stepType, "compensation/"+string(decision.Strategy),
			title, profile.Description),
	}
}

// step builds a PlaybookStep with an identifier derived from the project
// namespace and the step's slug. Re-transforming the same state reproduces
// the same identifiers; list-derived slugs carry their index so duplicate
// items still get distinct ids.
func step(ns uuid.UUID, stageID string, stepType models.StepType, slug, title, description string) *models.PlaybookStep {
	return &models.PlaybookStep{
		ID:          uuid.NewSHA1(ns, []byte(stageID+"/"+slug)).String(),
		Type:        stepType,
		Stage:       stageID,
		Title:       title,
		Description: description,
	}
}

func sectionItems(content *models.StageContent, name string) []string {
	sec, ok := content.Sections[name]
	if !ok {
		return nil
	}
	if len(sec.Items) > 0 {
		return sec.Items
	}
	if sec.Body != "" {
		return []string{sec.Body}
	}
	return nil
}

func joinBodies(content *models.StageContent, names ...string) string {
	var parts []string
	for _, name := range names {
		if sec, ok := content.Sections[name]; ok && sec.Body != "" {
			parts = append(parts, sec.Body)
		}
	}
	return strings.Join(parts, "\n\n")
}

func sortedSectionNames(content *models.StageContent) []string {
	names := make([]string, 0, len(content.Sections))
	for name := range content.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func humanize(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, perrors.ErrNotFound)
}
