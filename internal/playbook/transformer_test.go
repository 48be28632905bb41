package playbook

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/skip"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

func newTestTransformer(t *testing.T) (*Transformer, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateProject(&models.Project{
		ID: "p1", Name: "Invoicer", OwnerID: "u1", Status: models.StatusActive,
		CurrentStage: stage.TechnicalAnalysis, Provider: "anthropic", Model: "m",
	}))
	return NewTransformer(st, zerolog.Nop()), st
}

func completeContent(t *testing.T, st *store.Store, stageID string, sections map[string]*models.Section) {
	t.Helper()
	content := &models.StageContent{
		ProjectID: "p1", Stage: stageID,
		Status: models.ContentComplete, Sections: sections,
	}
	require.NoError(t, st.PutStageContent(content, 0))
}

func text(name, body string) *models.Section {
	return &models.Section{Name: name, Kind: models.SectionText, Body: body}
}

func list(name string, items ...string) *models.Section {
	return &models.Section{Name: name, Kind: models.SectionList, Items: items}
}

func saveAssessment(t *testing.T, st *store.Store, stageID string, overall float64) {
	t.Helper()
	require.NoError(t, st.SaveAssessment(&models.QualityAssessment{
		ProjectID: "p1", Stage: stageID,
		Dimensions: map[string]float64{}, Overall: overall,
		GateStatus: models.GateProceedWithCaution, Confidence: models.ConfidenceHigh,
		ContentVersion: 1, Model: "m",
	}))
}

func completeIdeaAndPRD(t *testing.T, st *store.Store) {
	t.Helper()
	completeContent(t, st, stage.IdeaRefinement, map[string]*models.Section{
		"problem_statement": text("problem_statement", "manual invoicing is slow"),
		"target_audience":   text("target_audience", "freelancers"),
		"value_proposition": text("value_proposition", "one-click invoices"),
		"competitors":       list("competitors", "FreshBooks", "Wave"),
	})
	saveAssessment(t, st, stage.IdeaRefinement, 82)

	completeContent(t, st, stage.PRDGeneration, map[string]*models.Section{
		"overview":        text("overview", "an invoicing tool"),
		"features":        list("features", "create invoice", "send reminder"),
		"success_metrics": list("success_metrics", "weekly active users"),
	})
	saveAssessment(t, st, stage.PRDGeneration, 88)
}

func stepsFor(steps []*models.PlaybookStep, stageID string) []*models.PlaybookStep {
	var out []*models.PlaybookStep
	for _, s := range steps {
		if s.Stage == stageID {
			out = append(out, s)
		}
	}
	return out
}

func TestTransform_StageMappings(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)

	steps, summary, err := tr.Transform("p1")
	require.NoError(t, err)

	// idea: one concept doc + one research step per competitor.
	idea := stepsFor(steps, stage.IdeaRefinement)
	require.Len(t, idea, 3)
	assert.Equal(t, models.StepDocumentation, idea[0].Type)
	assert.Contains(t, idea[0].Description, "manual invoicing is slow")
	assert.Equal(t, models.StepResearch, idea[1].Type)
	assert.Contains(t, idea[1].Title, "FreshBooks")

	// prd: a doc step per section, a dev step per feature, a test step per
	// metric.
	prd := stepsFor(steps, stage.PRDGeneration)
	require.Len(t, prd, 3+2+1)
	devs := 0
	for _, s := range prd {
		if s.Type == models.StepDevelopment {
			devs++
		}
	}
	assert.Equal(t, 2, devs)

	// finalization always closes the playbook.
	last := steps[len(steps)-2:]
	assert.Equal(t, models.StepTesting, last[0].Type)
	assert.Equal(t, models.StepDeployment, last[1].Type)

	// ordinals are contiguous and one-based.
	for i, s := range steps {
		assert.Equal(t, i+1, s.Ordinal)
	}

	assert.Equal(t, []string{stage.IdeaRefinement, stage.PRDGeneration}, summary.StagesConsumed)
	assert.Equal(t, len(steps), summary.StepCount)
	assert.InDelta(t, 82, summary.InheritedScore, 1e-9, "inherited score is the weakest consumed stage")
	assert.Equal(t, 1, summary.ProjectVersion)
}

func TestTransform_Idempotent(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)

	first, _, err := tr.Transform("p1")
	require.NoError(t, err)
	second, _, err := tr.Transform("p1")
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Ordinal, second[i].Ordinal)
	}
}

func TestTransform_DuplicateItemsGetDistinctIDs(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeContent(t, st, stage.IdeaRefinement, map[string]*models.Section{
		"problem_statement": text("problem_statement", "manual invoicing is slow"),
		"target_audience":   text("target_audience", "freelancers"),
		"value_proposition": text("value_proposition", "one-click invoices"),
		"competitors":       list("competitors", "Wave", "Wave"),
	})
	saveAssessment(t, st, stage.IdeaRefinement, 82)

	steps, _, err := tr.Transform("p1")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, s := range steps {
		assert.False(t, seen[s.ID], "duplicate step id %s", s.ID)
		seen[s.ID] = true
	}
	assert.Len(t, stepsFor(steps, stage.IdeaRefinement), 3)
}

func TestTransform_CompletedUX(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)
	completeContent(t, st, stage.UXRequirements, map[string]*models.Section{
		"user_journeys": list("user_journeys", "create first invoice"),
		"wireframes":    list("wireframes", "dashboard", "invoice editor"),
		"design_system": text("design_system", "use the house component library"),
	})

	steps, _, err := tr.Transform("p1")
	require.NoError(t, err)

	ux := stepsFor(steps, stage.UXRequirements)
	require.Len(t, ux, 1+2+1)
	for _, s := range ux {
		assert.Equal(t, models.StepDevelopment, s.Type)
	}
}

// A skipped ux stage with basic prompts compensation yields exactly one
// documentation step instead of the journey and wireframe mappings.
func TestTransform_SkippedUXBasicPrompts(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)

	decision, err := skip.Resolve("p1", "internal_tool", models.SkipBasicUXPrompts, "u1")
	require.NoError(t, err)
	require.NoError(t, st.SaveSkipDecision(decision))

	steps, summary, err := tr.Transform("p1")
	require.NoError(t, err)

	ux := stepsFor(steps, stage.UXRequirements)
	require.Len(t, ux, 1)
	assert.Equal(t, models.StepDocumentation, ux[0].Type)
	assert.Contains(t, ux[0].Title, string(models.SkipBasicUXPrompts))
	assert.Contains(t, summary.StagesConsumed, stage.UXRequirements)
}

func TestTransform_SkippedUXVariants(t *testing.T) {
	t.Run("no_compensation emits nothing", func(t *testing.T) {
		tr, st := newTestTransformer(t)
		completeIdeaAndPRD(t, st)
		decision, err := skip.Resolve("p1", "prototype", models.SkipNoCompensation, "u1")
		require.NoError(t, err)
		require.NoError(t, st.SaveSkipDecision(decision))

		steps, _, err := tr.Transform("p1")
		require.NoError(t, err)
		assert.Empty(t, stepsFor(steps, stage.UXRequirements))
	})

	t.Run("deferred research hands off externally", func(t *testing.T) {
		tr, st := newTestTransformer(t)
		completeIdeaAndPRD(t, st)
		decision, err := skip.Resolve("p1", "design_team_exists", models.SkipUXResearchTasks, "u1")
		require.NoError(t, err)
		require.NoError(t, st.SaveSkipDecision(decision))

		steps, _, err := tr.Transform("p1")
		require.NoError(t, err)
		ux := stepsFor(steps, stage.UXRequirements)
		require.Len(t, ux, 1)
		assert.Equal(t, models.StepExternal, ux[0].Type)
	})
}

func TestTransform_TechnicalAnalysis(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)
	completeContent(t, st, stage.TechnicalAnalysis, map[string]*models.Section{
		"recommended_stack":      text("recommended_stack", "Go service with SQLite"),
		"architecture_decisions": list("architecture_decisions", "single binary", "embedded storage"),
		"contributing_models":    list("contributing_models", "model-a", "model-b"),
	})

	steps, _, err := tr.Transform("p1")
	require.NoError(t, err)

	tech := stepsFor(steps, stage.TechnicalAnalysis)
	require.Len(t, tech, 1+2+1)
	assert.Equal(t, models.StepSetup, tech[0].Type)
	assert.Equal(t, models.StepValidation, tech[3].Type, "multi-model analysis adds a cross-check")
}

func TestTransform_NothingComplete(t *testing.T) {
	tr, _ := newTestTransformer(t)

	_, _, err := tr.Transform("p1")
	var incomplete *perrors.TransformationIncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "p1", incomplete.ProjectID)
}

func TestTransform_DraftStageIgnored(t *testing.T) {
	tr, st := newTestTransformer(t)
	completeIdeaAndPRD(t, st)

	draft := &models.StageContent{
		ProjectID: "p1", Stage: stage.TechnicalAnalysis,
		Status: models.ContentDraft,
		Sections: map[string]*models.Section{
			"recommended_stack": text("recommended_stack", "unfinished"),
		},
	}
	require.NoError(t, st.PutStageContent(draft, 0))

	steps, summary, err := tr.Transform("p1")
	require.NoError(t, err)
	assert.Empty(t, stepsFor(steps, stage.TechnicalAnalysis))
	assert.NotContains(t, summary.StagesConsumed, stage.TechnicalAnalysis)
}
