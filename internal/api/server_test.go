package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stageflow/internal/collab"
	"github.com/p-blackswan/stageflow/internal/health"
	"github.com/p-blackswan/stageflow/internal/ledger"
	"github.com/p-blackswan/stageflow/internal/metrics"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/orchestrator"
	"github.com/p-blackswan/stageflow/internal/playbook"
	"github.com/p-blackswan/stageflow/internal/schema"
	"github.com/p-blackswan/stageflow/internal/scoring"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

const testAPIKey = "test-key"

type stubScorer struct {
	overall float64
}

func (s *stubScorer) Score(_ context.Context, stageID string, content *models.StageContent, model string) (*models.QualityAssessment, scoring.Usage, error) {
	dims := make(map[string]float64)
	for d := range stage.Weights[stageID] {
		dims[d] = s.overall
	}
	return &models.QualityAssessment{
		ProjectID:  content.ProjectID,
		Stage:      stageID,
		Dimensions: dims,
		Overall:    s.overall,
		GateStatus: scoring.Verdict(stageID, s.overall),
		Confidence: models.ConfidenceHigh,
		Model:      model,
		CreatedAt:  time.Now().UnixMilli(),
	}, scoring.Usage{TokensIn: 500, TokensOut: 100}, nil
}

// testApp builds a Fiber app over an in-memory engine.
func testApp(t *testing.T, auth AuthConfig, scorer *stubScorer) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	validator, err := schema.NewValidator()
	require.NoError(t, err)
	pricing, err := ledger.LoadPricing()
	require.NoError(t, err)

	m := metrics.New()
	led := ledger.New(st, pricing, m, logger)
	orch := orchestrator.New(st, scorer, validator, led, m, logger)
	resolver := collab.NewResolver(st, m, time.Minute, logger)
	transformer := playbook.NewTransformer(st, logger)
	checker := health.NewChecker(logger)

	handlers := NewHandlers(orch, resolver, transformer, led, st, checker,
		"anthropic", "claude-sonnet-4-5", 50, logger)

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: auth,
		RateLimit:  RateLimitConfig{RPS: 100, Burst: 200},
	}, handlers, logger)
	return srv.App()
}

func apiKeyApp(t *testing.T, scorer *stubScorer) *fiber.App {
	return testApp(t, AuthConfig{Mode: "api-key", APIKey: testAPIKey}, scorer)
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func authed() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + testAPIKey,
		"X-Actor-ID":    "alice",
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	resp.Body.Close()
	return v
}

func createTestProject(t *testing.T, app *fiber.App) *models.Project {
	t.Helper()
	resp := doJSON(t, app, "POST", "/api/v1/projects",
		CreateProjectRequest{Name: "Invoicer", BudgetUSD: 25}, authed())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[*models.Project](t, resp)
	return p
}

func sectionsFor(stageID string) map[string]*models.Section {
	sections := make(map[string]*models.Section)
	for _, name := range stage.RequiredSections[stageID] {
		sections[name] = &models.Section{Name: name, Kind: models.SectionText, Body: "drafted " + name}
	}
	return sections
}

func TestHealthzWithoutAuth(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})

	resp := doJSON(t, app, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingAuthRejected(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})

	resp := doJSON(t, app, "GET", "/api/v1/projects/p1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "missing_auth", problem.Type)
}

func TestCreateProject_AppliesDefaults(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})

	p := createTestProject(t, app)
	assert.Equal(t, "claude-sonnet-4-5", p.Model)
	assert.Equal(t, stage.IdeaRefinement, p.CurrentStage)
	assert.Equal(t, "alice", p.OwnerID)
}

func TestListProjects_FiltersByOwner(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)

	resp := doJSON(t, app, "GET", "/api/v1/projects?owner=alice", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := decode[[]*models.Project](t, resp)
	require.Len(t, projects, 1)
	assert.Equal(t, p.ID, projects[0].ID)

	resp = doJSON(t, app, "GET", "/api/v1/projects?owner=nobody", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*models.Project](t, resp))
}

func TestGetProject_NotFound(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})

	resp := doJSON(t, app, "GET", "/api/v1/projects/nope", nil, authed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProjectLifecycle_StatusAndDelete(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/status",
		SetStatusRequest{Version: p.Version, Status: models.StatusOnHold}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[*models.Project](t, resp)
	assert.Equal(t, models.StatusOnHold, updated.Status)

	// Archiving a paused project is not a whitelisted move.
	resp = doJSON(t, app, "POST", base+"/status",
		SetStatusRequest{Version: updated.Version, Status: models.StatusArchived}, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, "DELETE", base, nil, authed())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, app, "GET", base, nil, authed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStageFlow_SubmitAndAdvance(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/stages/idea_refinement/begin", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := decode[*models.StageContent](t, resp)

	resp = doJSON(t, app, "POST", base+"/stages/idea_refinement/content",
		SubmitContentRequest{Sections: sectionsFor(stage.IdeaRefinement), Version: content.Version}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assessment := decode[*models.QualityAssessment](t, resp)
	assert.Equal(t, models.GateProceedExcellent, assessment.GateStatus)

	resp = doJSON(t, app, "POST", base+"/advance", AdvanceRequest{Version: p.Version}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	advanced := decode[*models.Project](t, resp)
	assert.Equal(t, stage.PRDGeneration, advanced.CurrentStage)
}

func TestSubmitContent_WrongStageRejected(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)

	resp := doJSON(t, app, "POST", "/api/v1/projects/"+p.ID+"/stages/prd_generation/content",
		SubmitContentRequest{Sections: sectionsFor(stage.PRDGeneration), Version: 0}, authed())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "wrong_stage", problem.Type)
}

func TestAdvance_GateNotMetIs422(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 74})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/stages/idea_refinement/begin", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := decode[*models.StageContent](t, resp)

	resp = doJSON(t, app, "POST", base+"/stages/idea_refinement/content",
		SubmitContentRequest{Sections: sectionsFor(stage.IdeaRefinement), Version: content.Version}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, "POST", base+"/advance", AdvanceRequest{Version: p.Version}, authed())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "quality_gate_not_met", problem.Type)
	assert.Contains(t, problem.Detail, "gap 1.0")
}

func TestAdvance_VersionConflictIs409(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/stages/idea_refinement/begin", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := decode[*models.StageContent](t, resp)

	resp = doJSON(t, app, "POST", base+"/stages/idea_refinement/content",
		SubmitContentRequest{Sections: sectionsFor(stage.IdeaRefinement), Version: content.Version}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, "POST", base+"/advance", AdvanceRequest{Version: p.Version + 9}, authed())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "version_conflict", problem.Type)
}

func TestEditAndConflictEndpoints(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/stages/idea_refinement/begin", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, "POST", base+"/edits", EditRequest{
		Section: "problem_statement", Kind: models.SectionText,
		BaseVersion: 1, Body: "first take",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[EditResponse](t, resp)
	assert.Equal(t, "applied", first.Resolution)

	// A competing overlapping edit from the same base escalates.
	resp = doJSON(t, app, "POST", base+"/edits", EditRequest{
		Section: "problem_statement", Kind: models.SectionText,
		BaseVersion: 1, Body: "second take",
	}, authed())
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	second := decode[EditResponse](t, resp)
	require.NotNil(t, second.Conflict)

	resp = doJSON(t, app, "GET", base+"/conflicts", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[[]*collab.Conflict](t, resp)
	require.Len(t, pending, 1)

	resp = doJSON(t, app, "POST", base+"/conflicts/"+second.Conflict.ID,
		ResolveConflictRequest{Choice: "yours"}, authed())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, "GET", base+"/conflicts", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending = decode[[]*collab.Conflict](t, resp)
	assert.Empty(t, pending)
}

func TestSkipAndPlaybookExport(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	version := p.Version
	for _, stageID := range []string{stage.IdeaRefinement, stage.PRDGeneration} {
		resp := doJSON(t, app, "POST", fmt.Sprintf("%s/stages/%s/begin", base, stageID), nil, authed())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		content := decode[*models.StageContent](t, resp)

		resp = doJSON(t, app, "POST", fmt.Sprintf("%s/stages/%s/content", base, stageID),
			SubmitContentRequest{Sections: sectionsFor(stageID), Version: content.Version}, authed())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = doJSON(t, app, "POST", base+"/advance", AdvanceRequest{Version: version}, authed())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		advanced := decode[*models.Project](t, resp)
		version = advanced.Version
	}

	resp := doJSON(t, app, "POST", base+"/skip",
		SkipRequest{Version: version, Reason: "internal_tool", Strategy: models.SkipBasicUXPrompts}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision := decode[*models.SkipDecision](t, resp)
	assert.InDelta(t, 15, decision.QualityImpact, 1e-9)

	resp = doJSON(t, app, "GET", base+"/playbook", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	export := decode[PlaybookResponse](t, resp)
	assert.NotEmpty(t, export.Steps)
	assert.Contains(t, export.Summary.StagesConsumed, stage.UXRequirements)
}

func TestPlaybook_NothingCompleteIs409(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)

	resp := doJSON(t, app, "GET", "/api/v1/projects/"+p.ID+"/playbook", nil, authed())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "transformation_incomplete", problem.Type)
}

func TestCostsEndpoint(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)
	base := "/api/v1/projects/" + p.ID

	resp := doJSON(t, app, "POST", base+"/stages/idea_refinement/begin", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := decode[*models.StageContent](t, resp)

	resp = doJSON(t, app, "POST", base+"/stages/idea_refinement/content",
		SubmitContentRequest{Sections: sectionsFor(stage.IdeaRefinement), Version: content.Version}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, app, "GET", base+"/costs", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	costs := decode[CostsResponse](t, resp)
	require.Len(t, costs.Entries, 1)
	assert.Greater(t, costs.Totals.SpentUSD, 0.0)
}

func TestAuditEndpoint(t *testing.T) {
	app := apiKeyApp(t, &stubScorer{overall: 90})
	p := createTestProject(t, app)

	resp := doJSON(t, app, "GET", "/api/v1/projects/"+p.ID+"/audit?action=project.created", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]*models.AuditEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditProjectCreated, entries[0].Action)
}

func signToken(t *testing.T, secret, subject string, access models.AccessLevel) string {
	t.Helper()
	claims := accessClaims{
		Access: access,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	const secret = "local-test-secret"
	app := testApp(t, AuthConfig{Mode: "jwt", JWTSecret: secret}, &stubScorer{overall: 90})

	viewer := map[string]string{
		"Authorization": "Bearer " + signToken(t, secret, "viola", models.AccessViewer),
	}
	resp := doJSON(t, app, "POST", "/api/v1/projects", CreateProjectRequest{Name: "X"}, viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	editor := map[string]string{
		"Authorization": "Bearer " + signToken(t, secret, "ed", models.AccessEditor),
	}
	resp = doJSON(t, app, "POST", "/api/v1/projects", CreateProjectRequest{Name: "X"}, editor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[*models.Project](t, resp)
	assert.Equal(t, "ed", p.OwnerID)

	bad := map[string]string{
		"Authorization": "Bearer " + signToken(t, "other-secret", "eve", models.AccessAdmin),
	}
	resp = doJSON(t, app, "GET", "/api/v1/projects/"+p.ID, nil, bad)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
