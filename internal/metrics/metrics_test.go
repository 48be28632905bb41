package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.AdvancementsTotal)
	assert.NotNil(t, m.GateFailuresTotal)
	assert.NotNil(t, m.ConflictsTotal)
	assert.NotNil(t, m.ScoringDuration)
	assert.NotNil(t, m.CostUSDTotal)
	assert.NotNil(t, m.BudgetAlertsTotal)
}

func TestMetrics_RecordAdvancement(t *testing.T) {
	m := New()
	m.RecordAdvancement("idea_refinement", "PROCEED_WITH_CAUTION")
	m.RecordAdvancement("idea_refinement", "PROCEED_WITH_CAUTION")
	m.RecordGateFailure("prd_generation")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `stageflow_advancements_total{gate="PROCEED_WITH_CAUTION",stage="idea_refinement"} 2`)
	assert.Contains(t, body, `stageflow_gate_failures_total{stage="prd_generation"} 1`)
}

func TestMetrics_RecordCostAndAlerts(t *testing.T) {
	m := New()
	m.RecordCost("claude-sonnet-4-5", 1.25)
	m.RecordCost("claude-sonnet-4-5", 0.75)
	m.RecordBudgetAlert("75")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `stageflow_cost_usd_total{model="claude-sonnet-4-5"} 2`)
	assert.Contains(t, body, `stageflow_budget_alerts_total{threshold="75"} 1`)
}

func TestMetrics_RecordConflict(t *testing.T) {
	m := New()
	m.RecordConflict("auto_merge")
	m.RecordConflict("last_write_wins")
	m.RecordConflict("auto_merge")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `stageflow_conflicts_total{resolution="auto_merge"} 2`)
	assert.Contains(t, body, `stageflow_conflicts_total{resolution="last_write_wins"} 1`)
}
