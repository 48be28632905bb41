package ledger

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []int
}

func (f *fakeNotifier) BudgetAlert(_ string, pct int, _, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, pct)
}

func newTestLedger(t *testing.T) (*Ledger, *store.Store, *models.Project) {
	t.Helper()
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pricing, err := LoadPricing()
	require.NoError(t, err)

	p := &models.Project{
		ID:           "p1",
		Name:         "Test",
		OwnerID:      "u1",
		Status:       models.StatusActive,
		CurrentStage: stage.IdeaRefinement,
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-5",
		BudgetUSD:    10,
	}
	require.NoError(t, st.CreateProject(p))

	return New(st, pricing, nil, zerolog.Nop()), st, p
}

func TestPricing(t *testing.T) {
	pricing, err := LoadPricing()
	require.NoError(t, err)

	// 1M in at $3 + 1M out at $15
	assert.InDelta(t, 18.0, pricing.Cost("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)
	// Unknown models fall back to the default price.
	assert.InDelta(t, 18.0, pricing.Cost("mystery-model", 1_000_000, 1_000_000), 1e-9)
}

func TestRecord(t *testing.T) {
	l, st, p := newTestLedger(t)

	entry, err := l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 100_000, 20_000)
	require.NoError(t, err)
	// 0.1*3 + 0.02*15 = 0.6
	assert.InDelta(t, 0.6, entry.CostUSD, 1e-9)

	spent, err := st.ProjectSpend("p1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, spent, 1e-9)
}

func TestThresholdAlerts_FireOncePerCrossing(t *testing.T) {
	l, st, p := newTestLedger(t)
	n := &fakeNotifier{}
	l.SetNotifier(n)

	// Budget 10 USD. 400k/400k sonnet tokens = 1.2 + 6.0 = 7.2 -> no alert.
	_, err := l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 400_000, 400_000)
	require.NoError(t, err)
	assert.Empty(t, n.alerts)

	// +0.6 -> 7.8 = 78% -> 75% alert fires once.
	_, err = l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 100_000, 20_000)
	require.NoError(t, err)
	assert.Equal(t, []int{75}, n.alerts)

	// Still below 90% -> no repeat of the 75% alert.
	_, err = l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 10_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, []int{75}, n.alerts)

	// Jump past 90% and 100%: both fire, each once.
	_, err = l.Record(p, stage.PRDGeneration, "claude-sonnet-4-5", 400_000, 400_000)
	require.NoError(t, err)
	assert.Equal(t, []int{75, 90, 100}, n.alerts)

	// Each crossing recorded exactly once in the audit log.
	entries, err := st.ListAudit("p1", models.AuditBudgetThreshold, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestThresholdAlerts_SurviveRestart(t *testing.T) {
	l, st, p := newTestLedger(t)
	_, err := l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 400_000, 500_000)
	require.NoError(t, err) // 8.7 = 87% -> 75% fired

	// A fresh ledger over the same store must not re-fire 75%.
	pricing, err := LoadPricing()
	require.NoError(t, err)
	l2 := New(st, pricing, nil, zerolog.Nop())
	n := &fakeNotifier{}
	l2.SetNotifier(n)

	_, err = l2.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 1_000, 1_000)
	require.NoError(t, err)
	assert.Empty(t, n.alerts)
}

func TestOverBudgetIsAdvisory(t *testing.T) {
	l, _, p := newTestLedger(t)

	// Blow way past the budget; Record must still succeed.
	_, err := l.Record(p, stage.IdeaRefinement, "claude-opus-4", 1_000_000, 1_000_000)
	require.NoError(t, err)

	totals, err := l.Totals(p)
	require.NoError(t, err)
	assert.True(t, totals.OverBudget)
	assert.Greater(t, totals.SpentUSD, totals.BudgetUSD)
}

func TestProjectedCost(t *testing.T) {
	l, _, p := newTestLedger(t)

	// No entries yet -> no projection.
	projected, err := l.ProjectedCost(p)
	require.NoError(t, err)
	assert.Zero(t, projected)

	_, err = l.Record(p, stage.IdeaRefinement, "claude-sonnet-4-5", 100_000, 20_000) // 0.6
	require.NoError(t, err)

	// One stage observed at 0.6, four stages remain after idea_refinement:
	// 0.6 + 0.6*4 = 3.0
	p.CurrentStage = stage.IdeaRefinement
	projected, err = l.ProjectedCost(p)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, projected, 1e-9)

	// Later in the flow, fewer stages remain.
	p.CurrentStage = stage.TechnicalAnalysis
	projected, err = l.ProjectedCost(p)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, projected, 1e-9)
}
