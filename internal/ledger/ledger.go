// Package ledger records token usage and cost per stage and model,
// aggregates spend against the project budget and fires threshold alerts.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stageflow/internal/metrics"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/stage"
	"github.com/p-blackswan/stageflow/internal/store"
)

// AlertThresholds are the budget percentages at which alerts fire, each at
// most once per project per crossing. Crossing 100% is advisory, not a stop.
var AlertThresholds = []int{75, 90, 100}

// Notifier receives budget alerts. Implementations must not block.
type Notifier interface {
	BudgetAlert(projectID string, thresholdPct int, spent, budget float64)
}

// Ledger is the engine's cost accounting component.
type Ledger struct {
	store    *store.Store
	pricing  *Pricing
	metrics  *metrics.Metrics
	notifier Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	alerted map[string]map[int]bool // project -> threshold pct -> fired
}

// New creates a Ledger. Notifier may be nil.
func New(st *store.Store, pricing *Pricing, m *metrics.Metrics, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:   st,
		pricing: pricing,
		metrics: m,
		logger:  logger.With().Str("component", "ledger").Logger(),
		alerted: make(map[string]map[int]bool),
	}
}

// SetNotifier sets the alert notifier.
func (l *Ledger) SetNotifier(n Notifier) { l.notifier = n }

// Record appends a usage entry, updates aggregates and fires any newly
// crossed threshold alerts for the project.
func (l *Ledger) Record(project *models.Project, stageID string, model string, tokensIn, tokensOut int) (*models.CostEntry, error) {
	entry := &models.CostEntry{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Stage:     stageID,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   l.pricing.Cost(model, tokensIn, tokensOut),
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := l.store.AppendCostEntry(entry); err != nil {
		return nil, fmt.Errorf("record cost entry: %w", err)
	}
	if l.metrics != nil {
		l.metrics.RecordCost(model, entry.CostUSD)
	}

	spent, err := l.store.ProjectSpend(project.ID)
	if err != nil {
		return entry, fmt.Errorf("aggregate spend: %w", err)
	}
	l.checkThresholds(project, spent)

	return entry, nil
}

// Totals is the cost read model for one project.
type Totals struct {
	SpentUSD     float64            `json:"spent_usd"`
	BudgetUSD    float64            `json:"budget_usd"`
	ByStage      map[string]float64 `json:"by_stage"`
	ProjectedUSD float64            `json:"projected_usd"`
	OverBudget   bool               `json:"over_budget"`
}

// Totals aggregates spend and projection for a project.
func (l *Ledger) Totals(project *models.Project) (*Totals, error) {
	spent, err := l.store.ProjectSpend(project.ID)
	if err != nil {
		return nil, err
	}
	byStage, err := l.store.StageSpend(project.ID)
	if err != nil {
		return nil, err
	}

	return &Totals{
		SpentUSD:     spent,
		BudgetUSD:    project.BudgetUSD,
		ByStage:      byStage,
		ProjectedUSD: projectCost(project, spent, byStage),
		OverBudget:   project.BudgetUSD > 0 && spent > project.BudgetUSD,
	}, nil
}

// ProjectedCost estimates total spend at completion from the stage-average
// cost observed so far.
func (l *Ledger) ProjectedCost(project *models.Project) (float64, error) {
	spent, err := l.store.ProjectSpend(project.ID)
	if err != nil {
		return 0, err
	}
	byStage, err := l.store.StageSpend(project.ID)
	if err != nil {
		return 0, err
	}
	return projectCost(project, spent, byStage), nil
}

func projectCost(project *models.Project, spent float64, byStage map[string]float64) float64 {
	if len(byStage) == 0 {
		return 0
	}
	avg := spent / float64(len(byStage))
	remaining := len(stage.Order) - 1 - stage.Index(project.CurrentStage)
	if remaining < 0 {
		remaining = 0
	}
	return spent + avg*float64(remaining)
}

// checkThresholds fires alerts for thresholds newly crossed by this spend
// level. Level-triggered, once per project per threshold.
func (l *Ledger) checkThresholds(project *models.Project, spent float64) {
	if project.BudgetUSD <= 0 {
		return
	}
	pct := spent / project.BudgetUSD * 100

	l.mu.Lock()
	fired, ok := l.alerted[project.ID]
	if !ok {
		fired = l.seedFiredLocked(project.ID)
		l.alerted[project.ID] = fired
	}
	var crossed []int
	for _, threshold := range AlertThresholds {
		if pct >= float64(threshold) && !fired[threshold] {
			fired[threshold] = true
			crossed = append(crossed, threshold)
		}
	}
	l.mu.Unlock()

	for _, threshold := range crossed {
		l.fireAlert(project, threshold, spent)
	}
}

// seedFiredLocked restores already-fired thresholds from the audit log so a
// restart does not re-alert. Caller holds l.mu.
func (l *Ledger) seedFiredLocked(projectID string) map[int]bool {
	fired := make(map[int]bool)
	entries, err := l.store.ListAudit(projectID, models.AuditBudgetThreshold, len(AlertThresholds))
	if err != nil {
		return fired
	}
	for _, e := range entries {
		var detail struct {
			Threshold int `json:"threshold"`
		}
		if json.Unmarshal([]byte(e.Detail), &detail) == nil {
			fired[detail.Threshold] = true
		}
	}
	return fired
}

func (l *Ledger) fireAlert(project *models.Project, threshold int, spent float64) {
	detail, _ := json.Marshal(map[string]any{
		"threshold": threshold,
		"spent_usd": spent,
		"budget_usd": project.BudgetUSD,
	})
	if err := l.store.AppendAudit(&models.AuditEntry{
		ProjectID: project.ID,
		ActorID:   "system",
		Action:    models.AuditBudgetThreshold,
		Detail:    string(detail),
	}); err != nil {
		l.logger.Error().Err(err).Str("project_id", project.ID).Msg("failed to record budget alert")
	}

	if l.metrics != nil {
		l.metrics.RecordBudgetAlert(fmt.Sprintf("%d", threshold))
	}
	if l.notifier != nil {
		l.notifier.BudgetAlert(project.ID, threshold, spent, project.BudgetUSD)
	}

	l.logger.Warn().
		Str("project_id", project.ID).
		Int("threshold_pct", threshold).
		Float64("spent_usd", spent).
		Float64("budget_usd", project.BudgetUSD).
		Msg("budget threshold crossed")
}
