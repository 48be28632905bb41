// Package skip resolves compensation strategies for skipping the optional
// ux_requirements stage. The strategy table is a static lookup: quality
// impact accounting must stay auditable and reproducible.
package skip

import (
	"fmt"
	"time"

	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/stage"
)

// StrategyProfile is the fixed quality/cost trade-off of one strategy.
type StrategyProfile struct {
	// QualityImpact is deducted, in points, from the contribution
	// ux_requirements would have made to project completeness.
	QualityImpact float64

	// CostDeltaUSD is the additional generation cost the strategy implies.
	CostDeltaUSD float64

	// Deferred marks strategies handed to an external team.
	Deferred bool

	Description string
}

// profiles maps each strategy to its fixed characteristics. The full loss is
// the 25-point contribution of ux_requirements; comprehensive prompts recover
// all but 5 of it.
var profiles = map[models.SkipStrategy]StrategyProfile{
	models.SkipComprehensiveUXPrompts: {
		QualityImpact: 5,
		CostDeltaUSD:  12.00,
		Description:   "Generate comprehensive UX prompt documentation covering journeys, wireframe notes and interaction patterns.",
	},
	models.SkipBasicUXPrompts: {
		QualityImpact: 15,
		CostDeltaUSD:  3.50,
		Description:   "Generate a basic UX guidance document from the PRD's feature list.",
	},
	models.SkipUXResearchTasks: {
		QualityImpact: 20,
		CostDeltaUSD:  0,
		Deferred:      true,
		Description:   "Produce a UX research task list for an external design team.",
	},
	models.SkipNoCompensation: {
		QualityImpact: 25,
		CostDeltaUSD:  0,
		Description:   "Skip with no compensation; downstream stages receive no UX input.",
	},
}

// Reason codes accepted on a skip decision.
var validReasons = map[string]bool{
	"internal_tool":      true,
	"api_only":           true,
	"design_team_exists": true,
	"timeline_pressure":  true,
	"prototype":          true,
}

// Profile returns the fixed characteristics of a strategy.
func Profile(s models.SkipStrategy) (StrategyProfile, bool) {
	p, ok := profiles[s]
	return p, ok
}

// Resolve materializes a SkipDecision for the given reason code and chosen
// strategy. Exactly one strategy is recorded; it never fabricates a
// QualityAssessment for the skipped stage.
func Resolve(projectID, reason string, strategy models.SkipStrategy, decidedBy string) (*models.SkipDecision, error) {
	profile, ok := profiles[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown compensation strategy: %q", strategy)
	}
	if !validReasons[reason] {
		return nil, fmt.Errorf("unknown skip reason code: %q", reason)
	}

	return &models.SkipDecision{
		ProjectID:     projectID,
		Stage:         stage.UXRequirements,
		Reason:        reason,
		Strategy:      strategy,
		QualityImpact: profile.QualityImpact,
		CostDeltaUSD:  profile.CostDeltaUSD,
		DecidedBy:     decidedBy,
		CreatedAt:     time.Now().UnixMilli(),
	}, nil
}
