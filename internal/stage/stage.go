// Package stage defines the fixed stage order, gate thresholds and scoring
// dimension weights. These are design constants, not runtime configuration:
// the skip compensation accounting depends on them staying fixed.
package stage

// The five ordered stage identifiers.
const (
	IdeaRefinement         = "idea_refinement"
	PRDGeneration          = "prd_generation"
	UXRequirements         = "ux_requirements"
	TechnicalAnalysis      = "technical_analysis"
	ImplementationPlaybook = "implementation_playbook"
)

// Order is the fixed progression. Index is the stage's ordinal.
var Order = []string{
	IdeaRefinement,
	PRDGeneration,
	UXRequirements,
	TechnicalAnalysis,
	ImplementationPlaybook,
}

// Thresholds maps stage -> minimum overall score to pass the gate.
var Thresholds = map[string]float64{
	IdeaRefinement:         75,
	PRDGeneration:          80,
	UXRequirements:         82,
	TechnicalAnalysis:      85,
	ImplementationPlaybook: 88,
}

// ExcellentMargin above the threshold upgrades the verdict from
// PROCEED_WITH_CAUTION to PROCEED_EXCELLENT.
const ExcellentMargin = 10

// Weights maps stage -> dimension -> weight. Weights sum to 1.0 per stage.
var Weights = map[string]map[string]float64{
	IdeaRefinement: {
		"problem_definition": 0.25,
		"market_analysis":    0.20,
		"user_focus":         0.20,
		"technical_scope":    0.20,
		"competitive_edge":   0.15,
	},
	PRDGeneration: {
		"requirements_clarity": 0.25,
		"feature_completeness": 0.25,
		"success_metrics":      0.20,
		"scope_definition":     0.15,
		"prioritization":       0.15,
	},
	UXRequirements: {
		"user_journey_coverage": 0.30,
		"wireframe_fidelity":    0.25,
		"design_consistency":    0.25,
		"accessibility":         0.20,
	},
	TechnicalAnalysis: {
		"architecture_soundness": 0.30,
		"stack_fit":              0.25,
		"scalability":            0.20,
		"risk_assessment":        0.15,
		"security":               0.10,
	},
	ImplementationPlaybook: {
		"step_granularity":     0.30,
		"dependency_ordering":  0.25,
		"testability":          0.25,
		"deployment_readiness": 0.20,
	},
}

// Contributions maps stage -> share of the project completeness metric.
// Sums to 100. A skip decision deducts its quality impact from the
// ux_requirements share.
var Contributions = map[string]float64{
	IdeaRefinement:         15,
	PRDGeneration:          25,
	UXRequirements:         25,
	TechnicalAnalysis:      20,
	ImplementationPlaybook: 15,
}

// RequiredSections maps stage -> section names that must be present and
// non-empty before content is accepted for scoring.
var RequiredSections = map[string][]string{
	IdeaRefinement:         {"problem_statement", "target_audience", "value_proposition"},
	PRDGeneration:          {"overview", "features", "success_metrics"},
	UXRequirements:         {"user_journeys", "wireframes"},
	TechnicalAnalysis:      {"recommended_stack", "architecture_decisions"},
	ImplementationPlaybook: {"milestones"},
}

// Index returns the ordinal of a stage, or -1 if unknown.
func Index(id string) int {
	for i, s := range Order {
		if s == id {
			return i
		}
	}
	return -1
}

// IsValid reports whether id is one of the five stage identifiers.
func IsValid(id string) bool { return Index(id) >= 0 }

// Next returns the stage after id, or "" if id is terminal or unknown.
func Next(id string) string {
	i := Index(id)
	if i < 0 || i == len(Order)-1 {
		return ""
	}
	return Order[i+1]
}

// IsTerminal reports whether id is the last stage.
func IsTerminal(id string) bool { return id == ImplementationPlaybook }

// Before reports whether a comes strictly before b in the fixed order.
func Before(a, b string) bool {
	ia, ib := Index(a), Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}

// Skippable reports whether a stage may be skipped. Only ux_requirements is
// optional; the two opening stages are unconditionally required and
// technical_analysis always runs.
func Skippable(id string) bool { return id == UXRequirements }
