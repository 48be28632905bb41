// Package scoring evaluates stage content against per-stage weighted
// dimensions and derives the quality gate verdict.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/stageflow/internal/llm"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/retry"
	"github.com/p-blackswan/stageflow/internal/stage"
)

// Usage reports token consumption of one scoring call, for the cost ledger.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// Scorer produces QualityAssessments. It holds no project state: the same
// content and the same capability response always yield the same assessment.
type Scorer struct {
	provider llm.Provider
	retryCfg retry.Config
	logger   zerolog.Logger
}

// New creates a Scorer backed by the given capability.
func New(provider llm.Provider, logger zerolog.Logger) *Scorer {
	return &Scorer{
		provider: provider,
		retryCfg: retry.Scoring(),
		logger:   logger.With().Str("component", "scorer").Logger(),
	}
}

const scoringSystemPrompt = `You are a strict quality evaluator for software project planning documents.
Evaluate the supplied stage content against each listed dimension for clarity,
specificity, completeness and actionability. Respond with a single JSON object
mapping every dimension name to an integer score from 0 to 100. No prose.`

// Score evaluates content for stageID using the project's locked model and
// returns the assessment plus token usage. The model override keeps scoring
// on the same model that authored the content.
func (s *Scorer) Score(ctx context.Context, stageID string, content *models.StageContent, model string) (*models.QualityAssessment, Usage, error) {
	weights, ok := stage.Weights[stageID]
	if !ok {
		return nil, Usage{}, fmt.Errorf("no scoring dimensions for stage %q", stageID)
	}

	prompt := buildPrompt(stageID, weights, content)

	var resp *llm.CompletionResponse
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		var callErr error
		resp, callErr = s.provider.Complete(ctx, llm.CompletionRequest{
			Messages:     llm.UserMessage(prompt),
			SystemPrompt: scoringSystemPrompt,
			MaxTokens:    1024,
			Model:        model,
		})
		return callErr
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("scoring call failed: %w", err)
	}

	dims, err := parseDimensions(resp.Text, weights)
	if err != nil {
		return nil, Usage{TokensIn: resp.InputTokens, TokensOut: resp.OutputTokens}, err
	}

	overall := Overall(stageID, dims)
	assessment := &models.QualityAssessment{
		ProjectID:      content.ProjectID,
		Stage:          stageID,
		Dimensions:     dims,
		Overall:        overall,
		GateStatus:     Verdict(stageID, overall),
		Confidence:     confidence(dims),
		ContentVersion: content.Version,
		Model:          model,
		CreatedAt:      time.Now().UnixMilli(),
	}

	s.logger.Info().
		Str("project_id", content.ProjectID).
		Str("stage", stageID).
		Float64("overall", overall).
		Str("gate", string(assessment.GateStatus)).
		Msg("stage content scored")

	return assessment, Usage{TokensIn: resp.InputTokens, TokensOut: resp.OutputTokens}, nil
}

// Overall computes the weighted dimension sum rounded to one decimal place.
func Overall(stageID string, dims map[string]float64) float64 {
	weights := stage.Weights[stageID]
	sum := 0.0
	for name, w := range weights {
		sum += dims[name] * w
	}
	return math.Round(sum*10) / 10
}

// Verdict derives the gate status from the overall score and the stage
// threshold plus the caution band.
func Verdict(stageID string, overall float64) models.GateStatus {
	threshold := stage.Thresholds[stageID]
	switch {
	case overall < threshold:
		return models.GateBlock
	case overall >= threshold+stage.ExcellentMargin:
		return models.GateProceedExcellent
	default:
		return models.GateProceedWithCaution
	}
}

// confidence buckets the spread between the best and worst dimension.
func confidence(dims map[string]float64) models.Confidence {
	if len(dims) == 0 {
		return models.ConfidenceLow
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range dims {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	switch spread := max - min; {
	case spread <= 15:
		return models.ConfidenceHigh
	case spread <= 30:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func buildPrompt(stageID string, weights map[string]float64, content *models.StageContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n\nDimensions to score:\n", stageID)

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s (weight %.2f)\n", name, weights[name])
	}

	b.WriteString("\nContent:\n")
	sections := make([]string, 0, len(content.Sections))
	for name := range content.Sections {
		sections = append(sections, name)
	}
	sort.Strings(sections)
	for _, name := range sections {
		sec := content.Sections[name]
		if sec.Kind == models.SectionComment {
			continue // annotations are not scored
		}
		fmt.Fprintf(&b, "## %s\n", name)
		if sec.Body != "" {
			b.WriteString(sec.Body + "\n")
		}
		for _, item := range sec.Items {
			b.WriteString("- " + item + "\n")
		}
	}
	return b.String()
}

// parseDimensions extracts per-dimension scores from the capability response.
// Every weighted dimension must be present; scores are clamped to [0, 100].
func parseDimensions(text string, weights map[string]float64) (map[string]float64, error) {
	// Tolerate fenced or prefixed output around the JSON object.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("scoring response contains no JSON object")
	}

	var raw map[string]float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse scoring response: %w", err)
	}

	dims := make(map[string]float64, len(weights))
	for name := range weights {
		v, ok := raw[name]
		if !ok {
			return nil, fmt.Errorf("scoring response missing dimension %q", name)
		}
		dims[name] = math.Max(0, math.Min(100, v))
	}
	return dims, nil
}
