package ledger

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var pricingYAML []byte

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type pricingFile struct {
	Models  map[string]ModelPrice `yaml:"models"`
	Default ModelPrice            `yaml:"default"`
}

// Pricing resolves per-model token prices from the embedded table.
type Pricing struct {
	models   map[string]ModelPrice
	fallback ModelPrice
}

// LoadPricing parses the embedded pricing table.
func LoadPricing() (*Pricing, error) {
	var f pricingFile
	if err := yaml.Unmarshal(pricingYAML, &f); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("pricing table lists no models")
	}
	return &Pricing{models: f.Models, fallback: f.Default}, nil
}

// Cost computes the USD cost of one call. Unknown models use the default
// price rather than failing: the ledger must never lose an entry.
func (p *Pricing) Cost(model string, tokensIn, tokensOut int) float64 {
	price, ok := p.models[model]
	if !ok {
		price = p.fallback
	}
	return float64(tokensIn)/1e6*price.Input + float64(tokensOut)/1e6*price.Output
}
