package tokens

import "strings"

// Pricing is a pluggable cost side table: model prefix to USD per million
// input/output tokens. The default table is empty; cost estimates stay nil
// until entries are loaded.
type Pricing struct {
	entries map[string][2]float64
}

// NewPricing creates an empty pricing table.
func NewPricing() *Pricing {
	return &Pricing{entries: make(map[string][2]float64)}
}

// Set registers per-million-token rates for a model prefix.
func (p *Pricing) Set(modelPrefix string, inputPerM, outputPerM float64) {
	p.entries[modelPrefix] = [2]float64{inputPerM, outputPerM}
}

// Estimate returns the USD cost for a usage pair, or nil when no entry
// matches the model.
func (p *Pricing) Estimate(model string, inputTokens, outputTokens int) *float64 {
	if model == "" {
		return nil
	}

	rates, ok := p.entries[model]
	if !ok {
		for prefix, r := range p.entries {
			if strings.HasPrefix(model, prefix) {
				rates, ok = r, true
				break
			}
		}
	}
	if !ok {
		return nil
	}

	cost := float64(inputTokens)/1_000_000*rates[0] + float64(outputTokens)/1_000_000*rates[1]
	return &cost
}
