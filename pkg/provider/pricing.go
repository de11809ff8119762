package provider

import "strings"

// modelPricing holds USD rates per million tokens.
type modelPricing struct {
	input  float64
	output float64
}

// Published list prices, frozen at adapter-writing time. Dated model IDs match
// by prefix, so "claude-sonnet-4-5-20250929" picks up the "claude-sonnet-4-5"
// row. Unknown models fall back to defaultPricing rather than reporting zero
// cost, which would hide spend entirely.
var pricingTable = map[string]modelPricing{
	"gpt-4o":            {input: 2.50, output: 10.00},
	"gpt-4o-mini":       {input: 0.15, output: 0.60},
	"gpt-4.1":           {input: 2.00, output: 8.00},
	"gpt-4.1-mini":      {input: 0.40, output: 1.60},
	"o3":                {input: 2.00, output: 8.00},
	"o3-mini":           {input: 1.10, output: 4.40},
	"claude-opus-4-1":   {input: 15.00, output: 75.00},
	"claude-sonnet-4-5": {input: 3.00, output: 15.00},
	"claude-sonnet-4":   {input: 3.00, output: 15.00},
	"claude-haiku-3-5":  {input: 0.80, output: 4.00},
}

var defaultPricing = modelPricing{input: 1.00, output: 4.00}

// EstimateCost converts token usage into USD for the given model ID.
func EstimateCost(modelID string, inputTokens, outputTokens int) float64 {
	p := lookupPricing(modelID)
	return float64(inputTokens)*p.input/1e6 + float64(outputTokens)*p.output/1e6
}

func lookupPricing(modelID string) modelPricing {
	if p, ok := pricingTable[modelID]; ok {
		return p
	}
	// Longest-prefix match so versioned IDs resolve to their family row.
	best := ""
	for id := range pricingTable {
		if strings.HasPrefix(modelID, id) && len(id) > len(best) {
			best = id
		}
	}
	if best != "" {
		return pricingTable[best]
	}
	return defaultPricing
}
