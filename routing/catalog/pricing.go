// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package catalog

// ModelPricing is the list price of a model in cents per 1K tokens.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Blended weights input and output equally; the router only knows a total
// token estimate at selection time.
func (p ModelPricing) Blended() float64 {
	return (p.InputPer1K + p.OutputPer1K) / 2
}

// defaultPricing applies when the catalog file omits unit_cost_per_1k.
// "*" is the per-provider fallback.
var defaultPricing = map[string]map[string]ModelPricing{
	"anthropic": {
		"claude-opus-4":    {InputPer1K: 1.5, OutputPer1K: 7.5},
		"claude-sonnet-4":  {InputPer1K: 0.3, OutputPer1K: 1.5},
		"claude-3-5-haiku": {InputPer1K: 0.08, OutputPer1K: 0.4},
		"*":                {InputPer1K: 0.3, OutputPer1K: 1.5},
	},
	"openai": {
		"gpt-4o":      {InputPer1K: 0.25, OutputPer1K: 1.0},
		"gpt-4o-mini": {InputPer1K: 0.015, OutputPer1K: 0.06},
		"gpt-4-turbo": {InputPer1K: 1.0, OutputPer1K: 3.0},
		"o1-mini":     {InputPer1K: 0.3, OutputPer1K: 1.2},
		"*":           {InputPer1K: 1.0, OutputPer1K: 3.0},
	},
	"gemini": {
		"gemini-2.0-flash": {InputPer1K: 0.01, OutputPer1K: 0.04},
		"gemini-1.5-pro":   {InputPer1K: 0.125, OutputPer1K: 0.5},
		"*":                {InputPer1K: 0.1, OutputPer1K: 0.4},
	},
	"bedrock": {
		"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.3, OutputPer1K: 1.5},
		"meta.llama3-70b-instruct-v1:0":             {InputPer1K: 0.265, OutputPer1K: 0.35},
		"*":                                         {InputPer1K: 0.3, OutputPer1K: 1.5},
	},
	"ollama": {
		// Self-hosted; compute cost is not tracked here.
		"*": {},
	},
}

// LookupPricing returns list pricing for provider/model, falling back to the
// provider default.
func LookupPricing(provider, model string) (ModelPricing, bool) {
	models, ok := defaultPricing[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	p, ok := models["*"]
	return p, ok
}
