// Package pricing turns token usage into USD cost. The budget enforcer uses
// it twice per turn: once to estimate the worst case before admission, once
// to price the usage the provider actually reported.
package pricing

import (
	"math"
	"sort"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-opus-4-1":   {15.00, 75.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

// Lookup returns the pricing for model. Provider prefixes ("googleai/",
// "anthropic/") are ignored and dated snapshots ("gpt-4o-2024-08-06") fall
// back to the longest known base name.
func Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	names := make([]string, 0, len(knownModels))
	for k := range knownModels {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, k := range names {
		if strings.HasPrefix(name, k+"-") {
			return knownModels[k], true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the USD cost for the given token counts, rounded to
// micro-dollars. Unknown models cost nothing.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	cost := (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
	return Round(cost)
}

// EstimateTurn is the admission estimate for a turn: the prompt as sized by
// the caller plus the full output allowance.
func EstimateTurn(model string, promptTokens, maxOutputTokens int) float64 {
	return EstimateCost(model, promptTokens, maxOutputTokens)
}

// Round rounds a USD amount to six decimal places.
func Round(usd float64) float64 {
	return math.Round(usd*1e6) / 1e6
}

// EstimateTokens approximates the token count of text at four bytes per
// token, which is close enough for an admission estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
