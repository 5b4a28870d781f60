// Package pricing implements the reference cost model: table-driven
// per-million-token rates keyed by "{provider}/{model}". The gateway
// core only sees the usage.Pricing interface; deployments with richer
// billing plug in their own implementation.
package pricing

import (
	"strings"

	forge "github.com/forgelabs/forge/internal"
)

// Rate is a model's per-million-token price in USD.
type Rate struct {
	InputPerM  float64 `yaml:"input_per_m" json:"input_per_m"`
	OutputPerM float64 `yaml:"output_per_m" json:"output_per_m"`
}

// Table maps "{provider}/{model}" to rates. Unknown models cost zero,
// which keeps unpriced pass-through credentials from draining wallets.
type Table struct {
	rates map[string]Rate
}

// New returns a Table over rates. Keys are matched case-insensitively.
func New(rates map[string]Rate) *Table {
	m := make(map[string]Rate, len(rates))
	for k, v := range rates {
		m[strings.ToLower(k)] = v
	}
	return &Table{rates: m}
}

// Default returns a Table over DefaultRates.
func Default() *Table { return New(DefaultRates()) }

// DefaultRates returns a fresh copy of the built-in catalog, so callers
// can overlay config-provided entries before building a Table.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"openai/gpt-4o":                       {InputPerM: 2.50, OutputPerM: 10.00},
		"openai/gpt-4o-mini":                  {InputPerM: 0.15, OutputPerM: 0.60},
		"openai/gpt-4.1":                      {InputPerM: 2.00, OutputPerM: 8.00},
		"openai/gpt-4.1-mini":                 {InputPerM: 0.40, OutputPerM: 1.60},
		"openai/text-embedding-3-small":       {InputPerM: 0.02},
		"openai/text-embedding-3-large":       {InputPerM: 0.13},
		"anthropic/claude-opus-4-20250514":    {InputPerM: 15.00, OutputPerM: 75.00},
		"anthropic/claude-sonnet-4-20250514":  {InputPerM: 3.00, OutputPerM: 15.00},
		"anthropic/claude-3-5-haiku-20241022": {InputPerM: 0.80, OutputPerM: 4.00},
		"gemini/gemini-2.0-flash":             {InputPerM: 0.10, OutputPerM: 0.40},
		"gemini/gemini-1.5-pro":               {InputPerM: 1.25, OutputPerM: 5.00},
		"mistral/mistral-large-latest":        {InputPerM: 2.00, OutputPerM: 6.00},
		"groq/llama-3.3-70b-versatile":        {InputPerM: 0.59, OutputPerM: 0.79},
		"deepseek/deepseek-chat":              {InputPerM: 0.27, OutputPerM: 1.10},
		"cohere/command-r-plus":               {InputPerM: 2.50, OutputPerM: 10.00},
		"xai/grok-3":                          {InputPerM: 3.00, OutputPerM: 15.00},
	}
}

// Cost returns the USD cost of a call, zero for unknown models.
func (t *Table) Cost(provider, model string, u forge.Usage) float64 {
	r, ok := t.rates[strings.ToLower(provider+"/"+model)]
	if !ok {
		return 0
	}
	return (float64(u.PromptTokens)*r.InputPerM + float64(u.CompletionTokens)*r.OutputPerM) / 1e6
}
