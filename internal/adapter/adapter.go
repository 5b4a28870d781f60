// Package adapter holds the upstream provider catalog and the plumbing all
// adapter families share: API error parsing, tuned HTTP transports, and the
// credential wire codec. Family-specific dialect translation lives in the
// subpackages (openaicompat, anthropic, gemini, bedrock, azure, cohere).
package adapter

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Family identifies the wire dialect an adapter speaks. Providers in the
// same family share one client implementation.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
	FamilyBedrock   Family = "bedrock"
	FamilyVertex    Family = "vertex"
	FamilyAzure     Family = "azure"
	FamilyCohere    Family = "cohere"
)

// ListModelsTTL bounds how long an upstream model list may be served from
// cache before it is fetched again.
const ListModelsTTL = time.Hour

// Spec is one catalog entry: everything needed to construct an adapter for
// a provider except the tenant credential.
type Spec struct {
	// Name is the canonical lowercase provider name used in model prefixes.
	Name string
	// Family selects the client implementation.
	Family Family
	// BaseURL is the default upstream base. Empty means the credential
	// config must supply it (Bedrock and Vertex derive theirs from region
	// and location; Azure from the resource endpoint).
	BaseURL string
	// AuthHeader and AuthPrefix describe how a bare API key travels for
	// key-in-header families. Families with richer auth (SigV4, OAuth
	// token exchange) ignore them.
	AuthHeader string
	AuthPrefix string
	// Models is the static model list for providers without a usable
	// GET /models endpoint.
	Models []string
	// Local marks providers reached over plaintext HTTP/1.1 on the host
	// network, where HTTP/2 upgrade attempts only add latency.
	Local bool
}

// catalog maps provider name to its spec. Names are the routing namespace:
// the resolver matches "{name}/" prefixes of the requested model against
// these keys.
var catalog = map[string]Spec{
	// OpenAI-compatible surfaces. The canonical dialect passes through
	// verbatim apart from the model rewrite.
	"openai":     {Family: FamilyOpenAI, BaseURL: "https://api.openai.com/v1"},
	"groq":       {Family: FamilyOpenAI, BaseURL: "https://api.groq.com/openai/v1"},
	"mistral":    {Family: FamilyOpenAI, BaseURL: "https://api.mistral.ai/v1"},
	"deepseek":   {Family: FamilyOpenAI, BaseURL: "https://api.deepseek.com/v1"},
	"xai":        {Family: FamilyOpenAI, BaseURL: "https://api.x.ai/v1"},
	"together":   {Family: FamilyOpenAI, BaseURL: "https://api.together.xyz/v1"},
	"fireworks":  {Family: FamilyOpenAI, BaseURL: "https://api.fireworks.ai/inference/v1"},
	"openrouter": {Family: FamilyOpenAI, BaseURL: "https://openrouter.ai/api/v1"},
	"perplexity": {Family: FamilyOpenAI, BaseURL: "https://api.perplexity.ai"},
	"moonshot":   {Family: FamilyOpenAI, BaseURL: "https://api.moonshot.cn/v1"},
	"zhipu":      {Family: FamilyOpenAI, BaseURL: "https://open.bigmodel.cn/api/paas/v4"},
	"dashscope":  {Family: FamilyOpenAI, BaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
	"deepinfra":  {Family: FamilyOpenAI, BaseURL: "https://api.deepinfra.com/v1/openai"},
	"cerebras":   {Family: FamilyOpenAI, BaseURL: "https://api.cerebras.ai/v1"},
	"sambanova":  {Family: FamilyOpenAI, BaseURL: "https://api.sambanova.ai/v1"},
	"nebius":     {Family: FamilyOpenAI, BaseURL: "https://api.studio.nebius.ai/v1"},
	"novita":     {Family: FamilyOpenAI, BaseURL: "https://api.novita.ai/v3/openai"},
	"hyperbolic": {Family: FamilyOpenAI, BaseURL: "https://api.hyperbolic.xyz/v1"},
	"lepton":     {Family: FamilyOpenAI, BaseURL: "https://api.lepton.ai/api/v1"},
	"ollama":     {Family: FamilyOpenAI, BaseURL: "http://localhost:11434/v1", Local: true},
	"lmstudio":   {Family: FamilyOpenAI, BaseURL: "http://localhost:1234/v1", Local: true},

	// Translator families.
	"anthropic": {
		Family:     FamilyAnthropic,
		BaseURL:    "https://api.anthropic.com/v1",
		AuthHeader: "x-api-key",
		Models: []string{
			"claude-opus-4-6",
			"claude-sonnet-4-6",
			"claude-haiku-4-5",
		},
	},
	"gemini": {
		Family:     FamilyGemini,
		BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		AuthHeader: "x-goog-api-key",
	},
	// Bedrock and Vertex host Anthropic models behind cloud auth. Neither
	// exposes a model listing on the runtime credential, so they serve the
	// same static list as the direct API.
	"bedrock": {
		Family: FamilyBedrock,
		Models: []string{
			"claude-opus-4-6",
			"claude-sonnet-4-6",
			"claude-haiku-4-5",
		},
	},
	"vertex": {
		Family: FamilyVertex,
		Models: []string{
			"claude-opus-4-6",
			"claude-sonnet-4-6",
			"claude-haiku-4-5",
		},
	},
	"azure":   {Family: FamilyAzure, AuthHeader: "api-key"},
	"tensorblock": {
		Family:     FamilyAzure,
		BaseURL:    "https://forge.tensorblock.co/v1",
		AuthHeader: "api-key",
		Models: []string{
			"gpt-4o",
			"gpt-4o-mini",
			"o3-mini",
			"text-embedding-3-small",
		},
	},
	"cohere": {Family: FamilyCohere, BaseURL: "https://api.cohere.com"},
}

// Lookup returns the catalog spec for a provider name, case-insensitively.
// The returned spec has Name set and key-in-header defaults applied.
func Lookup(name string) (Spec, bool) {
	s, ok := catalog[strings.ToLower(name)]
	if !ok {
		return Spec{}, false
	}
	s.Name = strings.ToLower(name)
	if s.AuthHeader == "" {
		s.AuthHeader = "Authorization"
		s.AuthPrefix = "Bearer "
	}
	return s, true
}

// Known reports whether name is a cataloged provider.
func Known(name string) bool {
	_, ok := catalog[strings.ToLower(name)]
	return ok
}

// Names returns all cataloged provider names in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(catalog))
}
