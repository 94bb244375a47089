/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Model-name routing: alias substitution, then
             aggregator-prefix routing, then native direct-provider
             prefixes, falling back to OpenAI. Distinct from
             DetectProvider (provider.go), which dispatches a
             resolved canonical name to a registered connector.
Root Cause:  Sprint task T052 — provider router (AgentWall
             governance core, C6).
Context:     Runs once per admitted step, after the loop pre-check
             and before the upstream call.
Suitability: L2 model for a table-driven routing function.
──────────────────────────────────────────────────────────────
*/

package provider

import "strings"

// aliasTable maps short friendly model names to their canonical,
// aggregator-qualified form. Checked before any prefix rule.
var aliasTable = map[string]string{
	"claude-3.5-sonnet":  "anthropic/claude-3.5-sonnet",
	"claude-3-opus":      "anthropic/claude-3-opus",
	"claude-3-sonnet":    "anthropic/claude-3-sonnet",
	"claude-sonnet-4":    "anthropic/claude-sonnet-4",
	"gemini-pro":         "google/gemini-pro",
	"gemini-flash":       "google/gemini-flash-1.5",
	"llama-3.1-70b":      "meta-llama/llama-3.1-70b-instruct",
	"llama-3.1-405b":     "meta-llama/llama-3.1-405b-instruct",
	"mixtral-8x7b":       "mistralai/mixtral-8x7b-instruct",
	"mistral-large":      "mistralai/mistral-large",
}

// aggregatorPrefixes are canonical-name prefixes routed to an
// aggregator connector (e.g. OpenRouter) rather than a native one.
var aggregatorPrefixes = []string{
	"anthropic/", "google/", "meta-llama/", "mistralai/",
	"cohere/", "perplexity/", "deepseek/", "qwen/",
	"openrouter/", "groq/",
}

// Native direct-provider prefixes, checked in this order when the
// model is neither aliased nor aggregator-qualified.
var (
	groqNativePrefixes     = []string{"llama-3", "mixtral", "gemma"}
	deepseekNativePrefixes = []string{"deepseek-chat", "deepseek-coder", "deepseek-reasoner"}
	mistralNativePrefixes  = []string{"mistral-", "codestral", "pixtral", "ministral"}
	ollamaNativePrefixes   = []string{"ollama/", "local/"}
	qwenNativePrefixes     = []string{"qwen-"}
)

// RoutingDecision is the resolved destination for one model string.
type RoutingDecision struct {
	// ResolvedModel is the model name after alias substitution — what
	// gets sent upstream.
	ResolvedModel string
	// Provider is the canonical provider this model routes to.
	Provider string
	// Aggregated is true when the request should go through an
	// aggregator connector (e.g. OpenRouter) rather than a native one.
	Aggregated bool
}

// ResolveModel implements the §4.6 routing algorithm:
//  1. alias table substitution,
//  2. aggregator-prefix routing on the (possibly substituted) name,
//  3. native direct-provider prefixes,
//  4. fallback to OpenAI.
func ResolveModel(model string) RoutingDecision {
	resolved := model
	if canonical, ok := aliasTable[model]; ok {
		resolved = canonical
	}

	if hasAnyPrefix(resolved, aggregatorPrefixes) {
		return RoutingDecision{ResolvedModel: resolved, Provider: "openrouter", Aggregated: true}
	}

	lower := strings.ToLower(resolved)
	switch {
	case hasAnyPrefix(lower, ollamaNativePrefixes):
		return RoutingDecision{ResolvedModel: resolved, Provider: "ollama"}
	case hasAnyPrefix(lower, groqNativePrefixes) && !strings.HasPrefix(lower, "meta-llama/"):
		return RoutingDecision{ResolvedModel: resolved, Provider: "groq"}
	case hasAnyPrefix(lower, deepseekNativePrefixes):
		return RoutingDecision{ResolvedModel: resolved, Provider: "deepseek"}
	case hasAnyPrefix(lower, mistralNativePrefixes) && !strings.HasPrefix(lower, "mistralai/"):
		return RoutingDecision{ResolvedModel: resolved, Provider: "mistral"}
	case hasAnyPrefix(lower, qwenNativePrefixes) && !strings.HasPrefix(lower, "qwen/"):
		return RoutingDecision{ResolvedModel: resolved, Provider: "qwen"}
	}

	return RoutingDecision{ResolvedModel: resolved, Provider: "openai"}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ResolveCredential implements pass-through precedence: a caller-
// supplied override (extracted from the incoming Authorization
// header) wins over the stored provider credential.
func ResolveCredential(overrideKey, storedKey string) string {
	if overrideKey != "" {
		return overrideKey
	}
	return storedKey
}
