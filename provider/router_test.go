package provider

import "testing"

func TestResolveModelAliasTakesPrecedence(t *testing.T) {
	d := ResolveModel("claude-3.5-sonnet")
	if d.ResolvedModel != "anthropic/claude-3.5-sonnet" || !d.Aggregated || d.Provider != "openrouter" {
		t.Fatalf("expected aliased+aggregated routing, got %+v", d)
	}
}

func TestResolveModelAggregatorPrefix(t *testing.T) {
	d := ResolveModel("mistralai/mixtral-8x22b")
	if !d.Aggregated {
		t.Fatalf("expected aggregator routing for mistralai/ prefix, got %+v", d)
	}
}

func TestResolveModelGroqNative(t *testing.T) {
	d := ResolveModel("llama-3.1-70b-versatile")
	if d.Provider != "groq" || d.Aggregated {
		t.Fatalf("expected native groq routing, got %+v", d)
	}
}

func TestResolveModelMetaLlamaIsNotGroqNative(t *testing.T) {
	// meta-llama/ prefixed models must go through the aggregator
	// branch, not be mistaken for a native groq "llama-3" prefix.
	d := ResolveModel("meta-llama/llama-3.1-70b-instruct")
	if !d.Aggregated || d.Provider != "openrouter" {
		t.Fatalf("expected meta-llama/ to route via aggregator, got %+v", d)
	}
}

func TestResolveModelDeepseekNative(t *testing.T) {
	d := ResolveModel("deepseek-chat")
	if d.Provider != "deepseek" {
		t.Fatalf("expected deepseek native routing, got %+v", d)
	}
}

func TestResolveModelOllamaNative(t *testing.T) {
	d := ResolveModel("ollama/llama3")
	if d.Provider != "ollama" {
		t.Fatalf("expected ollama native routing, got %+v", d)
	}
}

func TestResolveModelFallsBackToOpenAI(t *testing.T) {
	d := ResolveModel("gpt-4o")
	if d.Provider != "openai" || d.Aggregated {
		t.Fatalf("expected openai fallback, got %+v", d)
	}
}

func TestResolveCredentialPassThroughWins(t *testing.T) {
	got := ResolveCredential("caller-key", "stored-key")
	if got != "caller-key" {
		t.Fatalf("expected caller override to win, got %q", got)
	}
}

func TestResolveCredentialFallsBackToStored(t *testing.T) {
	got := ResolveCredential("", "stored-key")
	if got != "stored-key" {
		t.Fatalf("expected stored credential when no override, got %q", got)
	}
}
