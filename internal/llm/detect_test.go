package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectRoutePrefixes(t *testing.T) {
	tests := []struct {
		model        string
		wantProvider string
		wantFamily   string
		wantModel    string
	}{
		{"azure/gpt-4o", ProviderAzure, FamilyOpenAI, "gpt-4o"},
		{"vertex/gemini-2.0-flash", ProviderVertex, FamilyGoogle, "gemini-2.0-flash"},
		{"openrouter/anthropic/claude-3.5-sonnet", ProviderOpenRouter, FamilyOpenAI, "anthropic/claude-3.5-sonnet"},
		{"cerebras/llama-3.3-70b", ProviderCerebras, FamilyOpenAI, "llama-3.3-70b"},
		{"groq/llama-3.1-8b-instant", ProviderGroq, FamilyOpenAI, "llama-3.1-8b-instant"},
		{"vllm/meta-llama/Llama-3-8B", ProviderVLLM, FamilyOpenAI, "meta-llama/Llama-3-8B"},
		{"ollama/llama3.2", ProviderOllama, FamilyOpenAI, "llama3.2"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			route := DetectRoute(tt.model)
			assert.Equal(t, tt.wantProvider, route.Provider)
			assert.Equal(t, tt.wantFamily, route.Family)
			assert.Equal(t, tt.wantModel, route.Model)
		})
	}
}

func TestDetectRouteSubstrings(t *testing.T) {
	tests := []struct {
		model        string
		wantProvider string
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"gemini-2.0-flash", ProviderGoogle},
		{"grok-3", ProviderXAI},
		{"deepseek-chat", ProviderDeepSeek},
		{"mistral-large-latest", ProviderMistral},
		{"mixtral-8x7b", ProviderMistral},
		{"codestral-latest", ProviderMistral},
		{"pixtral-12b", ProviderMistral},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.wantProvider, DetectRoute(tt.model).Provider)
		})
	}
}

func TestDetectRouteDefaultsToOpenAI(t *testing.T) {
	route := DetectRoute("totally-unknown-model")
	assert.Equal(t, ProviderOpenAI, route.Provider)
	assert.Equal(t, FamilyOpenAI, route.Family)
	assert.Equal(t, "OPENAI_API_KEY", route.EnvKey)
}

func TestDetectRouteSelfHostedAllowsPlaceholder(t *testing.T) {
	assert.True(t, DetectRoute("ollama/llama3.2").AllowPlaceholderKey)
	assert.True(t, DetectRoute("vllm/some-model").AllowPlaceholderKey)
	assert.False(t, DetectRoute("gpt-4").AllowPlaceholderKey)
}

func TestDetectRouteEnvKeys(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", DetectRoute("claude-3").EnvKey)
	assert.Equal(t, "XAI_API_KEY", DetectRoute("grok-2").EnvKey)
	assert.Equal(t, "GROQ_API_KEY", DetectRoute("groq/x").EnvKey)
	assert.Equal(t, "AZURE_OPENAI_API_KEY", DetectRoute("azure/gpt-4").EnvKey)
}
