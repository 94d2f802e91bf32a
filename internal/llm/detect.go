package llm

import (
	"regexp"
	"strings"
)

// Provider name constants.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderAzure      = "azure"
	ProviderVertex     = "vertex"
	ProviderOpenRouter = "openrouter"
	ProviderCerebras   = "cerebras"
	ProviderGroq       = "groq"
	ProviderVLLM       = "vllm"
	ProviderOllama     = "ollama"
	ProviderDeepSeek   = "deepseek"
	ProviderXAI        = "xai"
	ProviderMistral    = "mistral"
)

// Family constants name the wire protocol a provider speaks.
const (
	FamilyAnthropic = "anthropic"
	FamilyOpenAI    = "openai"
	FamilyGoogle    = "google"
)

// ModelRoute describes how to reach the provider serving a given model id.
type ModelRoute struct {
	// Provider is the detected provider name.
	Provider string
	// Family is the wire protocol the provider speaks.
	Family string
	// Model is the model id with any routing prefix stripped.
	Model string
	// EnvKey names the environment variable holding the API key.
	EnvKey string
	// BaseURLEnv optionally names an environment variable holding the
	// endpoint (self-hosted providers).
	BaseURLEnv string
	// DefaultBaseURL is the endpoint used when BaseURLEnv is unset.
	DefaultBaseURL string
	// AllowPlaceholderKey permits running without a real key (self-hosted).
	AllowPlaceholderKey bool
}

// openaiSeriesPattern matches OpenAI reasoning-model names (o1, o3, o4 and
// their suffixed variants).
var openaiSeriesPattern = regexp.MustCompile(`\bo[134](-|$)`)

var prefixRoutes = map[string]ModelRoute{
	"azure/":      {Provider: ProviderAzure, Family: FamilyOpenAI, EnvKey: "AZURE_OPENAI_API_KEY"},
	"vertex/":     {Provider: ProviderVertex, Family: FamilyGoogle, EnvKey: "GOOGLE_API_KEY"},
	"openrouter/": {Provider: ProviderOpenRouter, Family: FamilyOpenAI, EnvKey: "OPENROUTER_API_KEY", DefaultBaseURL: "https://openrouter.ai/api/v1"},
	"cerebras/":   {Provider: ProviderCerebras, Family: FamilyOpenAI, EnvKey: "CEREBRAS_API_KEY", DefaultBaseURL: "https://api.cerebras.ai/v1"},
	"groq/":       {Provider: ProviderGroq, Family: FamilyOpenAI, EnvKey: "GROQ_API_KEY", DefaultBaseURL: "https://api.groq.com/openai/v1"},
	"vllm/":       {Provider: ProviderVLLM, Family: FamilyOpenAI, EnvKey: "VLLM_API_KEY", BaseURLEnv: "VLLM_BASE_URL", DefaultBaseURL: "http://localhost:8000/v1", AllowPlaceholderKey: true},
	"ollama/":     {Provider: ProviderOllama, Family: FamilyOpenAI, EnvKey: "OLLAMA_API_KEY", BaseURLEnv: "OLLAMA_URL", DefaultBaseURL: "http://localhost:11434/v1", AllowPlaceholderKey: true},
}

var mistralNames = []string{"mistral", "mixtral", "ministral", "codestral", "pixtral", "magistral", "devstral"}

// DetectRoute classifies a model id into a provider route. Explicit
// "provider/" prefixes win; otherwise substring rules classify the model
// family, and anything unrecognized falls back to the OpenAI-compatible
// default.
func DetectRoute(model string) ModelRoute {
	lower := strings.ToLower(model)

	for prefix, route := range prefixRoutes {
		if strings.HasPrefix(lower, prefix) {
			route.Model = model[len(prefix):]
			return route
		}
	}

	switch {
	case strings.Contains(lower, "claude"):
		return ModelRoute{Provider: ProviderAnthropic, Family: FamilyAnthropic, Model: model, EnvKey: "ANTHROPIC_API_KEY"}
	case strings.Contains(lower, "gpt") || openaiSeriesPattern.MatchString(lower):
		return ModelRoute{Provider: ProviderOpenAI, Family: FamilyOpenAI, Model: model, EnvKey: "OPENAI_API_KEY", DefaultBaseURL: "https://api.openai.com/v1"}
	case strings.Contains(lower, "gemini"):
		return ModelRoute{Provider: ProviderGoogle, Family: FamilyGoogle, Model: model, EnvKey: "GOOGLE_API_KEY"}
	case strings.Contains(lower, "grok"):
		return ModelRoute{Provider: ProviderXAI, Family: FamilyOpenAI, Model: model, EnvKey: "XAI_API_KEY", DefaultBaseURL: "https://api.x.ai/v1"}
	case strings.Contains(lower, "deepseek"):
		return ModelRoute{Provider: ProviderDeepSeek, Family: FamilyOpenAI, Model: model, EnvKey: "DEEPSEEK_API_KEY", DefaultBaseURL: "https://api.deepseek.com/v1"}
	}

	for _, name := range mistralNames {
		if strings.Contains(lower, name) {
			return ModelRoute{Provider: ProviderMistral, Family: FamilyOpenAI, Model: model, EnvKey: "MISTRAL_API_KEY", DefaultBaseURL: "https://api.mistral.ai/v1"}
		}
	}

	return ModelRoute{Provider: ProviderOpenAI, Family: FamilyOpenAI, Model: model, EnvKey: "OPENAI_API_KEY", DefaultBaseURL: "https://api.openai.com/v1"}
}
