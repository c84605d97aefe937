package models

// ============================================================
// Task Type Constants
// ============================================================

const (
	TaskTypeChat          = "chat"           // Conversational text generation
	TaskTypeTextEmbedding = "text_embedding" // Text to vector
)

// Provider names accepted by ModelService.
const (
	ProviderOpenAI    = "openai"
	ProviderCustom    = "custom" // OpenAI-compatible endpoint
	ProviderDeepSeek  = "deepseek"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderArk       = "ark"
	ProviderOllama    = "ollama"
	ProviderQianfan   = "qianfan"
	ProviderQwen      = "qwen"
	ProviderDashScope = "dashscope" // embedding only
)

// SupportedChatProviders lists providers usable for completion.
var SupportedChatProviders = map[string]struct{}{
	ProviderOpenAI:    {},
	ProviderCustom:    {},
	ProviderDeepSeek:  {},
	ProviderAnthropic: {},
	ProviderGoogle:    {},
	ProviderArk:       {},
	ProviderOllama:    {},
	ProviderQianfan:   {},
	ProviderQwen:      {},
}

// SupportedEmbeddingProviders lists providers usable for embeddings.
var SupportedEmbeddingProviders = map[string]struct{}{
	ProviderOpenAI:    {},
	ProviderCustom:    {},
	ProviderGoogle:    {},
	ProviderArk:       {},
	ProviderOllama:    {},
	ProviderQianfan:   {},
	ProviderDashScope: {},
}

// ModelConfig describes one model endpoint. It is embedded in the YAML
// application config for both the chat model and the embedding model.
// Extra stores vendor specific additional parameters (e.g. ark "region").
type ModelConfig struct {
	Provider   string            `json:"provider" yaml:"provider"`
	Model      string            `json:"model" yaml:"model"`
	BaseUrl    string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	ApiKey     string            `json:"-" yaml:"api_key,omitempty"`
	MaxTokens  int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Dimensions int               `json:"dimensions,omitempty" yaml:"dimensions,omitempty"` // embedding output size
	Extra      map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (m *ModelConfig) Normalize() {
	if m.Extra == nil {
		m.Extra = map[string]string{}
	}
	if m.Provider == "" {
		m.Provider = ProviderOpenAI
	}
}

// Enabled reports whether enough is configured to build a client.
func (m *ModelConfig) Enabled() bool {
	return m != nil && m.Provider != "" && m.Model != ""
}
