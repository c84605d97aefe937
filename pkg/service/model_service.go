package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/choraleia/concierge/pkg/utils"
	arkemb "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	geminiemb "github.com/cloudwego/eino-ext/components/embedding/gemini"
	ollamaemb "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiemb "github.com/cloudwego/eino-ext/components/embedding/openai"
	qianfanemb "github.com/cloudwego/eino-ext/components/embedding/qianfan"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	"github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	chromem "github.com/philippgille/chromem-go"
	"google.golang.org/genai"
)

// ModelService builds eino chat models and embedders from provider settings.
type ModelService struct {
	logger *slog.Logger
}

func NewModelService() *ModelService {
	return &ModelService{
		logger: utils.GetLogger(),
	}
}

// CreateChatModel creates a tool-calling chat model for the configured provider.
func (m *ModelService) CreateChatModel(ctx context.Context, config *models.ModelConfig) (einoModel.ToolCallingChatModel, error) {
	if !config.Enabled() {
		return nil, ErrModelNotConfigured
	}
	config.Normalize()

	switch config.Provider {
	case models.ProviderOpenAI, models.ProviderCustom:
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case models.ProviderArk:
		timeout := time.Second * 600
		retries := 3
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    config.BaseUrl,
			Region:     config.Extra["region"],
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     config.ApiKey,
			Model:      config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case models.ProviderDeepSeek:
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case models.ProviderAnthropic:
		maxTokens := config.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 8192
		}
		var baseURL *string
		if config.BaseUrl != "" {
			baseURL = &config.BaseUrl
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    config.ApiKey,
			Model:     config.Model,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case models.ProviderOllama:
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: config.BaseUrl,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case models.ProviderGoogle:
		genaiClient, err := m.genaiClient(ctx, config)
		if err != nil {
			return nil, err
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case models.ProviderQianfan:
		m.configureQianfan(config)
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case models.ProviderQwen:
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: config.BaseUrl,
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", config.Provider)
	}
}

// CreateEmbedder creates a text embedder for the configured provider.
func (m *ModelService) CreateEmbedder(ctx context.Context, config *models.ModelConfig) (embedding.Embedder, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("embedding model is not configured")
	}
	config.Normalize()

	var dims *int
	if config.Dimensions > 0 {
		d := config.Dimensions
		dims = &d
	}

	switch config.Provider {
	case models.ProviderOpenAI, models.ProviderCustom:
		embedder, err := openaiemb.NewEmbedder(ctx, &openaiemb.EmbeddingConfig{
			BaseURL:    config.BaseUrl,
			APIKey:     config.ApiKey,
			Model:      config.Model,
			Dimensions: dims,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return embedder, nil

	case models.ProviderArk:
		embedder, err := arkemb.NewEmbedder(ctx, &arkemb.EmbeddingConfig{
			BaseURL: config.BaseUrl,
			Region:  config.Extra["region"],
			APIKey:  config.ApiKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark embedder: %w", err)
		}
		return embedder, nil

	case models.ProviderOllama:
		embedder, err := ollamaemb.NewEmbedder(ctx, &ollamaemb.EmbeddingConfig{
			BaseURL: config.BaseUrl,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama embedder: %w", err)
		}
		return embedder, nil

	case models.ProviderDashScope:
		embedder, err := dashscope.NewEmbedder(ctx, &dashscope.EmbeddingConfig{
			APIKey:     config.ApiKey,
			Model:      config.Model,
			Dimensions: dims,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DashScope embedder: %w", err)
		}
		return embedder, nil

	case models.ProviderGoogle:
		genaiClient, err := m.genaiClient(ctx, config)
		if err != nil {
			return nil, err
		}
		embedder, err := geminiemb.NewEmbedder(ctx, &geminiemb.EmbeddingConfig{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return embedder, nil

	case models.ProviderQianfan:
		m.configureQianfan(config)
		embedder, err := qianfanemb.NewEmbedder(ctx, &qianfanemb.EmbeddingConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan embedder: %w", err)
		}
		return embedder, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", config.Provider)
	}
}

func (m *ModelService) genaiClient(ctx context.Context, config *models.ModelConfig) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.ApiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// qianfan reads credentials from a process-wide singleton.
func (m *ModelService) configureQianfan(config *models.ModelConfig) {
	qianfanConfig := qianfan.GetQianfanSingletonConfig()
	qianfanConfig.BaseURL = config.BaseUrl
	qianfanConfig.BearerToken = config.ApiKey
	m.logger.Debug("Qianfan credentials configured", "model", config.Model)
}

// CreateEmbeddingFunc returns the embedding function used by the vector store.
// When the eino embedder cannot be built, OpenAI and Ollama fall back to the
// chromem-go built-in clients. A nil result disables semantic search.
func (m *ModelService) CreateEmbeddingFunc(ctx context.Context, config *models.ModelConfig) chromem.EmbeddingFunc {
	if !config.Enabled() {
		return nil
	}
	embedder, err := m.CreateEmbedder(ctx, config)
	if err == nil {
		return EmbeddingFuncFromEmbedder(embedder)
	}
	m.logger.Warn("Failed to create embedder, trying chromem fallback", "provider", config.Provider, "error", err)

	switch config.Provider {
	case models.ProviderOpenAI, models.ProviderCustom:
		if config.ApiKey == "" {
			return nil
		}
		if config.BaseUrl != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(config.BaseUrl, config.ApiKey, config.Model, nil)
		}
		return chromem.NewEmbeddingFuncOpenAI(config.ApiKey, chromem.EmbeddingModelOpenAI(config.Model))
	case models.ProviderOllama:
		url := config.BaseUrl
		if url == "" {
			url = "http://localhost:11434/api"
		}
		return chromem.NewEmbeddingFuncOllama(config.Model, url)
	default:
		return nil
	}
}
