package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/embeddings"
	"github.com/nugget/hearth/internal/llm"
)

// NewChatClient is the default [ChatFactory].
func NewChatClient(p config.ProviderConfig, credential string, logger *slog.Logger) (llm.Client, error) {
	switch p.Type {
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(credential, p.Model, p.Endpoint, logger), nil
	case config.ProviderOllama:
		return llm.NewOllamaClient(p.Endpoint, p.Model, logger), nil
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(credential, p.Model, p.Endpoint, logger), nil
	default:
		return nil, fmt.Errorf("unknown chat provider type %q", p.Type)
	}
}

// NewEmbedder is the default [EmbedderFactory]. Backends are probed for
// their dimensions when none are configured, so an unreachable backend
// fails here rather than on first use.
func NewEmbedder(ctx context.Context, p config.ProviderConfig, credential string, logger *slog.Logger) (embeddings.Embedder, error) {
	switch p.Type {
	case config.ProviderOllama:
		return embeddings.NewOllama(ctx, embeddings.OllamaConfig{
			BaseURL:    p.Endpoint,
			Model:      p.Model,
			Dimensions: p.Dimensions,
		}, logger)
	case config.ProviderOpenAI:
		return embeddings.NewOpenAI(ctx, embeddings.OpenAIConfig{
			BaseURL:    p.Endpoint,
			APIKey:     credential,
			Model:      p.Model,
			Dimensions: p.Dimensions,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider type %q", p.Type)
	}
}
