package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	openaiemb "github.com/cloudwego/eino-ext/components/embedding/openai"
	einoembedding "github.com/cloudwego/eino/components/embedding"

	"botgpt/internal/config"
)

const defaultOpenAIModel = "text-embedding-3-small"

// New builds the embedder selected by cfg. Missing credentials are reported
// as config.ErrNotConfigured before any network call.
func New(ctx context.Context, cfg config.EmbeddingConfig) (einoembedding.Embedder, error) {
	switch strings.ToLower(cfg.Type) {
	case "genai", "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("genai embedding api key: %w", config.ErrNotConfigured)
		}
		return NewGenAI(ctx, GenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model})
	case "openai", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding api key: %w", config.ErrNotConfigured)
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		emb, err := openaiemb.NewEmbedder(ctx, &openaiemb.EmbeddingConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   model,
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai embedder: %w", err)
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("unknown embedding type: %s", cfg.Type)
	}
}
