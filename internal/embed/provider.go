package embed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
)

// Provider produces a fixed-dimension vector for one text.
type Provider interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embeddingListResponse is the {data:[{index,embedding}]} body shared by
// the OpenAI and Voyage embedding APIs.
type embeddingListResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newProvider(cfg *config.Config, log *zap.Logger) (Provider, error) {
	ec := cfg.Embedding
	switch ec.Provider {
	case "openai":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("embedding.api_key is required for provider openai")
		}
		return newOpenAIProvider(ec, cfg.EmbeddingTimeout()), nil
	case "voyage":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("embedding.api_key is required for provider voyage")
		}
		return newVoyageProvider(ec, cfg.EmbeddingTimeout()), nil
	case "cohere":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("embedding.api_key is required for provider cohere")
		}
		return newCohereProvider(ec, cfg.EmbeddingTimeout()), nil
	case "fallback":
		log.Warn("fallback embedder active: vectors are hash-derived, not semantic",
			zap.Int("dimensions", ec.Dimensions))
		return newFallbackProvider(ec.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}
}
