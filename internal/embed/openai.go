package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshalign/alignd/internal/config"
)

const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

type openAIProvider struct {
	endpoint string
	apiKey   string
	model    string
	dim      int
	client   *http.Client
}

func newOpenAIProvider(cfg config.EmbeddingConfig, timeout time.Duration) *openAIProvider {
	return &openAIProvider{
		endpoint: openAIEmbeddingsURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		dim:      cfg.Dimensions,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *openAIProvider) Name() string   { return "openai" }
func (p *openAIProvider) Dimension() int { return p.dim }

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openAIEmbeddingRequest{
		Model:      p.model,
		Input:      []string{text},
		Dimensions: p.dim,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai embeddings: status %d: %s", resp.StatusCode, string(b))
	}
	var parsed embeddingListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai embeddings: decoding response: %w", err)
	}
	if len(parsed.Data) != 1 {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for one input", len(parsed.Data))
	}
	vec := parsed.Data[0].Embedding
	if len(vec) != p.dim {
		return nil, fmt.Errorf("openai embeddings: dimension %d, want %d", len(vec), p.dim)
	}
	return vec, nil
}
