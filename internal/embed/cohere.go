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

const cohereEmbedURL = "https://api.cohere.com/v2/embed"

type cohereProvider struct {
	endpoint string
	apiKey   string
	model    string
	dim      int
	client   *http.Client
}

func newCohereProvider(cfg config.EmbeddingConfig, timeout time.Duration) *cohereProvider {
	return &cohereProvider{
		endpoint: cohereEmbedURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		dim:      cfg.Dimensions,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *cohereProvider) Name() string   { return "cohere" }
func (p *cohereProvider) Dimension() int { return p.dim }

type cohereEmbedRequest struct {
	Model           string   `json:"model"`
	Texts           []string `json:"texts"`
	InputType       string   `json:"input_type"`
	EmbeddingTypes  []string `json:"embedding_types"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

func (p *cohereProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(cohereEmbedRequest{
		Model:           p.model,
		Texts:           []string{text},
		InputType:       "search_document",
		EmbeddingTypes:  []string{"float"},
		OutputDimension: p.dim,
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
		return nil, fmt.Errorf("cohere embed: status %d: %s", resp.StatusCode, string(b))
	}
	var parsed cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("cohere embed: decoding response: %w", err)
	}
	if len(parsed.Embeddings.Float) != 1 {
		return nil, fmt.Errorf("cohere embed: got %d vectors for one input", len(parsed.Embeddings.Float))
	}
	vec := parsed.Embeddings.Float[0]
	if len(vec) != p.dim {
		return nil, fmt.Errorf("cohere embed: dimension %d, want %d", len(vec), p.dim)
	}
	return vec, nil
}
