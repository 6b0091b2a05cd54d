package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type embeddingModel struct {
	provider      *Provider
	name          string
	contextWindow int
}

func (m *embeddingModel) ID() string         { return m.name }
func (m *embeddingModel) Name() string       { return m.name }
func (m *embeddingModel) ContextWindow() int { return m.contextWindow }

func (m *embeddingModel) Embeddings(ctx context.Context, inputs []string) ([][]float64, error) {
	resp, err := m.provider.post(ctx, "/api/embed", map[string]any{
		"model": m.name,
		"input": inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: embeddings status %d", resp.StatusCode)
	}

	var body struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ollama: decode embeddings: %w", err)
	}
	return body.Embeddings, nil
}
