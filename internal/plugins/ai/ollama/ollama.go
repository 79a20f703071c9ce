// Package ollama is a client for a locally-hosted Ollama instance, the only
// AI plugin in this module that talks to infrastructure the operator runs
// themselves rather than a hosted vendor API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/signalforge/aggregator/internal/service"
)

type Provider struct {
	Model      string
	BaseURL    string
	EmbedURL   string
	EmbedModel string
}

func New(model string) *Provider {
	return &Provider{
		Model:      model,
		BaseURL:    "http://localhost:11434/api/chat",
		EmbedURL:   "http://localhost:11434/api/embeddings",
		EmbedModel: "nomic-embed-text",
	}
}

// Chat sends a single user-turn prompt and returns the completion text.
func (p *Provider) Chat(ctx context.Context, model, prompt string, opts service.ChatOptions) (string, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"stream":   false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}

	return result.Message.Content, nil
}

// Embed calls Ollama's native /api/embeddings endpoint, giving this
// provider the only locally-hosted embedding path among the AI plugins.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{"model": p.EmbedModel, "prompt": text}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EmbedURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return result.Embedding, nil
}
