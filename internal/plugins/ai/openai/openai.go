// Package openai is an OpenAI-compatible chat-completion and embedding
// client, narrowed to the single-turn prompt-in/text-out surface
// domain.AIProvider needs (no streaming responses, tool calls, or raw
// proxy passthrough).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/signalforge/aggregator/internal/service"
)

const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

type Provider struct {
	APIKey  string
	Model   string
	BaseURL string

	client *klient.Client
}

// New creates an OpenAI-compatible provider. proxy is an optional
// HTTP/HTTPS/SOCKS5 proxy URL (e.g. "http://proxy:8080").
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	return &Provider{APIKey: apiKey, Model: model, BaseURL: baseURL, client: client}, nil
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
}

type apiError struct {
	Message string `json:"message"`
}

type choice struct {
	Message choiceMessage `json:"message"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

// Chat sends a single user-turn prompt and returns the completion text.
func (p *Provider) Chat(ctx context.Context, model, prompt string, opts service.ChatOptions) (string, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	if opts.MaxTokens > 0 {
		reqBody["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		reqBody["temperature"] = opts.Temperature
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}

	var result chatResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(body))
		}
		return nil
	}); err != nil {
		return "", err
	}

	if result.Error != nil {
		return "", fmt.Errorf("provider error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no response choices from provider")
	}

	return result.Choices[0].Message.Content, nil
}

// Embed calls the OpenAI-compatible /embeddings endpoint, derived from
// BaseURL the same way the chat endpoint is configured.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	embedURL := strings.TrimSuffix(p.BaseURL, "/chat/completions") + "/embeddings"

	model := p.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	reqBody, err := json.Marshal(map[string]any{"model": model, "input": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, embedURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	// The embeddings endpoint is a different absolute URL than the chat
	// endpoint p.client is base-configured for, so this uses a bare client
	// rather than the klient wrapper.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Error *apiError `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embed provider error: %s", result.Error.Message)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embed response had no data")
	}
	return result.Data[0].Embedding, nil
}
