// Package antropic is an Anthropic Messages API client, narrowed from the
// teacher's gateway-facing provider (which also served SSE streaming and
// tool-use) down to the single-turn prompt-in/text-out surface
// domain.AIProvider needs. Anthropic has no embeddings endpoint, so this
// provider only ever backs Complete, never Embed (internal/plugins/ai/
// adapter/adapter.go's antropicAdapter.Embed returns an unsupported error
// directly).
package antropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/signalforge/aggregator/internal/service"
)

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	APIKey string
	Model  string

	client *klient.Client
}

type anthropicResponse struct {
	Type       string         `json:"type"`
	Error      anthropicError `json:"error"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type anthropicError struct {
	Message string `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
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

	return &Provider{APIKey: apiKey, Model: model, client: client}, nil
}

// Chat sends a single user-turn prompt and returns the completion text.
func (p *Provider) Chat(ctx context.Context, model, prompt string, opts service.ChatOptions) (string, error) {
	if model == "" {
		model = p.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	reqBody := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	if opts.Temperature > 0 {
		reqBody["temperature"] = opts.Temperature
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}

	var result anthropicResponse
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

	if result.Type == "error" {
		return "", fmt.Errorf("anthropic error: %s", result.Error.Message)
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
