// Package gemini is a Google Generative Language API client, narrowed to
// the single-turn prompt-in/text-out surface domain.AIProvider needs (no
// multi-part media messages, function-calling, or SSE streaming).
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type Provider struct {
	Model   string
	BaseURL string
	APIKey  string
	client  *klient.Client
}

// New creates a Gemini provider against the Google Generative Language API.
// apiKey comes from Google AI Studio (aistudio.google.com); baseURL
// optionally overrides the default host.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an api_key (get one from https://aistudio.google.com/apikey)")
	}

	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Content-Type":   []string{"application/json"},
			"x-goog-api-key": []string{apiKey},
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
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	return &Provider{
		Model:   model,
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  client,
	}, nil
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateContentResponse struct {
	Candidates []candidate  `json:"candidates"`
	Error      *googleError `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Chat sends a single user-turn prompt and returns the completion text.
func (p *Provider) Chat(ctx context.Context, model, prompt string, opts service.ChatOptions) (string, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		reqBody.GenerationConfig = &generationConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}

	var result generateContentResponse
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
		return "", fmt.Errorf("gemini error: %s (code: %d, status: %s)", result.Error.Message, result.Error.Code, result.Error.Status)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response candidates from gemini")
	}

	var text string
	for _, p := range result.Candidates[0].Content.Parts {
		text += p.Text
	}
	return text, nil
}

type embedContentRequest struct {
	Content content `json:"content"`
}

type embedContentResponse struct {
	Embedding *embeddingValues `json:"embedding,omitempty"`
	Error     *googleError     `json:"error,omitempty"`
}

type embeddingValues struct {
	Values []float32 `json:"values"`
}

// Embed calls the embedContent endpoint, the counterpart to generateContent
// for the same family of Gemini models.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.Model
	if model == "" {
		model = "text-embedding-004"
	}

	reqBody := embedContentRequest{Content: content{Parts: []part{{Text: text}}}}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:embedContent", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}

	var result embedContentResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("decode embed response: %w (body: %s)", err, string(body))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, fmt.Errorf("gemini embed error: %s (code: %d, status: %s)", result.Error.Message, result.Error.Code, result.Error.Status)
	}
	if result.Embedding == nil {
		return nil, fmt.Errorf("gemini embed response had no embedding")
	}
	return result.Embedding.Values, nil
}
