// Package vertex is a Google Vertex AI client, narrowed to the single-turn
// prompt-in/text-out surface domain.AIProvider needs (no SSE streaming,
// function-calling, or reverse-proxy passthrough). Vertex has no
// embeddings surface wired here, so this provider only ever backs Complete.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/signalforge/aggregator/internal/service"
)

const scope = "https://www.googleapis.com/auth/cloud-platform"

type Provider struct {
	Model       string
	EndpointURL string

	tokenSource oauth2.TokenSource
	client      *klient.Client
}

// New creates a Vertex AI provider against an OpenAI-compatible chat
// completions endpoint, e.g.:
//
//	https://us-central1-aiplatform.googleapis.com/v1/projects/my-project/locations/us-central1/endpoints/openapi/chat/completions
//
// Authentication uses Google Application Default Credentials. Set
// GOOGLE_APPLICATION_CREDENTIALS to a service account key file, or run on
// GCE/Cloud Run/GKE where ADC is automatically available.
func New(model, endpointURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if endpointURL == "" {
		return nil, fmt.Errorf("vertex provider requires an endpointURL with the full chat completions endpoint")
	}

	ts, err := google.DefaultTokenSource(context.Background(), scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get Google credentials (set GOOGLE_APPLICATION_CREDENTIALS or run on GCE): %w", err)
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
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
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	return &Provider{
		Model:       model,
		EndpointURL: endpointURL,
		tokenSource: ts,
		client:      client,
	}, nil
}

// vertexResponse matches the OpenAI-compatible response shape Vertex AI's
// openapi endpoint returns.
type vertexResponse struct {
	Error   *vertexError `json:"error,omitempty"`
	Choices []choice     `json:"choices"`
}

type vertexError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
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

	token, err := p.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var result vertexResponse
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
		return "", fmt.Errorf("vertex error: %s (code: %d)", result.Error.Message, result.Error.Code)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no response choices from vertex")
	}

	return result.Choices[0].Message.Content, nil
}
