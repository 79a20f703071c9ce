// Package adapter narrows each provider client (openai, antropic, gemini,
// vertex, ollama — every one a service.LLMProvider with a Chat method) down
// to domain.AIProvider's Complete/Embed contract, and exposes a
// registry.Entry factory for each so the plugin registry can materialize
// them from a PluginDeclaration's resolved params.
package adapter

import (
	"context"
	"fmt"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/plugins/ai/antropic"
	"github.com/signalforge/aggregator/internal/plugins/ai/gemini"
	"github.com/signalforge/aggregator/internal/plugins/ai/ollama"
	"github.com/signalforge/aggregator/internal/plugins/ai/openai"
	"github.com/signalforge/aggregator/internal/plugins/ai/vertex"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/service"
)

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func completeViaChat(ctx context.Context, chat func(context.Context, string, string, service.ChatOptions) (string, error), prompt string, opts domain.CompleteOptions) (string, error) {
	return chat(ctx, opts.Model, prompt, service.ChatOptions{
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
}

// ─── OpenAI ───

type openAIAdapter struct{ p *openai.Provider }

func (a openAIAdapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	return completeViaChat(ctx, a.p.Chat, prompt, opts)
}

func (a openAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func newOpenAI(params map[string]any) (domain.AIProvider, error) {
	apiKey := stringParam(params, "apiKey", "")
	if apiKey == "" {
		return nil, domain.NewConfigError("openai AI plugin requires apiKey")
	}
	model := stringParam(params, "model", "gpt-4o-mini")
	baseURL := stringParam(params, "baseURL", "")
	proxy := stringParam(params, "proxy", "")
	p, err := openai.New(apiKey, model, baseURL, proxy, boolParam(params, "insecureSkipVerify"))
	if err != nil {
		return nil, fmt.Errorf("construct openai provider: %w", err)
	}
	return openAIAdapter{p: p}, nil
}

// ─── Anthropic ───

type antropicAdapter struct{ p *antropic.Provider }

func (a antropicAdapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	return completeViaChat(ctx, a.p.Chat, prompt, opts)
}

// Embed is unsupported: Anthropic has no embeddings endpoint (spec §4.5
// leaves Embed support to providers that have one; the pipeline skips
// embedding for items assigned to a provider that returns this error).
func (a antropicAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("antropic provider does not support embeddings")
}

func newAntropic(params map[string]any) (domain.AIProvider, error) {
	apiKey := stringParam(params, "apiKey", "")
	if apiKey == "" {
		return nil, domain.NewConfigError("antropic AI plugin requires apiKey")
	}
	model := stringParam(params, "model", "claude-3-5-sonnet-20241022")
	baseURL := stringParam(params, "baseURL", "")
	proxy := stringParam(params, "proxy", "")
	p, err := antropic.New(apiKey, model, baseURL, proxy, boolParam(params, "insecureSkipVerify"))
	if err != nil {
		return nil, fmt.Errorf("construct antropic provider: %w", err)
	}
	return antropicAdapter{p: p}, nil
}

// ─── Gemini ───

type geminiAdapter struct{ p *gemini.Provider }

func (a geminiAdapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	return completeViaChat(ctx, a.p.Chat, prompt, opts)
}

func (a geminiAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func newGemini(params map[string]any) (domain.AIProvider, error) {
	apiKey := stringParam(params, "apiKey", "")
	if apiKey == "" {
		return nil, domain.NewConfigError("gemini AI plugin requires apiKey")
	}
	model := stringParam(params, "model", "gemini-2.0-flash")
	baseURL := stringParam(params, "baseURL", "")
	proxy := stringParam(params, "proxy", "")
	p, err := gemini.New(apiKey, model, baseURL, proxy, boolParam(params, "insecureSkipVerify"))
	if err != nil {
		return nil, fmt.Errorf("construct gemini provider: %w", err)
	}
	return geminiAdapter{p: p}, nil
}

// ─── Vertex ───

type vertexAdapter struct{ p *vertex.Provider }

func (a vertexAdapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	return completeViaChat(ctx, a.p.Chat, prompt, opts)
}

func (a vertexAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vertex provider does not support embeddings in this deployment")
}

func newVertex(params map[string]any) (domain.AIProvider, error) {
	model := stringParam(params, "model", "gemini-2.0-flash")
	endpointURL := stringParam(params, "endpointURL", "")
	if endpointURL == "" {
		return nil, domain.NewConfigError("vertex AI plugin requires endpointURL")
	}
	proxy := stringParam(params, "proxy", "")
	p, err := vertex.New(model, endpointURL, proxy, boolParam(params, "insecureSkipVerify"))
	if err != nil {
		return nil, fmt.Errorf("construct vertex provider: %w", err)
	}
	return vertexAdapter{p: p}, nil
}

// ─── Ollama ───

type ollamaAdapter struct{ p *ollama.Provider }

func (a ollamaAdapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	return completeViaChat(ctx, a.p.Chat, prompt, opts)
}

func (a ollamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func newOllama(params map[string]any) (domain.AIProvider, error) {
	model := stringParam(params, "model", "llama3.2")
	p := ollama.New(model)
	if baseURL := stringParam(params, "baseURL", ""); baseURL != "" {
		p.BaseURL = baseURL
	}
	if embedModel := stringParam(params, "embedModel", ""); embedModel != "" {
		p.EmbedModel = embedModel
	}
	return ollamaAdapter{p: p}, nil
}

// Entries returns the five registry.Entry rows for the platform's built-in
// AI providers, ready to pass to Registry.Register.
func Entries() []registry.Entry {
	return []registry.Entry{
		{
			Kind: registry.KindAI, PluginName: "openai",
			Description: "OpenAI-compatible chat completion and embedding provider",
			Fields: []registry.FieldSchema{
				{Name: "apiKey", Type: "string", Required: true, Secret: true},
				{Name: "model", Type: "string", Default: "gpt-4o-mini"},
				{Name: "baseURL", Type: "string"},
			},
			NewAI: newOpenAI,
		},
		{
			Kind: registry.KindAI, PluginName: "antropic",
			Description: "Anthropic Claude chat completion provider (no embeddings)",
			Fields: []registry.FieldSchema{
				{Name: "apiKey", Type: "string", Required: true, Secret: true},
				{Name: "model", Type: "string", Default: "claude-3-5-sonnet-20241022"},
				{Name: "baseURL", Type: "string"},
			},
			NewAI: newAntropic,
		},
		{
			Kind: registry.KindAI, PluginName: "gemini",
			Description: "Google Gemini chat completion and embedding provider",
			Fields: []registry.FieldSchema{
				{Name: "apiKey", Type: "string", Required: true, Secret: true},
				{Name: "model", Type: "string", Default: "gemini-2.0-flash"},
				{Name: "baseURL", Type: "string"},
			},
			NewAI: newGemini,
		},
		{
			Kind: registry.KindAI, PluginName: "vertex",
			Description: "Google Vertex AI chat completion provider",
			Fields: []registry.FieldSchema{
				{Name: "endpointURL", Type: "string", Required: true},
				{Name: "model", Type: "string", Default: "gemini-2.0-flash"},
			},
			NewAI: newVertex,
		},
		{
			Kind: registry.KindAI, PluginName: "ollama",
			Description: "Locally hosted Ollama chat completion and embedding provider",
			Fields: []registry.FieldSchema{
				{Name: "model", Type: "string", Default: "llama3.2"},
				{Name: "baseURL", Type: "string"},
				{Name: "embedModel", Type: "string", Default: "nomic-embed-text"},
			},
			NewAI: newOllama,
		},
	}
}
