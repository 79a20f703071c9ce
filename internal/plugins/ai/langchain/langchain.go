// Package langchain adapts github.com/tmc/langchaingo's generic LLM/embedder
// interfaces to domain.AIProvider, giving configurations a way to declare an
// AI backend langchaingo supports directly (Cohere, Mistral, local GGUF
// runners, ...) beyond the platform's hand-rolled openai/antropic/gemini/
// vertex/ollama adapters in internal/plugins/ai/adapter.
package langchain

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/registry"
)

// Adapter narrows a langchaingo llms.Model (plus an optional embedder) down
// to domain.AIProvider's Complete/Embed contract.
type Adapter struct {
	model    llms.Model
	embedder embeddings.Embedder
}

func (a Adapter) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	callOpts := []llms.CallOption{}
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("langchain: generate: %w", err)
	}
	return resp, nil
}

func (a Adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.embedder == nil {
		return nil, fmt.Errorf("langchain: provider has no embedder configured")
	}
	vecs, err := a.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("langchain: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("langchain: embedder returned no vectors")
	}
	return vecs[0], nil
}

func newLangchain(params map[string]any) (domain.AIProvider, error) {
	apiKey, _ := params["apiKey"].(string)
	if apiKey == "" {
		return nil, domain.NewConfigError("langchain AI plugin requires apiKey")
	}
	model, _ := params["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL, _ := params["baseURL"].(string)

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: construct model: %w", err)
	}

	var embedder embeddings.Embedder
	if embModel, _ := params["embedModel"].(string); embModel != "" {
		embLLM, err := openai.New(append(opts, openai.WithEmbeddingModel(embModel))...)
		if err == nil {
			if e, err := embeddings.NewEmbedder(embLLM); err == nil {
				embedder = e
			}
		}
	}

	return Adapter{model: llm, embedder: embedder}, nil
}

// Entry returns the registry.Entry for this plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindAI,
		PluginName:  "langchain",
		Description: "langchaingo-backed chat completion and embedding provider",
		Fields: []registry.FieldSchema{
			{Name: "apiKey", Type: "string", Required: true, Secret: true},
			{Name: "model", Type: "string", Default: "gpt-4o-mini"},
			{Name: "baseURL", Type: "string"},
			{Name: "embedModel", Type: "string"},
		},
		NewAI: newLangchain,
	}
}
