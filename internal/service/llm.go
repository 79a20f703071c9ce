// Package service holds the LLM wire types shared by internal/plugins/ai's
// provider clients (openai, antropic, gemini, vertex, ollama). Each
// provider satisfies LLMProvider, a single-turn prompt-in/text-out contract
// matching domain.AIProvider.Complete — there is no chat history, no
// tool-calling, and no streaming surface to serve here, since nothing in
// this module drives a multi-turn conversation or an MCP-style tool loop.
package service

import "context"

// LLMProvider is the interface every provider client satisfies; the
// domain.AIProvider adapters in internal/plugins/ai wrap it directly since
// the shapes already match one-for-one.
type LLMProvider interface {
	Chat(ctx context.Context, model, prompt string, opts ChatOptions) (string, error)
}

// ChatOptions tunes a single completion call, mirroring
// domain.CompleteOptions (kept as a separate type so provider packages
// don't import internal/domain).
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
}
