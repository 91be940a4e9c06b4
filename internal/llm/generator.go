// Package llm is the text-generation capability used by the planner and the
// reasoning engine. Backends implement Generator; Retrying adds per-call
// timeouts and bounded retries; Router picks a backend by model provider.
package llm

import "context"

// Params controls one generation call.
type Params struct {
	// Model is the model id; routing uses the registry provider of this id.
	Model string
	// System is an optional system prompt.
	System string
	// Temperature is sent as-is; callers choose 0 for deterministic output.
	Temperature float64
	// MaxTokens caps the response length; 0 selects DefaultMaxTokens.
	MaxTokens int
	// TopP is sent only when positive.
	TopP float64
}

// DefaultMaxTokens is used when Params.MaxTokens is zero.
const DefaultMaxTokens = 4096

// Response is the generated text plus token usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, p Params) (Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, p Params) (Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, p Params) (Response, error) {
	return f(ctx, prompt, p)
}
