package llm

import (
	"context"
	"errors"
)

// Request holds one generation call's parameters. Zero values for the
// sampling knobs mean "provider default"; the handler layer fills in
// platform defaults before the request reaches a client.
type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	TopK        int
}

// Result is the outcome of a successful generation.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Sentinel errors for the three failure classes callers distinguish.
// Concrete clients wrap these so errors.Is works across providers.
var (
	// ErrModelUnavailable means the generation was never attempted
	// (bad credentials, model missing, provider down).
	ErrModelUnavailable = errors.New("llm: model unavailable")

	// ErrGenerationFailed means the attempt failed mid-flight and a
	// later identical request could succeed.
	ErrGenerationFailed = errors.New("llm: generation failed")

	// ErrContextOverflow means the prompt exceeded the model's window.
	ErrContextOverflow = errors.New("llm: context overflow")
)

// Client generates text from a prompt. Implementations serialize
// access to the underlying model themselves; callers may share one
// client across concurrent runs.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
