package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dagflow/api/pkg/clients/llm"
)

// LLMHandler executes llm_call nodes: it renders the prompt template
// (done by the dispatcher), applies sampling defaults, and calls the
// LLM client.
//
// Config:
//
//	prompt_template  string, required
//	temperature      number, optional (platform default)
//	max_tokens       integer, optional (platform default)
//	top_p            number, optional
//	top_k            integer, optional
//	variables        map, optional template locals
type LLMHandler struct {
	client   llm.Client
	defaults Defaults
}

// NewLLMHandler creates the llm_call handler.
func NewLLMHandler(client llm.Client, defaults Defaults) *LLMHandler {
	return &LLMHandler{client: client, defaults: defaults}
}

func (h *LLMHandler) Type() string { return TypeLLMCall }

func (h *LLMHandler) ValidateConfig(config map[string]any) error {
	prompt, ok := configString(config, "prompt_template")
	if !ok || strings.TrimSpace(prompt) == "" {
		return &ConfigError{NodeType: h.Type(), Detail: "prompt_template is required"}
	}
	if temp, ok := configFloat(config, "temperature"); ok && (temp < 0 || temp > 2) {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("temperature %.2f out of range [0, 2]", temp)}
	}
	if maxTokens, ok := configInt(config, "max_tokens"); ok && maxTokens <= 0 {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("max_tokens must be positive, got %d", maxTokens)}
	}
	if topP, ok := configFloat(config, "top_p"); ok && (topP <= 0 || topP > 1) {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("top_p %.2f out of range (0, 1]", topP)}
	}
	if topK, ok := configInt(config, "top_k"); ok && topK < 0 {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("top_k must be non-negative, got %d", topK)}
	}
	return nil
}

func (h *LLMHandler) Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error) {
	if h.client == nil {
		return nil, fmt.Errorf("llm client is nil")
	}

	prompt, _ := configString(config, "prompt_template")

	req := llm.Request{
		Prompt:      prompt,
		Temperature: h.defaults.LLMTemperature,
		MaxTokens:   h.defaults.LLMMaxTokens,
	}
	if temp, ok := configFloat(config, "temperature"); ok {
		req.Temperature = temp
	}
	if maxTokens, ok := configInt(config, "max_tokens"); ok {
		req.MaxTokens = maxTokens
	}
	if topP, ok := configFloat(config, "top_p"); ok {
		req.TopP = topP
	}
	if topK, ok := configInt(config, "top_k"); ok {
		req.TopK = topK
	}

	slog.Debug("executing llm_call node", "promptLen", len(prompt), "maxTokens", req.MaxTokens)

	result, err := h.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	return map[string]any{
		"response":      result.Text,
		"model":         result.Model,
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
		"tokens_used":   result.InputTokens + result.OutputTokens,
		"temperature":   req.Temperature,
		"max_tokens":    req.MaxTokens,
		"status":        "success",
	}, nil
}
