package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient generates text through the OpenAI chat completion API.
// A mutex serializes calls: the platform treats the model as a single
// shared resource, so concurrent runs queue here rather than racing.
type OpenAIClient struct {
	mu    sync.Mutex
	api   *openai.Client
	model string
}

// NewOpenAIClient creates a client bound to one model.
func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: OpenAI API key is empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model name is empty")
	}
	return &OpenAIClient{api: openai.NewClient(apiKey), model: model}, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	// TopK is not part of the OpenAI API; accepted in config for
	// providers that support it and ignored here.

	slog.Debug("calling LLM", "model", c.model, "maxTokens", req.MaxTokens, "temperature", req.Temperature)

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choice list", ErrGenerationFailed)
	}

	return &Result{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyOpenAIError folds provider errors into the package's three
// failure classes.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest &&
			strings.Contains(apiErr.Message, "maximum context length"):
			return fmt.Errorf("%w: %v", ErrContextOverflow, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
}
