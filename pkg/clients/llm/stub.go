package llm

import (
	"context"
	"fmt"
)

// StubClient is a deterministic Client for development and tests.
// It echoes the prompt back and reports token counts derived from
// the input lengths.
type StubClient struct {
	// Reply, when set, overrides the echoed text.
	Reply string
	// Err, when set, is returned from every Generate call.
	Err error
}

// NewStubClient returns a stub that echoes prompts.
func NewStubClient() *StubClient {
	return &StubClient{}
}

func (c *StubClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}

	text := c.Reply
	if text == "" {
		text = fmt.Sprintf("stub response to: %s", req.Prompt)
	}
	return &Result{
		Text:         text,
		Model:        "stub",
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}
