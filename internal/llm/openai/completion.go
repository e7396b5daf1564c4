package openai

import (
	"context"
	"errors"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
)

// Completer answers prompts with the /chat/completions endpoint.
type Completer struct {
	c           *client
	temperature float64
}

var _ crawler.Completer = (*Completer)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewCompleter creates an OpenAI chat completer.
func NewCompleter(cfg Config) (*Completer, error) {
	c, err := newClient(cfg, DefaultCompletionModel)
	if err != nil {
		return nil, err
	}
	return &Completer{c: c, temperature: cfg.Temperature}, nil
}

// Complete sends a system and a user message and returns the first choice.
func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if c.temperature > 0 {
		req.Temperature = c.temperature
	}
	var resp chatResponse
	if err := c.c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", &crawler.CompletionError{Provider: llm.ProviderOpenAI, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &crawler.CompletionError{Provider: llm.ProviderOpenAI, Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}
