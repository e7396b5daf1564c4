// Package openai provides embedding and completion adapters for the OpenAI
// REST API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
)

// Default configuration values.
const (
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultEmbeddingModel  = "text-embedding-3-small"
	DefaultCompletionModel = "gpt-4o-mini"
	DefaultTimeout         = 60 * time.Second
)

// Config holds configuration shared by the embedder and the completer.
type Config struct {
	// APIKey is the OpenAI API key (required).
	APIKey string
	// BaseURL can be changed for Azure OpenAI or compatible APIs.
	BaseURL string
	Model   string
	Timeout time.Duration
	// Temperature is only sent when positive.
	Temperature float64
	Retry       llm.RetryPolicy
	Logger      *zap.Logger
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	retry   llm.RetryPolicy
	logger  *zap.Logger
}

func newClient(cfg Config, defaultModel string) (*client, error) {
	if cfg.APIKey == "" {
		return nil, &crawler.ConfigError{Key: "api_key", Reason: "openai API key is required"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = llm.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		retry:   cfg.Retry,
		logger:  cfg.Logger.Named("openai"),
	}, nil
}

// post sends body to path and decodes the JSON answer into out, retrying
// transient failures.
func (c *client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	attempt := 0
	return c.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := c.postOnce(ctx, path, payload, out)
		if err != nil {
			c.logger.Debug("request failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
}

func (c *client) postOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &llm.StatusError{StatusCode: resp.StatusCode, Body: apiErrorMessage(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func apiErrorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		return e.Error.Message
	}
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
