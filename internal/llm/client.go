// Package llm is the opaque text-generation dependency used by Tier-3
// analysis. Callers see only Completer; the OpenAI-compatible client is one
// implementation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("text generation is not configured")

// Completer turns system instructions and a user payload into model text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	client *openai.Client
	model  string
	temp   float64
}

var _ Completer = (*Client)(nil)

// NewClient creates a client. An empty BaseURL uses the OpenAI default.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &Client{
		client: &client,
		model:  cfg.Model,
		temp:   cfg.Temperature,
	}
}

// Model returns the model name used for completions.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one system and one user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temp),
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("model returned no completion choices")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("model returned empty content")
	}
	return content, nil
}

// Disabled is a Completer used when no API key is configured. Every call
// fails, which Tier-3 treats as a degraded run.
type Disabled struct{}

// Complete always returns ErrNotConfigured.
func (Disabled) Complete(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

// Model returns "".
func (Disabled) Model() string { return "" }
