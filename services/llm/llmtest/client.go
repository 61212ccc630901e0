// Package llmtest provides a scriptable fake for the llm.Client
// interface. Tests set the function fields they care about; unset
// methods return canned defaults.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/AleutianAI/SkiffLocal/services/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is a fake llm.Client. Zero value is usable.
type Client struct {
	GenerateFunc           func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)
	ChatFunc               func(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error)
	GenerateStructuredFunc func(ctx context.Context, prompt string, schema json.RawMessage, params llm.GenerationParams) (json.RawMessage, error)
	ListModelsFunc         func(ctx context.Context) ([]llm.ModelInfo, error)
	EmbeddingsFunc         func(ctx context.Context, text string) ([]float32, error)

	mu      sync.Mutex
	prompts []string
}

// Prompts returns every prompt passed to Generate or GenerateStructured,
// and the concatenated content of Chat calls, in call order.
func (c *Client) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

func (c *Client) record(prompt string) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
}

func (c *Client) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	c.record(prompt)
	if c.GenerateFunc != nil {
		return c.GenerateFunc(ctx, prompt, params)
	}
	return "ok", nil
}

func (c *Client) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	var joined string
	for _, m := range messages {
		joined += m.Content + "\n"
	}
	c.record(joined)
	if c.ChatFunc != nil {
		return c.ChatFunc(ctx, messages, params)
	}
	return "ok", nil
}

func (c *Client) GenerateStructured(ctx context.Context, prompt string,
	schema json.RawMessage, params llm.GenerationParams) (json.RawMessage, error) {
	c.record(prompt)
	if c.GenerateStructuredFunc != nil {
		return c.GenerateStructuredFunc(ctx, prompt, schema, params)
	}
	return json.RawMessage(`{}`), nil
}

func (c *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if c.ListModelsFunc != nil {
		return c.ListModelsFunc(ctx)
	}
	return []llm.ModelInfo{{Name: "qwen2.5-coder:7b"}}, nil
}

func (c *Client) Embeddings(ctx context.Context, text string) ([]float32, error) {
	c.record(text)
	if c.EmbeddingsFunc != nil {
		return c.EmbeddingsFunc(ctx, text)
	}
	// Deterministic toy embedding keyed on content length.
	v := float32(len(text)%7) + 1
	return []float32{v, v / 2, v / 4}, nil
}
