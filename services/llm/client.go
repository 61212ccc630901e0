package llm

import (
	"context"
	"encoding/json"
)

// GenerationParams carries per-call sampling knobs. Nil fields use the
// backend's defaults. Model overrides the client's default model.
type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelInfo describes one model available at the runtime.
type ModelInfo struct {
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
	Family       string `json:"family,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	ModifiedAt   string `json:"modified_at,omitempty"`
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	// Generate completes a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat completes a multi-turn exchange.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// GenerateStructured requests a schema-constrained decode. The
	// schema is a JSON Schema object; the result is the raw JSON
	// payload, validated only for well-formedness here. Field-level
	// validation against the schema happens in the gateway.
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, params GenerationParams) (json.RawMessage, error)

	// ListModels enumerates models available at the runtime.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Embeddings returns the embedding vector for a text.
	Embeddings(ctx context.Context, text string) ([]float32, error)
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams literals.
func Int(v int) *int { return &v }
