package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("skiff.llm.ollama") // Specific tracer name

var _ Client = (*OllamaClient)(nil)

// OllamaClient talks to a local Ollama runtime over its HTTP API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *logging.Logger
}

// Ollama API request structures
type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Format  json.RawMessage        `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
}

type ollamaEmbeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
		Details    struct {
			Family            string `json:"family"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

// NewOllamaClient creates a client against the given base URL with a
// default model. The embedding model is passed per call through the
// Embeddings override on the gateway; this client uses its default.
func NewOllamaClient(baseURL, model string, logger *logging.Logger) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not configured")
	}
	if model == "" {
		logger.Warn("ollama default model not set, requests must specify model")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	logger.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		logger:     logger,
	}, nil
}

// modelFor picks the per-call model override or the client default.
func (o *OllamaClient) modelFor(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

// buildOptions maps GenerationParams onto Ollama's options object.
func buildOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// Generate implements the Client interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {
	return o.generate(ctx, prompt, nil, params)
}

// GenerateStructured implements the Client interface using Ollama's
// schema-constrained decoding (the "format" field).
func (o *OllamaClient) GenerateStructured(ctx context.Context, prompt string,
	schema json.RawMessage, params GenerationParams) (json.RawMessage, error) {

	text, err := o.generate(ctx, prompt, schema, params)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(strings.TrimSpace(text))
	if !json.Valid(raw) {
		return nil, datatypes.E(datatypes.KindStructuredOutput,
			"ollama returned non-JSON despite format constraint")
	}
	return raw, nil
}

// generate is the shared POST /api/generate path.
func (o *OllamaClient) generate(ctx context.Context, prompt string,
	format json.RawMessage, params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	model := o.modelFor(params)
	span.SetAttributes(attribute.String("llm.model", model))
	o.logger.Debug("Generating text via Ollama", "model", model)

	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Format:  format,
		Options: buildOptions(params),
	}

	respBodyBytes, err := o.post(ctx, span, "/api/generate", payload, model)
	if err != nil {
		return "", err
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBodyBytes, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Failed to parse JSON response from Ollama", "error", err, "response", string(respBodyBytes))
		return "", datatypes.E(datatypes.KindUpstreamUnavailable, "failed to parse Ollama response", err)
	}

	o.logger.Debug("Received response from Ollama")
	return ollamaResp.Response, nil
}

// Chat implements the Client interface.
func (o *OllamaClient) Chat(ctx context.Context, messages []Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	model := o.modelFor(params)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))
	o.logger.Debug("Chatting via Ollama", "model", model)

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  buildOptions(params),
	}

	respBody, err := o.post(ctx, span, "/api/chat", payload, model)
	if err != nil {
		return "", err
	}

	var ollamaResp ollamaChatResponse
	if err = json.Unmarshal(respBody, &ollamaResp); err != nil {
		o.logger.Error("Failed to parse JSON chat response from Ollama", "error", err,
			"response", string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.E(datatypes.KindUpstreamUnavailable, "failed to parse Ollama chat response", err)
	}
	if ollamaResp.Message.Role != "assistant" {
		o.logger.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return ollamaResp.Message.Content, nil
}

// Embeddings implements the Client interface via POST /api/embeddings.
func (o *OllamaClient) Embeddings(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embeddings")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload := ollamaEmbeddingsRequest{Model: o.model, Prompt: text}
	respBody, err := o.post(ctx, span, "/api/embeddings", payload, o.model)
	if err != nil {
		return nil, err
	}

	var embResp ollamaEmbeddingsResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "failed to parse Ollama embeddings response", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "Ollama returned an empty embedding")
	}
	return embResp.Embedding, nil
}

// ListModels implements the Client interface via GET /api/tags.
func (o *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.ListModels")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "Ollama tags call failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "failed to read Ollama tags response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"Ollama tags failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "failed to parse Ollama tags response", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			Name:         m.Name,
			SizeBytes:    m.Size,
			Family:       m.Details.Family,
			Quantization: m.Details.QuantizationLevel,
			ModifiedAt:   m.ModifiedAt,
		})
	}
	return models, nil
}

// post sends a JSON payload and returns the response body, translating
// transport and status failures into classified errors.
func (o *OllamaClient) post(ctx context.Context, span trace.Span,
	path string, payload any, model string) ([]byte, error) {

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+path, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Ollama API call failed", "path", path, "error", err)
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "Ollama API call failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "failed to read Ollama response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := string(respBody)
		o.logger.Error("Ollama API returned non-OK status",
			"path", path, "status", resp.StatusCode, "body", bodyStr)
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound && strings.Contains(bodyStr, "not found") {
			return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
				"model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"Ollama API failed with status %d: %s", resp.StatusCode, bodyStr)
	}
	return respBody, nil
}
