package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/sashabaranov/go-openai"
)

var _ Client = (*OpenAIClient)(nil)

// OpenAIClient is the hosted fallback backend. The daemon is
// local-first; this client only activates when models.backend is
// set to "openai".
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *logging.Logger
}

func NewOpenAIClient(model string, logger *logging.Logger) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			logger.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			logger.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("OpenAI model not configured, defaulting to gpt-4o-mini")
	}
	logger.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAIClient) modelFor(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

func (o *OpenAIClient) buildRequest(messages []Message, params GenerationParams) openai.ChatCompletionRequest {
	openaiMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		openaiMessages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	req := openai.ChatCompletionRequest{
		Model:    o.modelFor(params),
		Messages: openaiMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the Client interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []Message{{Role: openai.ChatMessageRoleUser, Content: prompt}}, params)
}

// Chat implements the Client interface
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	o.logger.Debug("Chatting via OpenAI", "model", o.modelFor(params))
	req := o.buildRequest(messages, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("OpenAI API call failed", "error", err)
		return "", datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI API call failed", err)
	}
	if len(resp.Choices) == 0 {
		o.logger.Warn("OpenAI returned no choices or empty content")
		return "", datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI returned no choices")
	}
	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// GenerateStructured implements the Client interface using the
// json_schema response format
func (o *OpenAIClient) GenerateStructured(ctx context.Context, prompt string,
	schema json.RawMessage, params GenerationParams) (json.RawMessage, error) {

	req := o.buildRequest([]Message{{Role: openai.ChatMessageRoleUser, Content: prompt}}, params)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "structured_output",
			Schema: schema,
			Strict: true,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("OpenAI structured call failed", "error", err)
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI structured call failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI returned no choices")
	}
	raw := json.RawMessage(strings.TrimSpace(resp.Choices[0].Message.Content))
	if !json.Valid(raw) {
		return nil, datatypes.E(datatypes.KindStructuredOutput,
			"OpenAI returned non-JSON despite schema constraint")
	}
	return raw, nil
}

// Embeddings implements the Client interface
func (o *OpenAIClient) Embeddings(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.SmallEmbedding3,
		Input: []string{text},
	})
	if err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI embeddings call failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

// ListModels implements the Client interface
func (o *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "OpenAI model listing failed", err)
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{Name: m.ID})
	}
	return models, nil
}
