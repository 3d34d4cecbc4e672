package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/shopspring/decimal"
)

// OpenAIAdapter serves a single OpenAI model through the official SDK.
type OpenAIAdapter struct {
	Base
	client openai.Client
}

// NewOpenAI creates an OpenAI adapter. The optional baseURL parameter allows
// overriding the API endpoint (pass "" for the default).
func NewOpenAI(modelID, modelName, apiKey, baseURL string, costPerToken decimal.Decimal) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &OpenAIAdapter{
		Base: Base{
			name:         "openai",
			modelID:      modelID,
			modelName:    modelName,
			apiKey:       apiKey,
			baseURL:      baseURL,
			costPerToken: costPerToken,
		},
		client: openai.NewClient(opts...),
	}
}

// Generate sends a chat completion request to OpenAI.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Model: a.modelName,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.UserID != "" {
		params.User = openai.String(req.UserID)
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.classifySDKError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, NewError(KindTransient, a.name, "empty choices in completion", nil)
	}

	resp := &Response{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}
	return a.finish(resp, req, start), nil
}

// HealthCheck lists models as a cheap reachability probe.
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.Models.List(ctx)
	return err == nil
}

// classifySDKError maps openai-go SDK failures onto the adapter taxonomy.
func (a *OpenAIAdapter) classifySDKError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewError(ClassifyStatus(apiErr.StatusCode), a.name, apiErr.Message, err)
	}
	return a.wrapTransportError(ctx, err)
}
