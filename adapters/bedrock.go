package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/shopspring/decimal"
)

// BedrockAdapter serves a single AWS Bedrock model via the InvokeModel API.
// Anthropic Claude, Amazon Titan, and Meta Llama request dialects are
// supported, keyed off the model id prefix.
type BedrockAdapter struct {
	Base
	client *bedrockruntime.Client
	region string
}

// NewBedrock creates a Bedrock adapter. region defaults to us-east-1.
// When accessKey/secretKey are empty the ambient AWS credential chain is used.
func NewBedrock(ctx context.Context, modelID, modelName, region, accessKey, secretKey string, costPerToken decimal.Decimal) (*BedrockAdapter, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, NewError(KindFatal, "bedrock", "load AWS config", err)
	}
	if modelName == "" {
		modelName = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}
	return &BedrockAdapter{
		Base: Base{
			name:         "bedrock",
			modelID:      modelID,
			modelName:    modelName,
			costPerToken: costPerToken,
		},
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

// ── Anthropic Claude on Bedrock ──────────────────────────────────────────────

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
	Temperature      *float64                  `json:"temperature,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ── Amazon Titan ─────────────────────────────────────────────────────────────

type bedrockTitanRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int     `json:"maxTokenCount,omitempty"`
		Temperature   float64 `json:"temperature,omitempty"`
	} `json:"textGenerationConfig"`
}

type bedrockTitanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

// ── Meta Llama ───────────────────────────────────────────────────────────────

type bedrockLlamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
}

// Generate dispatches to the request dialect matching the model id prefix.
func (a *BedrockAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	var (
		resp *Response
		err  error
	)
	switch {
	case strings.HasPrefix(a.modelName, "anthropic."):
		resp, err = a.generateAnthropic(ctx, req)
	case strings.HasPrefix(a.modelName, "amazon.titan"):
		resp, err = a.generateTitan(ctx, req)
	case strings.HasPrefix(a.modelName, "meta.llama"):
		resp, err = a.generateLlama(ctx, req)
	default:
		return nil, NewError(KindClientInvalid, a.name, "unsupported Bedrock model prefix: "+a.modelName, nil)
	}
	if err != nil {
		return nil, err
	}
	return a.finish(resp, req, start), nil
}

func (a *BedrockAdapter) generateAnthropic(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []bedrockAnthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:      req.Temperature,
	})
	if err != nil {
		return nil, NewError(KindFatal, a.name, "marshal request", err)
	}

	out, err := a.invoke(ctx, body)
	if err != nil {
		return nil, err
	}

	var aResp bedrockAnthropicResponse
	if err := json.Unmarshal(out, &aResp); err != nil {
		return nil, NewError(KindTransient, a.name, "unmarshal response", err)
	}
	var text strings.Builder
	for _, c := range aResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &Response{
		Content:    text.String(),
		TokensUsed: aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
	}, nil
}

func (a *BedrockAdapter) generateTitan(ctx context.Context, req *Request) (*Response, error) {
	tReq := bedrockTitanRequest{InputText: req.Prompt}
	if req.MaxTokens != nil {
		tReq.TextGenerationConfig.MaxTokenCount = *req.MaxTokens
	}
	if req.Temperature != nil {
		tReq.TextGenerationConfig.Temperature = *req.Temperature
	}
	body, err := json.Marshal(tReq)
	if err != nil {
		return nil, NewError(KindFatal, a.name, "marshal request", err)
	}

	out, err := a.invoke(ctx, body)
	if err != nil {
		return nil, err
	}

	var tResp bedrockTitanResponse
	if err := json.Unmarshal(out, &tResp); err != nil {
		return nil, NewError(KindTransient, a.name, "unmarshal response", err)
	}
	if len(tResp.Results) == 0 {
		return nil, NewError(KindTransient, a.name, "empty results", nil)
	}
	tokens := tResp.InputTextTokenCount
	for _, r := range tResp.Results {
		tokens += r.TokenCount
	}
	return &Response{
		Content:    tResp.Results[0].OutputText,
		TokensUsed: tokens,
	}, nil
}

func (a *BedrockAdapter) generateLlama(ctx context.Context, req *Request) (*Response, error) {
	lReq := bedrockLlamaRequest{Prompt: req.Prompt, Temperature: req.Temperature}
	if req.MaxTokens != nil {
		lReq.MaxGenLen = *req.MaxTokens
	}
	body, err := json.Marshal(lReq)
	if err != nil {
		return nil, NewError(KindFatal, a.name, "marshal request", err)
	}

	out, err := a.invoke(ctx, body)
	if err != nil {
		return nil, err
	}

	var lResp bedrockLlamaResponse
	if err := json.Unmarshal(out, &lResp); err != nil {
		return nil, NewError(KindTransient, a.name, "unmarshal response", err)
	}
	return &Response{
		Content:    lResp.Generation,
		TokensUsed: lResp.PromptTokenCount + lResp.GenerationTokenCount,
	}, nil
}

func (a *BedrockAdapter) invoke(ctx context.Context, body []byte) ([]byte, error) {
	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelName),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, a.classifyAWSError(ctx, err)
	}
	return out.Body, nil
}

// HealthCheck reports true when a client is configured; Bedrock has no
// unauthenticated ping and a real invocation is billable.
func (a *BedrockAdapter) HealthCheck(_ context.Context) bool {
	return a.client != nil
}

func (a *BedrockAdapter) classifyAWSError(ctx context.Context, err error) error {
	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return NewError(KindRateLimited, a.name, "bedrock throttled", err)
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return NewError(KindAuth, a.name, "bedrock access denied", err)
	}
	var invalid *types.ValidationException
	if errors.As(err, &invalid) {
		return NewError(KindClientInvalid, a.name, "bedrock validation error", err)
	}
	return a.wrapTransportError(ctx, err)
}
