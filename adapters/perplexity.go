package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PerplexityAdapter serves a single Perplexity model over the REST API.
type PerplexityAdapter struct {
	Base
	httpClient *http.Client
}

// NewPerplexity creates a Perplexity adapter.
func NewPerplexity(modelID, modelName, apiKey, baseURL string, costPerToken decimal.Decimal) *PerplexityAdapter {
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if modelName == "" {
		modelName = "sonar"
	}
	return &PerplexityAdapter{
		Base: Base{
			name:         "perplexity",
			modelID:      modelID,
			modelName:    modelName,
			apiKey:       apiKey,
			baseURL:      baseURL,
			costPerToken: costPerToken,
		},
		httpClient: &http.Client{},
	}
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityRequest struct {
	Model       string              `json:"model"`
	Messages    []perplexityMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
}

type perplexityResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type perplexityError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends a chat completion request to Perplexity.
func (a *PerplexityAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	pReq := perplexityRequest{
		Model:       a.modelName,
		Messages:    []perplexityMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := json.Marshal(pReq)
	if err != nil {
		return nil, NewError(KindFatal, a.name, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindFatal, a.name, "create request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.wrapTransportError(ctx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewError(KindTransient, a.name, "read response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp perplexityError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, NewError(ClassifyStatus(httpResp.StatusCode), a.name,
			fmt.Sprintf("perplexity API error (%d): %s", httpResp.StatusCode, msg), nil)
	}

	var pResp perplexityResponse
	if err := json.Unmarshal(respBody, &pResp); err != nil {
		return nil, NewError(KindTransient, a.name, "unmarshal response", err)
	}
	if len(pResp.Choices) == 0 {
		return nil, NewError(KindTransient, a.name, "no choices in response", nil)
	}

	resp := &Response{
		Content:    pResp.Choices[0].Message.Content,
		TokensUsed: pResp.Usage.TotalTokens,
	}
	return a.finish(resp, req, start), nil
}

// HealthCheck probes the API base URL with a HEAD request. Perplexity has
// no cheap listing endpoint, so reachability of the host is the signal.
func (a *PerplexityAdapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, a.baseURL, nil)
	if err != nil {
		return false
	}
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer func() { _ = httpResp.Body.Close() }()
	return httpResp.StatusCode < http.StatusInternalServerError
}
