package adapter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const deepseekBaseURL = "https://api.deepseek.com/v1/"

// DeepSeekAdapter talks to DeepSeek through its OpenAI-compatible chat
// completions endpoint.
type DeepSeekAdapter struct {
	client openai.Client
}

// NewDeepSeekAdapter creates a DeepSeek adapter. Extra options are applied
// after the defaults, so option.WithBaseURL can point it elsewhere.
func NewDeepSeekAdapter(apiKey string, opts ...option.RequestOption) (*DeepSeekAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}

	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(deepseekBaseURL),
		option.WithMaxRetries(0),
	}, opts...)
	return &DeepSeekAdapter{client: openai.NewClient(all...)}, nil
}

// Name returns the adapter identifier.
func (a *DeepSeekAdapter) Name() string {
	return "deepseek"
}

// Models returns the list of supported DeepSeek models.
func (a *DeepSeekAdapter) Models() []string {
	return []string{
		"deepseek-chat",
		"deepseek-reasoner",
	}
}

// Generate sends the conversation to DeepSeek. DeepSeek reads max_tokens,
// not max_completion_tokens.
func (a *DeepSeekAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  chatMessages(req),
		MaxTokens: openai.Int(int64(req.maxTokens())),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapSDKError(a.Name(), fmt.Errorf("deepseek API error: %w", err))
	}
	return chatResponse(a.Name(), model, resp)
}
