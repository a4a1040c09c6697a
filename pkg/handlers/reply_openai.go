package handlers

import (
	"context"
	"fmt"

	"github.com/harun/avatarcore/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIReply streams chat completions from OpenAI or an API-compatible endpoint.
type OpenAIReply struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
}

// Init builds the SDK client. An empty api_key falls back to OPENAI_API_KEY.
func (p *OpenAIReply) Init(_ context.Context, cfg config.HandlerConfig) error {
	p.client = openai.NewClient(openAIOptions(cfg)...)
	p.model = cfg.Model
	if p.model == "" {
		p.model = "gpt-4o-mini"
	}
	p.maxTokens = cfg.MaxTokens
	p.temperature = cfg.Temperature
	return nil
}

// Generate opens a streaming completion for the conversation.
func (p *OpenAIReply) Generate(ctx context.Context, req ReplyRequest) (FragmentStream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Text))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Text))
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("openai reply: empty conversation")
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.maxTokens))
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	return newSDKFragments[openai.ChatCompletionChunk](stream, func(chunk openai.ChatCompletionChunk) string {
		if len(chunk.Choices) == 0 {
			return ""
		}
		return chunk.Choices[0].Delta.Content
	}), nil
}

func (p *OpenAIReply) Close() error { return nil }

func openAIOptions(cfg config.HandlerConfig) []option.RequestOption {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return opts
}
