package handlers

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/avatarcore/internal/config"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicReply streams message deltas from Claude.
type AnthropicReply struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// Init builds the SDK client. An empty api_key falls back to ANTHROPIC_API_KEY.
func (p *AnthropicReply) Init(_ context.Context, cfg config.HandlerConfig) error {
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
	p.client = anthropic.NewClient(opts...)

	p.model = cfg.Model
	if p.model == "" {
		return fmt.Errorf("anthropic reply: model is required")
	}
	p.maxTokens = int64(cfg.MaxTokens)
	if p.maxTokens <= 0 {
		p.maxTokens = defaultAnthropicMaxTokens
	}
	p.temperature = cfg.Temperature
	return nil
}

// Generate opens a streaming message for the conversation.
func (p *AnthropicReply) Generate(ctx context.Context, req ReplyRequest) (FragmentStream, error) {
	messages := []anthropic.MessageParam{}
	for _, msg := range req.History {
		switch msg.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		case "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Text)},
			})
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("anthropic reply: empty conversation")
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(p.temperature)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return newSDKFragments[anthropic.MessageStreamEventUnion](stream, func(event anthropic.MessageStreamEventUnion) string {
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			return ""
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
			return text.Text
		}
		return ""
	}), nil
}

func (p *AnthropicReply) Close() error { return nil }
