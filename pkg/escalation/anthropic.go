package escalation

import (
	"context"
	"errors"

	"github.com/liushuangls/go-anthropic/v2"
)

type AnthropicReasoner struct {
	client *anthropic.Client
	params ModelParams
}

func NewAnthropicReasoner(apiKey, baseURL string, params ModelParams) *AnthropicReasoner {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &AnthropicReasoner{client: anthropic.NewClient(apiKey, opts...), params: params}
}

func (r *AnthropicReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	temperature := float32(r.params.Temperature)
	topP := float32(r.params.TopP)
	resp, err := r.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:  anthropic.Model(r.params.ModelID),
		System: system,
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(prompt)},
			},
		},
		MaxTokens:   r.params.MaxTokens,
		Temperature: &temperature,
		TopP:        &topP,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 || resp.Content[0].Text == nil {
		return "", errors.New("no response content")
	}
	return *resp.Content[0].Text, nil
}
