package escalation

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

type OpenAIReasoner struct {
	client *openai.Client
	params ModelParams
}

func NewOpenAIReasoner(apiKey, baseURL string, params ModelParams) *OpenAIReasoner {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIReasoner{client: openai.NewClientWithConfig(config), params: params}
}

func (r *OpenAIReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	seed := r.params.Seed
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.params.ModelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(r.params.Temperature),
		TopP:        float32(r.params.TopP),
		MaxTokens:   r.params.MaxTokens,
		Seed:        &seed,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
