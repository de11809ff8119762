package provider

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
// It is satisfied by *openai.Client so tests can substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAI implements Provider via the OpenAI Chat Completions API.
type OpenAI struct {
	chat         ChatClient
	defaultModel string
}

// NewOpenAI builds an adapter from an existing chat client.
func NewOpenAI(chat ChatClient, defaultModel string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAI{chat: chat, defaultModel: defaultModel}, nil
}

// NewOpenAIFromAPIKey constructs an adapter using the default go-openai HTTP
// client.
func NewOpenAIFromAPIKey(apiKey, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewOpenAI(openai.NewClient(apiKey), defaultModel)
}

// Name implements Provider.
func (o *OpenAI) Name() string { return NameOpenAI }

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = o.defaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	resp, err := o.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   effectiveMaxTokens(req.MaxTokens),
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providerError(NameOpenAI, err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &Response{
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Cost:         EstimateCost(modelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}
