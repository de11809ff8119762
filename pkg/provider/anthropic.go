package provider

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by the adapter.
// It is satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Provider via the Anthropic Messages API.
type Anthropic struct {
	msg          MessagesClient
	defaultModel string
}

// NewAnthropic builds an adapter from an existing messages client.
func NewAnthropic(msg MessagesClient, defaultModel string) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Anthropic{msg: msg, defaultModel: defaultModel}, nil
}

// NewAnthropicFromAPIKey constructs an adapter using the default Anthropic
// HTTP client.
func NewAnthropicFromAPIKey(apiKey, defaultModel string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, defaultModel)
}

// Name implements Provider.
func (a *Anthropic) Name() string { return NameAnthropic }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(effectiveMaxTokens(req.MaxTokens)),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providerError(NameAnthropic, err)
	}
	content := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &Response{
		Content:      content,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         EstimateCost(modelID, in, out),
	}, nil
}
