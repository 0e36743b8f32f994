// Package openai provides the OpenAI client implementation using the
// official Go SDK's chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
)

// Client wraps the OpenAI SDK to implement llm.Client.
type Client struct {
	client sdk.Client
	model  string
}

// New creates a raw OpenAI client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *Client) buildParams(in llm.Request) sdk.ChatCompletionNewParams {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(in.Messages))
	for _, msg := range in.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, sdk.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(msg.Content))
		default:
			messages = append(messages, sdk.UserMessage(msg.Content))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := sdk.ChatCompletionNewParams{
		Model:               sdk.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: sdk.Int(int64(maxTokens)),
		Temperature:         sdk.Float(float64(in.Temperature)),
	}

	for i := range in.Tools {
		tool := &in.Tools[i]
		properties := make(map[string]any, len(tool.InputSchema.Properties))
		for name, prop := range tool.InputSchema.Properties {
			propMap := map[string]any{"type": prop.Type}
			if prop.Description != "" {
				propMap["description"] = prop.Description
			}
			properties[name] = propMap
		}
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				Parameters: sdk.FunctionParameters{
					"type":       "object",
					"properties": properties,
					"required":   tool.InputSchema.Required,
				},
			},
		})
	}
	return params
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(in))
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from OpenAI API")
	}

	choice := resp.Choices[0]
	out := llm.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for i := range choice.Message.ToolCalls {
		call := &choice.Message.ToolCalls[i]
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, err, "tool arguments were not valid JSON")
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: args,
		})
	}
	return out, nil
}

// Stream implements llm.Client with true server-side streaming.
func (c *Client) Stream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(in))
	ch := make(chan llm.StreamChunk, 32)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				ch <- llm.StreamChunk{Content: text}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{Error: classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// ModelName implements llm.Client.
func (c *Client) ModelName() string {
	return c.model
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled or timed out")
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeSecurity, apiErr.StatusCode, "authentication failed, check API key")
		case 429:
			return &llmerrors.Error{
				Type:       llmerrors.ErrorTypeRateLimit,
				StatusCode: apiErr.StatusCode,
				Message:    "OpenAI rate limit exceeded",
				RateLimit: &llmerrors.RateLimitDetail{
					LimitType: "tokens",
					Period:    "minute",
				},
			}
		case 400, 413, 422:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, "request rejected, check prompt size and format")
		case 500, 502, 503, 504:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "OpenAI server error")
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "eof"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "rate"), strings.Contains(errStr, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "OpenAI API error")
}
