// Package anthropic provides the Claude client implementation.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
)

// Client wraps the Anthropic SDK to implement llm.Client.
type Client struct {
	client sdk.Client
	model  sdk.Model
}

// New creates a raw Claude client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  sdk.Model(model),
	}
}

// buildParams converts a request into Anthropic message params. System
// messages move to the system parameter and consecutive same-role messages
// merge, since the API requires strict user/assistant alternation starting
// with user.
func (c *Client) buildParams(in llm.Request) (sdk.MessageNewParams, error) {
	var systemParts []string
	var merged []llm.Message

	for _, msg := range in.Messages {
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content += "\n\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}

	if len(merged) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("request has no user or assistant messages")
	}
	if merged[0].Role != llm.RoleUser {
		merged = append([]llm.Message{llm.UserMessage("(conversation continues)")}, merged...)
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		merged = append(merged, llm.UserMessage("Continue."))
	}

	messages := make([]sdk.MessageParam, 0, len(merged))
	for _, msg := range merged {
		messages = append(messages, sdk.MessageParam{
			Role:    sdk.MessageParamRole(msg.Role),
			Content: []sdk.ContentBlockParamUnion{sdk.NewTextBlock(msg.Content)},
		})
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: sdk.Float(float64(in.Temperature)),
	}
	if len(systemParts) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
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
		params.Tools = append(params.Tools, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: properties,
			Required:   tool.InputSchema.Required,
		}, tool.Name))
	}
	if len(in.Tools) > 0 {
		if in.ToolChoice == "any" {
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
		} else {
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
		}
	}

	return params, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from Anthropic API")
	}

	out := llm.Response{
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, err, "tool input was not valid JSON")
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:         toolUse.ID,
				Name:       toolUse.Name,
				Parameters: args,
			})
		}
	}
	return out, nil
}

// Stream implements llm.Client with true server-side streaming.
func (c *Client) Stream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	ch := make(chan llm.StreamChunk, 32)
	go func() {
		defer close(ch)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					ch <- llm.StreamChunk{Content: delta.Text}
				}
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
	return string(c.model)
}

// classifyError maps SDK errors into the shared taxonomy.
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
				Message:    "Anthropic rate limit exceeded",
				RateLimit: &llmerrors.RateLimitDetail{
					LimitType:   "tokens",
					Period:      "minute",
					Suggestions: []string{"wait for the quota window to reset", "switch to a smaller model"},
				},
			}
		case 400, 413, 422:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, "request rejected, check prompt size and format")
		case 500, 502, 503, 504, 529:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "Anthropic server error")
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "eof"), strings.Contains(errStr, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "rate"), strings.Contains(errStr, "quota"), strings.Contains(errStr, "overloaded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Anthropic API error")
}
