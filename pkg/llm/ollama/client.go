// Package ollama provides the client implementation for a local Ollama
// runtime, used for offline development and tests against open models.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
)

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for the Ollama server at hostURL, e.g.
// "http://localhost:11434". An unparsable URL falls back to the default.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func (c *Client) buildRequest(in llm.Request, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, len(in.Messages))
	for _, msg := range in.Messages {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": maxTokens,
		},
	}

	for i := range in.Tools {
		tool := &in.Tools[i]
		properties := make(map[string]api.ToolProperty, len(tool.InputSchema.Properties))
		for name, prop := range tool.InputSchema.Properties {
			properties[name] = api.ToolProperty{
				Type:        api.PropertyType{prop.Type},
				Description: prop.Description,
			}
		}
		req.Tools = append(req.Tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       tool.InputSchema.Type,
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			},
		})
	}
	return req
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	var last api.ChatResponse
	err := c.client.Chat(ctx, c.buildRequest(in, false), func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}

	out := llm.Response{
		Content:    last.Message.Content,
		StopReason: stopReason(&last),
		Usage: llm.Usage{
			InputTokens:  last.PromptEvalCount,
			OutputTokens: last.EvalCount,
		},
	}
	for i := range last.Message.ToolCalls {
		call := &last.Message.ToolCalls[i]
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:         fmt.Sprintf("call_%d", i),
			Name:       call.Function.Name,
			Parameters: map[string]any(call.Function.Arguments),
		})
	}
	return out, nil
}

// Stream implements llm.Client by forwarding Ollama's callback stream.
func (c *Client) Stream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 32)
	go func() {
		defer close(ch)
		err := c.client.Chat(ctx, c.buildRequest(in, true), func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				ch <- llm.StreamChunk{Content: resp.Message.Content}
			}
			return nil
		})
		if err != nil {
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

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found, pull it first")
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "canceled"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timed out or canceled")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Ollama API error")
}
