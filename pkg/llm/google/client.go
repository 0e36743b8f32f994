// Package google provides the Gemini client implementation.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
)

// Client wraps the Google GenAI SDK to implement llm.Client. The SDK client
// needs a context to construct, so it is created lazily on first use.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// New creates a raw Gemini client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeSecurity, err, "failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

func (c *Client) buildRequest(in llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemParts []string
	var contents []*genai.Content

	for _, msg := range in.Messages {
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	temp := in.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(maxTokens), //nolint:gosec // bounded by config
	}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(in.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			properties := make(map[string]*genai.Schema, len(tool.InputSchema.Properties))
			for name, prop := range tool.InputSchema.Properties {
				properties[name] = &genai.Schema{
					Type:        schemaType(prop.Type),
					Description: prop.Description,
				}
			}
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
		// Gemini may return empty output when tool use is optional, so force
		// a call whenever tools are attached.
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	return contents, cfg
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	contents, cfg := c.buildRequest(in)
	result, err := client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if result == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from Gemini API")
	}

	out := llm.Response{
		Content:    result.Text(),
		StopReason: "end_turn",
	}
	if result.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	for i, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			// Gemini omits call ids, so synthesize stable ones.
			id = fmt.Sprintf("%s_%d", call.Name, i)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:         id,
			Name:       call.Name,
			Parameters: call.Args,
		})
	}
	return out, nil
}

// Stream implements llm.Client using the SDK's streaming iterator.
func (c *Client) Stream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, cfg := c.buildRequest(in)
	ch := make(chan llm.StreamChunk, 32)
	go func() {
		defer close(ch)
		for result, err := range client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				ch <- llm.StreamChunk{Error: classifyError(err)}
				return
			}
			if text := result.Text(); text != "" {
				ch <- llm.StreamChunk{Content: text}
			}
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
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "429"), strings.Contains(errStr, "quota"), strings.Contains(errStr, "resource_exhausted"):
		return llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{LimitType: "requests", Period: "minute"}, "Gemini quota exceeded")
	case strings.Contains(errStr, "401"), strings.Contains(errStr, "403"), strings.Contains(errStr, "permission"), strings.Contains(errStr, "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeSecurity, err, "authentication failed, check API key")
	case strings.Contains(errStr, "400"), strings.Contains(errStr, "invalid_argument"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "request rejected by Gemini API")
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "unavailable"), strings.Contains(errStr, "500"), strings.Contains(errStr, "503"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Gemini transient failure")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API error")
}
