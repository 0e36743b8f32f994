// Package llm provides the provider-agnostic inference client interface and
// the middleware that wraps concrete provider implementations.
package llm

import (
	"context"

	"appforge/pkg/tools"
)

// Role identifies who produced a message in a completion request.
type Role string

const (
	// RoleSystem carries instructions and context for the model.
	RoleSystem Role = "system"
	// RoleUser carries input from the user (or from the pipeline on its behalf).
	RoleUser Role = "user"
	// RoleAssistant carries prior model output.
	RoleAssistant Role = "assistant"
)

const (
	// TemperatureDefault is used for planning and review tasks.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for code generation, where slight
	// randomness avoids repetition loops without hurting consistency.
	TemperatureDeterministic = 0.2

	// DefaultMaxTokens bounds a completion when the caller does not say.
	DefaultMaxTokens = 8192
)

// Message is one turn of a completion request.
type Message struct {
	Role    Role
	Content string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request describes one completion to generate.
type Request struct {
	Messages    []Message
	Tools       []tools.ToolDefinition
	ToolChoice  string // "", "auto", or "any"
	MaxTokens   int
	Temperature float32
}

// Response is the result of a completion.
type Response struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
	Usage      Usage
}

// StreamChunk is one piece of a streamed completion. Exactly one terminal
// chunk is sent: either Done=true or Error!=nil, after which the channel
// closes.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// Client is the interface every provider implementation and middleware
// layer satisfies.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in Request) (Response, error)

	// Stream generates a completion as a channel of chunks. The channel is
	// always closed after the terminal chunk.
	Stream(ctx context.Context, in Request) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string
}

// NewRequest creates a request with default limits.
func NewRequest(messages ...Message) Request {
	return Request{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// SystemMessage creates a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
