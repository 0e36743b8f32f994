// Package conversation executes user chat turns against the inference
// client, capturing edit_app tool calls as pending modification requests.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/tools"
	"appforge/pkg/utils"
)

// Status is the typed outcome of one conversation turn. Only rate-limit and
// security errors surface to the caller; everything else degrades to a
// fallback reply.
type Status string

const (
	StatusOK          Status = "ok"
	StatusRateLimited Status = "rate_limited"
	StatusSecurity    Status = "security"
	StatusFallback    Status = "fallback"
)

// historyTokenBudget caps how much past conversation rides along in the
// prompt. Older turns fall off first.
const historyTokenBudget = 6000

// fallbackReply is returned when the model fails for a non-propagating
// reason. The turn still completes so the UI never hangs.
const fallbackReply = "I ran into a problem processing that message. Your app is unaffected; please try again."

// Turn is one user message plus the context it runs in.
type Turn struct {
	UserMessage    string
	ConversationID string
	PastMessages   []proto.ConversationMessage
	Blueprint      *proto.Blueprint
	CurrentPhase   string
	Stream         func(text string)
}

// Outcome is the result of processing a turn.
type Outcome struct {
	Status               Status
	AssistantMessage     proto.ConversationMessage
	RateLimit            *llmerrors.RateLimitDetail
	ModificationRequests []string
}

// Processor runs conversation turns.
type Processor struct {
	client  llm.Client
	counter *utils.TokenCounter
	logger  *logx.Logger
}

// NewProcessor creates a conversation processor for the given client.
func NewProcessor(client llm.Client) (*Processor, error) {
	counter, err := utils.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	return &Processor{
		client:  client,
		counter: counter,
		logger:  logx.NewLogger("conversation"),
	}, nil
}

// Process executes one turn. Rate-limit and security failures propagate in
// the outcome status; any other model failure produces a fallback reply.
func (p *Processor) Process(ctx context.Context, turn Turn) Outcome {
	registry := tools.NewRegistry()
	var captured []string
	registry.Register(tools.NewEditAppTool(func(request string) {
		captured = append(captured, request)
	}))

	req := llm.Request{
		Messages:    p.buildMessages(turn),
		MaxTokens:   2048,
		Temperature: llm.TemperatureDefault,
	}

	result, err := llm.RunToolTurn(ctx, p.client, registry, req)
	if err != nil {
		switch {
		case llmerrors.IsRateLimit(err):
			p.logger.Warn("conversation turn rate limited: %v", err)
			return Outcome{Status: StatusRateLimited, RateLimit: llmerrors.RateLimitOf(err)}
		case llmerrors.IsSecurity(err):
			p.logger.Error("conversation turn security failure: %v", err)
			return Outcome{Status: StatusSecurity}
		default:
			p.logger.Warn("conversation turn failed, using fallback: %v", err)
			return Outcome{
				Status: StatusFallback,
				AssistantMessage: proto.ConversationMessage{
					Role:           proto.RoleAssistant,
					Content:        fallbackReply,
					ConversationID: turn.ConversationID,
				},
			}
		}
	}

	content := result.Response.Content
	if content == "" && len(captured) > 0 {
		content = "I've queued that change; it will be applied at the next phase boundary."
	}
	if turn.Stream != nil && content != "" {
		streamReply(turn.Stream, content)
	}

	return Outcome{
		Status: StatusOK,
		AssistantMessage: proto.ConversationMessage{
			Role:           proto.RoleAssistant,
			Content:        content,
			ConversationID: turn.ConversationID,
		},
		ModificationRequests: captured,
	}
}

// replyChunkSize is the delivery granularity for replies that arrive as a
// single completion; the UI renders them as a stream either way.
const replyChunkSize = 64

// streamReply forwards content to the callback in rune-safe chunks.
func streamReply(stream func(string), content string) {
	runes := []rune(content)
	for len(runes) > 0 {
		n := replyChunkSize
		if n > len(runes) {
			n = len(runes)
		}
		stream(string(runes[:n]))
		runes = runes[n:]
	}
}

// buildMessages assembles system context, bounded history and the new user
// message.
func (p *Processor) buildMessages(turn Turn) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You are the assistant for an AI app generator. The user is iterating on a generated web application.\n")
	sb.WriteString("Answer questions about the app directly. When the user asks for a change, call the edit_app tool with a clear modification request instead of describing code.\n")
	if turn.Blueprint != nil {
		fmt.Fprintf(&sb, "\nProject: %s\n%s\n", turn.Blueprint.Title, turn.Blueprint.Description)
		if len(turn.Blueprint.Phases) > 0 {
			sb.WriteString("Phases:\n")
			for _, phase := range turn.Blueprint.Phases {
				fmt.Fprintf(&sb, "- %s\n", phase.Name)
			}
		}
	}
	if turn.CurrentPhase != "" {
		fmt.Fprintf(&sb, "Currently implementing phase: %s\n", turn.CurrentPhase)
	}

	messages := []llm.Message{llm.SystemMessage(sb.String())}
	for _, past := range trimHistory(p.counter, turn.PastMessages) {
		role := llm.RoleUser
		if past.Role == proto.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: past.Content})
	}
	return append(messages, llm.UserMessage(turn.UserMessage))
}

// trimHistory drops oldest turns until the rest fits the token budget.
// Hidden memos count: they carry project context the model needs.
func trimHistory(counter *utils.TokenCounter, history []proto.ConversationMessage) []proto.ConversationMessage {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += counter.CountTokens(history[i].Content)
		if total > historyTokenBudget {
			break
		}
		start = i
	}
	return history[start:]
}

// ProjectUpdateMemo synthesizes the hidden assistant message recorded when
// the pipeline reaches a milestone (phase done, deployment), so later turns
// can reference it without it ever rendering in the UI.
func ProjectUpdateMemo(conversationID, update string) proto.ConversationMessage {
	return proto.ConversationMessage{
		Role:           proto.RoleAssistant,
		Content:        fmt.Sprintf("[project update] %s", update),
		ConversationID: conversationID,
		Hidden:         true,
	}
}
