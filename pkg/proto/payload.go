package proto

import (
	"time"

	"appforge/pkg/llm/llmerrors"
)

// AgentStatePayload carries the full state snapshot sent on subscribe and
// after significant transitions.
type AgentStatePayload struct {
	State *AgentState `json:"state"`
}

// FilePathPayload announces work starting on a single file.
type FilePathPayload struct {
	FilePath string `json:"filePath"`
}

// FileChunkPayload streams one chunk of generated file content.
type FileChunkPayload struct {
	FilePath string `json:"filePath"`
	Chunk    string `json:"chunk"`
}

// FileSummary is the completed contents of one file.
type FileSummary struct {
	FilePath     string `json:"filePath"`
	FileContents string `json:"fileContents"`
}

// FilePayload carries a completed file.
type FilePayload struct {
	File FileSummary `json:"file"`
}

// GenerationStartedPayload opens a generation run.
type GenerationStartedPayload struct {
	TotalFiles int `json:"totalFiles"`
}

// PhasePayload carries a phase lifecycle event with its concept.
type PhasePayload struct {
	Message string       `json:"message"`
	Phase   PhaseConcept `json:"phase"`
}

// MessageTextPayload is a plain progress message.
type MessageTextPayload struct {
	Message string `json:"message"`
}

// CodeReviewingPayload reports the inputs of a review cycle.
type CodeReviewingPayload struct {
	StaticAnalysis StaticAnalysisReport `json:"staticAnalysis"`
	RuntimeErrors  []RuntimeError       `json:"runtimeErrors"`
	ClientErrors   []RuntimeError       `json:"clientErrors"`
}

// ReviewResult summarizes a completed review cycle.
type ReviewResult struct {
	IssuesFound bool     `json:"issuesFound"`
	FilesToFix  []string `json:"filesToFix"`
}

// CodeReviewedPayload reports the outcome of a review cycle.
type CodeReviewedPayload struct {
	Review ReviewResult `json:"review"`
}

// DeploymentPayload reports a completed deploy.
type DeploymentPayload struct {
	PreviewURL string `json:"previewURL"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
}

// RuntimeErrorsPayload reports accumulated runtime errors.
type RuntimeErrorsPayload struct {
	Count  int            `json:"count"`
	Errors []RuntimeError `json:"errors"`
}

// ConversationPayload streams one conversation response chunk or final turn.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	IsStreaming    bool   `json:"isStreaming"`
}

// OutputType classifies terminal output lines.
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputInfo   OutputType = "info"
)

// TerminalOutputPayload streams sandbox command output.
type TerminalOutputPayload struct {
	Output     string     `json:"output"`
	OutputType OutputType `json:"outputType"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ServerLogPayload streams one structured server log entry.
type ServerLogPayload struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// ErrorPayload carries a surfaced error message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// RateLimitErrorPayload carries a structured quota denial.
type RateLimitErrorPayload struct {
	Error RateLimitErrorBody `json:"error"`
}

// RateLimitErrorBody is the structured body of a rate_limit_error message.
type RateLimitErrorBody struct {
	Message     string   `json:"message"`
	LimitType   string   `json:"limitType"`
	Limit       int      `json:"limit,omitempty"`
	Period      string   `json:"period,omitempty"`
	Suggestions []string `json:"suggestions"`
}

// DeployCommandPayload requests a permanent deployment.
type DeployCommandPayload struct {
	InstanceID string `json:"instanceId"`
}

// UserMessagePayload routes a chat message to the conversation processor.
type UserMessagePayload struct {
	Message string `json:"message"`
}

// ClientErrorReportPayload delivers browser-side runtime errors.
type ClientErrorReportPayload struct {
	Errors []RuntimeError `json:"errors"`
}

// Constructors for commonly broadcast messages.

// NewAgentStateMsg builds a cf_agent_state snapshot message.
func NewAgentStateMsg(state *AgentState) Message {
	return Message{Type: MsgAgentState, Payload: &AgentStatePayload{State: state}}
}

// NewFileGeneratingMsg announces generation starting for a path.
func NewFileGeneratingMsg(path string) Message {
	return Message{Type: MsgFileGenerating, Payload: &FilePathPayload{FilePath: path}}
}

// NewFileChunkMsg streams a chunk of a file under generation.
func NewFileChunkMsg(path, chunk string) Message {
	return Message{Type: MsgFileChunkGenerated, Payload: &FileChunkPayload{FilePath: path, Chunk: chunk}}
}

// NewFileGeneratedMsg reports a completed file.
func NewFileGeneratedMsg(path, contents string) Message {
	return Message{Type: MsgFileGenerated, Payload: &FilePayload{File: FileSummary{FilePath: path, FileContents: contents}}}
}

// NewFileRegeneratingMsg announces regeneration starting for a path.
func NewFileRegeneratingMsg(path string) Message {
	return Message{Type: MsgFileRegenerating, Payload: &FilePathPayload{FilePath: path}}
}

// NewFileRegeneratedMsg reports a regenerated file.
func NewFileRegeneratedMsg(path, contents string) Message {
	return Message{Type: MsgFileRegenerated, Payload: &FilePayload{File: FileSummary{FilePath: path, FileContents: contents}}}
}

// NewPhaseMsg builds a phase lifecycle message with its concept.
func NewPhaseMsg(t MsgType, message string, phase PhaseConcept) Message {
	return Message{Type: t, Payload: &PhasePayload{Message: message, Phase: phase}}
}

// NewTextMsg builds a plain progress message of the given type.
func NewTextMsg(t MsgType, message string) Message {
	return Message{Type: t, Payload: &MessageTextPayload{Message: message}}
}

// NewErrorMsg builds a surfaced error message of the given type.
func NewErrorMsg(t MsgType, errText string) Message {
	return Message{Type: t, Payload: &ErrorPayload{Error: errText}}
}

// NewRateLimitErrorMsg projects a classified rate limit error onto the wire.
func NewRateLimitErrorMsg(detail *llmerrors.RateLimitDetail, message string) Message {
	body := RateLimitErrorBody{
		Message:     message,
		LimitType:   "requests",
		Suggestions: []string{"Wait for your quota to recover, then resume generation."},
	}
	if detail != nil {
		body.LimitType = detail.LimitType
		body.Limit = detail.Limit
		body.Period = detail.Period
		if len(detail.Suggestions) > 0 {
			body.Suggestions = detail.Suggestions
		}
	}
	return Message{Type: MsgRateLimitError, Payload: &RateLimitErrorPayload{Error: body}}
}

// NewConversationMsg builds a conversation_response message.
func NewConversationMsg(conversationID, message string, streaming bool) Message {
	return Message{Type: MsgConversationResp, Payload: &ConversationPayload{
		ConversationID: conversationID,
		Message:        message,
		IsStreaming:    streaming,
	}}
}

// NewTerminalOutputMsg builds a terminal_output message stamped now.
func NewTerminalOutputMsg(output string, outputType OutputType) Message {
	return Message{Type: MsgTerminalOutput, Payload: &TerminalOutputPayload{
		Output:     output,
		OutputType: outputType,
		Timestamp:  time.Now().UTC(),
	}}
}

// NewServerLogMsg builds a server_log message.
func NewServerLogMsg(message, level, source string, ts time.Time) Message {
	return Message{Type: MsgServerLog, Payload: &ServerLogPayload{
		Message:   message,
		Level:     level,
		Timestamp: ts,
		Source:    source,
	}}
}
