// Package proto defines the typed duplex message schema between session
// agents and subscribed clients, plus the shared pipeline state types.
package proto

import (
	"encoding/json"
	"fmt"
)

// MsgType is the wire discriminator carried in every message's "type" field.
type MsgType string

// Agent → client message types.
const (
	MsgAgentState          MsgType = "cf_agent_state"
	MsgFileGenerating      MsgType = "file_generating"
	MsgFileChunkGenerated  MsgType = "file_chunk_generated"
	MsgFileGenerated       MsgType = "file_generated"
	MsgFileRegenerating    MsgType = "file_regenerating"
	MsgFileRegenerated     MsgType = "file_regenerated"
	MsgGenerationStarted   MsgType = "generation_started"
	MsgGenerationComplete  MsgType = "generation_complete"
	MsgGenerationStopped   MsgType = "generation_stopped"
	MsgGenerationResumed   MsgType = "generation_resumed"
	MsgPhaseImplementing   MsgType = "phase_implementing"
	MsgPhaseValidating     MsgType = "phase_validating"
	MsgPhaseValidated      MsgType = "phase_validated"
	MsgPhaseImplemented    MsgType = "phase_implemented"
	MsgPhaseGenerating     MsgType = "phase_generating"
	MsgPhaseGenerated      MsgType = "phase_generated"
	MsgCodeReviewing       MsgType = "code_reviewing"
	MsgCodeReviewed        MsgType = "code_reviewed"
	MsgDeploymentStarted   MsgType = "deployment_started"
	MsgDeploymentCompleted MsgType = "deployment_completed"
	MsgRuntimeErrorFound   MsgType = "runtime_error_found"
	MsgConversationResp    MsgType = "conversation_response"
	MsgTerminalOutput      MsgType = "terminal_output"
	MsgServerLog           MsgType = "server_log"
	MsgError               MsgType = "error"
	MsgRateLimitError      MsgType = "rate_limit_error"
	MsgCFDeployStarted     MsgType = "cloudflare_deployment_started"
	MsgCFDeployCompleted   MsgType = "cloudflare_deployment_completed"
	MsgCFDeployError       MsgType = "cloudflare_deployment_error"
)

// Client → agent command types.
const (
	MsgGenerateAll       MsgType = "generate_all"
	MsgStopGeneration    MsgType = "stop_generation"
	MsgResumeGeneration  MsgType = "resume_generation"
	MsgPreview           MsgType = "preview"
	MsgDeploy            MsgType = "deploy"
	MsgUserMessage       MsgType = "user_message"
	MsgClientErrorReport MsgType = "client_error_report"
)

// Message is the wire envelope. Payload fields are flattened next to the
// "type" discriminator when marshaled.
type Message struct {
	Type    MsgType
	Payload any // one of the *Payload structs in payload.go, may be nil
}

// MarshalJSON flattens the payload's fields alongside the type discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]any{"type": m.Type}

	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Type, err)
		}
		var flat map[string]any
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("payload for %s is not an object: %w", m.Type, err)
		}
		for k, v := range flat {
			fields[k] = v
		}
	}

	return json.Marshal(fields)
}

// payloadFor returns a fresh payload struct pointer for the given type, or
// nil for payload-less messages.
//
//nolint:cyclop // flat type switch over the full wire schema
func payloadFor(t MsgType) any {
	switch t {
	case MsgAgentState:
		return &AgentStatePayload{}
	case MsgFileGenerating, MsgFileRegenerating:
		return &FilePathPayload{}
	case MsgFileChunkGenerated:
		return &FileChunkPayload{}
	case MsgFileGenerated, MsgFileRegenerated:
		return &FilePayload{}
	case MsgGenerationStarted:
		return &GenerationStartedPayload{}
	case MsgPhaseImplementing, MsgPhaseImplemented:
		return &PhasePayload{}
	case MsgPhaseValidating, MsgPhaseValidated, MsgPhaseGenerating, MsgPhaseGenerated:
		return &MessageTextPayload{}
	case MsgCodeReviewing:
		return &CodeReviewingPayload{}
	case MsgCodeReviewed:
		return &CodeReviewedPayload{}
	case MsgDeploymentCompleted, MsgCFDeployCompleted:
		return &DeploymentPayload{}
	case MsgRuntimeErrorFound:
		return &RuntimeErrorsPayload{}
	case MsgConversationResp:
		return &ConversationPayload{}
	case MsgTerminalOutput:
		return &TerminalOutputPayload{}
	case MsgServerLog:
		return &ServerLogPayload{}
	case MsgError, MsgCFDeployError:
		return &ErrorPayload{}
	case MsgRateLimitError:
		return &RateLimitErrorPayload{}
	case MsgDeploy:
		return &DeployCommandPayload{}
	case MsgUserMessage:
		return &UserMessagePayload{}
	case MsgClientErrorReport:
		return &ClientErrorReportPayload{}
	case MsgGenerationComplete, MsgGenerationStopped, MsgGenerationResumed,
		MsgDeploymentStarted, MsgCFDeployStarted, MsgGenerateAll,
		MsgStopGeneration, MsgResumeGeneration, MsgPreview:
		return nil
	default:
		return nil
	}
}

// knownType reports whether t is part of the wire schema.
func knownType(t MsgType) bool {
	switch t {
	case MsgAgentState, MsgFileGenerating, MsgFileChunkGenerated, MsgFileGenerated,
		MsgFileRegenerating, MsgFileRegenerated, MsgGenerationStarted,
		MsgGenerationComplete, MsgGenerationStopped, MsgGenerationResumed,
		MsgPhaseImplementing, MsgPhaseValidating, MsgPhaseValidated,
		MsgPhaseImplemented, MsgPhaseGenerating, MsgPhaseGenerated,
		MsgCodeReviewing, MsgCodeReviewed, MsgDeploymentStarted,
		MsgDeploymentCompleted, MsgRuntimeErrorFound, MsgConversationResp,
		MsgTerminalOutput, MsgServerLog, MsgError, MsgRateLimitError,
		MsgCFDeployStarted, MsgCFDeployCompleted, MsgCFDeployError,
		MsgGenerateAll, MsgStopGeneration, MsgResumeGeneration, MsgPreview,
		MsgDeploy, MsgUserMessage, MsgClientErrorReport:
		return true
	default:
		return false
	}
}

// Parse decodes a wire message into its typed payload.
func Parse(data []byte) (Message, error) {
	var head struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message envelope: %w", err)
	}
	if head.Type == "" {
		return Message{}, fmt.Errorf("message has no type discriminator")
	}
	if !knownType(head.Type) {
		return Message{}, fmt.Errorf("unknown message type: %s", head.Type)
	}

	msg := Message{Type: head.Type}
	if payload := payloadFor(head.Type); payload != nil {
		if err := json.Unmarshal(data, payload); err != nil {
			return Message{}, fmt.Errorf("failed to unmarshal %s payload: %w", head.Type, err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// IsCommand reports whether t is a client → agent command.
func IsCommand(t MsgType) bool {
	switch t {
	case MsgGenerateAll, MsgStopGeneration, MsgResumeGeneration, MsgPreview,
		MsgDeploy, MsgUserMessage, MsgClientErrorReport:
		return true
	default:
		return false
	}
}

// IsLifecycle reports whether t must never be dropped under backpressure.
// Streaming chunk messages are droppable; state changes, phase lifecycle, and
// terminal events are not.
func IsLifecycle(t MsgType) bool {
	switch t {
	case MsgFileChunkGenerated, MsgTerminalOutput, MsgServerLog:
		return false
	default:
		return true
	}
}
