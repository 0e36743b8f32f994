package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DevState is the generation pipeline state of a session agent.
type DevState string

const (
	StateIdle          DevState = "idle"
	StateBootstrapping DevState = "bootstrapping"
	StateBlueprinting  DevState = "blueprinting"
	StateImplementing  DevState = "implementing"
	StateValidating    DevState = "validating"
	StateFixing        DevState = "fixing"
	StateDeploying     DevState = "deploying"
	StatePaused        DevState = "paused"
	StateTerminal      DevState = "terminal"
)

// ValidDevState reports whether s is a known pipeline state.
func ValidDevState(s DevState) bool {
	switch s {
	case StateIdle, StateBootstrapping, StateBlueprinting, StateImplementing,
		StateValidating, StateFixing, StateDeploying, StatePaused, StateTerminal:
		return true
	default:
		return false
	}
}

// AgentMode selects how aggressively the pipeline consults the model during
// validation.
type AgentMode string

const (
	ModeDeterministic AgentMode = "deterministic"
	ModeSmart         AgentMode = "smart"
)

// FilePlan describes one file a blueprint phase intends to produce.
type FilePlan struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// BlueprintPhase is one implement/validate/fix step of the plan.
type BlueprintPhase struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Files       []FilePlan `json:"files"`
}

// Blueprint is the structured high-level plan produced before generation.
type Blueprint struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Frameworks  []string         `json:"frameworks"`
	Phases      []BlueprintPhase `json:"phases"`
}

// PhaseConcept reports a phase's identity and progress over the wire and in
// persisted state.
type PhaseConcept struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Files       []FilePlan `json:"files"`
	Completed   bool       `json:"completed"`
}

// GeneratedFile is the stored contents of one generated file and the phase
// that last wrote it.
type GeneratedFile struct {
	Contents      string `json:"contents"`
	LastPhaseName string `json:"lastPhaseName"`
}

// TemplateFile is a seed file installed during bootstrap.
type TemplateFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// TemplateDetails names the template and its seed files.
type TemplateDetails struct {
	Name  string         `json:"name"`
	Files []TemplateFile `json:"files"`
}

// ConversationRole is the author of a conversation message.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleSystem    ConversationRole = "system"
)

// ConversationMessage is one chat turn, correlated by conversation id.
type ConversationMessage struct {
	Role           ConversationRole `json:"role"`
	Content        string           `json:"content"`
	ConversationID string           `json:"conversationId"`
	Hidden         bool             `json:"hidden,omitempty"` // internal memos not shown in UI
}

// RuntimeError is a runtime failure collected from the sandbox or reported by
// the browser preview.
type RuntimeError struct {
	Message   string    `json:"message"`
	FilePath  string    `json:"filePath,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Source    string    `json:"source,omitempty"` // "sandbox" or "client"
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StackHash returns a stable hash of the error's stack for deduplication.
func (e *RuntimeError) StackHash() string {
	sum := sha256.Sum256([]byte(e.Stack))
	return hex.EncodeToString(sum[:8])
}

// DedupKey identifies an error for the (message, stackHash) dedup rule.
func (e *RuntimeError) DedupKey() string {
	return fmt.Sprintf("%s|%s", e.Message, e.StackHash())
}

// StaticIssue is one lint or typecheck diagnostic from sandbox analysis.
type StaticIssue struct {
	RuleID   string `json:"ruleId"`
	Message  string `json:"message"`
	FilePath string `json:"filePath,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// StaticAnalysisReport aggregates sandbox lint and typecheck results.
type StaticAnalysisReport struct {
	LintIssues []StaticIssue `json:"lintIssues"`
	TypeIssues []StaticIssue `json:"typeIssues"`
}

// HasIssues reports whether any diagnostics were found.
func (r *StaticAnalysisReport) HasIssues() bool {
	return len(r.LintIssues) > 0 || len(r.TypeIssues) > 0
}

// AllIssues returns lint and type diagnostics as one slice, type issues first.
func (r *StaticAnalysisReport) AllIssues() []StaticIssue {
	out := make([]StaticIssue, 0, len(r.LintIssues)+len(r.TypeIssues))
	out = append(out, r.TypeIssues...)
	out = append(out, r.LintIssues...)
	return out
}

// AgentState is the persistent, single-writer state of one session agent.
// The wire snapshot in cf_agent_state is a direct projection of this struct;
// transient fields (live subscribers, in-flight tasks) are never part of it.
type AgentState struct {
	Query               string                   `json:"query"`
	AgentMode           AgentMode                `json:"agentMode"`
	Hostname            string                   `json:"hostname"`
	Blueprint           *Blueprint               `json:"blueprint,omitempty"`
	TemplateDetails     *TemplateDetails         `json:"templateDetails,omitempty"`
	GeneratedFilesMap   map[string]GeneratedFile `json:"generatedFilesMap"`
	GeneratedPhases     []PhaseConcept           `json:"generatedPhases"`
	ConversationMsgs    []ConversationMessage    `json:"conversationMessages"`
	PendingUserInputs   []string                 `json:"pendingUserInputs"`
	ShouldBeGenerating  bool                     `json:"shouldBeGenerating"`
	CurrentDevState     DevState                 `json:"currentDevState"`
	SandboxSessionID    string                   `json:"sandboxSessionId,omitempty"`
	ClientReportedErrs  []RuntimeError           `json:"clientReportedErrors"`
	LatestPreviewURL    string                   `json:"latestPreviewURL,omitempty"`
	InferenceContext    map[string]string        `json:"inferenceContext,omitempty"`
	TerminalError       string                   `json:"terminalError,omitempty"`
	CurrentPhaseIndex   int                      `json:"currentPhaseIndex"`
	RedeployReady       bool                     `json:"redeployReady"`
	CompletedGeneration bool                     `json:"completedGeneration"`
}

// NewAgentState returns an initialized idle state for a fresh agent.
func NewAgentState() *AgentState {
	return &AgentState{
		GeneratedFilesMap: make(map[string]GeneratedFile),
		CurrentDevState:   StateIdle,
		RedeployReady:     true,
	}
}

// Clone returns a deep copy of the state.
func (s *AgentState) Clone() *AgentState {
	out := *s

	out.GeneratedFilesMap = make(map[string]GeneratedFile, len(s.GeneratedFilesMap))
	for k, v := range s.GeneratedFilesMap {
		out.GeneratedFilesMap[k] = v
	}

	out.GeneratedPhases = append([]PhaseConcept(nil), s.GeneratedPhases...)
	for i := range out.GeneratedPhases {
		out.GeneratedPhases[i].Files = append([]FilePlan(nil), s.GeneratedPhases[i].Files...)
	}

	out.ConversationMsgs = append([]ConversationMessage(nil), s.ConversationMsgs...)
	out.PendingUserInputs = append([]string(nil), s.PendingUserInputs...)
	out.ClientReportedErrs = append([]RuntimeError(nil), s.ClientReportedErrs...)

	if s.Blueprint != nil {
		bp := *s.Blueprint
		bp.Frameworks = append([]string(nil), s.Blueprint.Frameworks...)
		bp.Phases = append([]BlueprintPhase(nil), s.Blueprint.Phases...)
		for i := range bp.Phases {
			bp.Phases[i].Files = append([]FilePlan(nil), s.Blueprint.Phases[i].Files...)
		}
		out.Blueprint = &bp
	}

	if s.TemplateDetails != nil {
		td := *s.TemplateDetails
		td.Files = append([]TemplateFile(nil), s.TemplateDetails.Files...)
		out.TemplateDetails = &td
	}

	if s.InferenceContext != nil {
		out.InferenceContext = make(map[string]string, len(s.InferenceContext))
		for k, v := range s.InferenceContext {
			out.InferenceContext[k] = v
		}
	}

	return &out
}
