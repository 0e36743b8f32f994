// Package session implements the single-writer agent that owns one chat's
// state, drives the generation pipeline, and fans events out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"appforge/internal/conversation"
	"appforge/internal/phase"
	"appforge/internal/sentinel"
	"appforge/pkg/llm"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
)

// ClientErrorRingCap bounds the retained client-reported error set.
const ClientErrorRingCap = 256

// DefaultTemplate seeds new sessions when the request names none.
const DefaultTemplate = "vite-react"

// Deps are the collaborators one agent needs.
type Deps struct {
	Store    *persistence.Store
	Sandbox  sandbox.Client
	Client   llm.Client
	Recorder *metrics.Recorder // optional
}

// InitArgs parameterize first-time initialization.
type InitArgs struct {
	Query               string
	AgentMode           proto.AgentMode
	Hostname            string
	SelectedTemplate    string
	Frameworks          []string
	InferenceContext    map[string]string
	OnTemplateGenerated func(proto.TemplateDetails)
	OnBlueprintChunk    func(chunk string)
}

// DeployResult is the outcome of a preview or permanent deploy.
type DeployResult struct {
	PreviewURL string `json:"previewURL"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
}

// Summary is the compact read model for listings.
type Summary struct {
	Query        string                      `json:"query"`
	Generated    []proto.FileSummary         `json:"generatedCode"`
	Conversation []proto.ConversationMessage `json:"conversation"`
}

// Agent is the live instance for one agent id. All state mutations run on
// the agent's own goroutine; external calls post closures into the mailbox.
type Agent struct {
	ID string

	deps     deps
	hub      *hub
	logger   *logx.Logger
	executor *phase.Executor
	conv     *conversation.Processor

	mailbox chan func()
	done    chan struct{}

	state *proto.AgentState // touched only from the mailbox goroutine

	generating    atomic.Bool
	stopRequested atomic.Bool

	genCtx    context.Context
	genCancel context.CancelFunc
}

// deps mirrors Deps with the optional fields defaulted.
type deps struct {
	store    *persistence.Store
	sandbox  sandbox.Client
	client   llm.Client
	recorder *metrics.Recorder
}

// New loads or creates the agent's state and starts its scheduler. If the
// persisted state says generation should be running, the pipeline resumes
// from the saved phase boundary.
func New(id string, d Deps) (*Agent, error) {
	state, err := d.Store.LoadAgentState(id)
	if errors.Is(err, persistence.ErrNotFound) {
		state = proto.NewAgentState()
	} else if err != nil {
		return nil, err
	}

	conv, err := conversation.NewProcessor(d.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation processor: %w", err)
	}

	logger := logx.NewLogger("agent-" + id)
	genCtx, genCancel := context.WithCancel(context.Background())
	a := &Agent{
		ID:        id,
		deps:      deps{store: d.Store, sandbox: d.Sandbox, client: d.Client, recorder: d.Recorder},
		hub:       newHub(logger),
		logger:    logger,
		executor:  phase.NewExecutor(d.Client, d.Sandbox),
		conv:      conv,
		mailbox:   make(chan func(), 64),
		done:      make(chan struct{}),
		state:     state,
		genCtx:    genCtx,
		genCancel: genCancel,
	}
	go a.loop()

	// Mirror this agent's log entries onto the feed as server_log frames.
	// The hub drops them for congested subscribers and ignores them once
	// closed, so the sink can stay registered for the process lifetime.
	source := logger.Source()
	logx.AddSink(func(e logx.Entry) {
		if e.Source != source {
			return
		}
		a.hub.broadcast(proto.NewServerLogMsg(e.Message, string(e.Level), e.Source, e.Timestamp))
	})

	if state.ShouldBeGenerating && resumable(state.CurrentDevState) {
		a.logger.Info("cold start with shouldBeGenerating, resuming at phase %d", state.CurrentPhaseIndex)
		a.startGeneration()
	}
	return a, nil
}

func resumable(s proto.DevState) bool {
	return s != proto.StateTerminal
}

func (a *Agent) loop() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			return
		}
	}
}

// do posts fn onto the agent goroutine without waiting.
func (a *Agent) do(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.done:
	}
}

// ask posts fn and waits for it to run.
func (a *Agent) ask(fn func()) {
	ran := make(chan struct{})
	a.do(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-a.done:
	}
}

// persist saves the current state. Runs on the agent goroutine only.
func (a *Agent) persist() {
	if err := a.deps.store.SaveAgentState(a.ID, a.state); err != nil {
		a.logger.Error("failed to persist state: %v", err)
	}
}

// transition moves the state machine, persists, and broadcasts a snapshot.
// Runs on the agent goroutine only.
func (a *Agent) transition(next proto.DevState) {
	if a.state.CurrentDevState == next {
		return
	}
	a.logger.Debug("state %s -> %s", a.state.CurrentDevState, next)
	a.state.CurrentDevState = next
	a.persist()
	a.hub.broadcast(proto.NewAgentStateMsg(a.state.Clone()))
}

// Close stops the pipeline and the scheduler and detaches all subscribers.
func (a *Agent) Close() {
	a.genCancel()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.hub.close()
}

// IsInitialized reports whether initialize has completed at least through
// accepting the query.
func (a *Agent) IsInitialized() bool {
	var ok bool
	a.ask(func() { ok = a.state.Query != "" })
	return ok
}

// GetFullState returns a deep copy of the current state.
func (a *Agent) GetFullState() *proto.AgentState {
	var snapshot *proto.AgentState
	a.ask(func() { snapshot = a.state.Clone() })
	return snapshot
}

// SetState replaces the agent's state wholesale. Used by clone; the target
// must be idle.
func (a *Agent) SetState(next *proto.AgentState) error {
	var err error
	a.ask(func() {
		if a.state.CurrentDevState != proto.StateIdle {
			err = fmt.Errorf("cannot set state while agent is %s", a.state.CurrentDevState)
			return
		}
		a.state = next.Clone()
		a.persist()
	})
	return err
}

// Subscribe attaches a client stream. The first message is always a full
// cf_agent_state snapshot.
func (a *Agent) Subscribe() *Subscriber {
	var snapshot *proto.AgentState
	a.ask(func() { snapshot = a.state.Clone() })
	return a.hub.subscribe(proto.NewAgentStateMsg(snapshot))
}

// Unsubscribe detaches a subscriber and closes its channel.
func (a *Agent) Unsubscribe(sub *Subscriber) {
	a.hub.unsubscribe(sub)
}

// PreviewURLCache returns the most recent successful preview URL, if any.
func (a *Agent) PreviewURLCache() string {
	var url string
	a.ask(func() { url = a.state.LatestPreviewURL })
	return url
}

// GetSummary returns the compact read model.
func (a *Agent) GetSummary() Summary {
	var out Summary
	a.ask(func() {
		out.Query = a.state.Query
		for _, path := range sortedFileKeys(a.state.GeneratedFilesMap) {
			out.Generated = append(out.Generated, proto.FileSummary{
				FilePath:     path,
				FileContents: a.state.GeneratedFilesMap[path].Contents,
			})
		}
		for _, msg := range a.state.ConversationMsgs {
			if !msg.Hidden {
				out.Conversation = append(out.Conversation, msg)
			}
		}
	})
	return out
}

// Initialize runs bootstrap and blueprinting, then starts the phase loop.
// Idempotent: if the agent already has a query the existing state is
// returned unchanged.
func (a *Agent) Initialize(ctx context.Context, args InitArgs) (*proto.AgentState, error) {
	var already bool
	a.ask(func() {
		if a.state.Query != "" {
			already = true
			return
		}
		a.state.Query = args.Query
		a.state.AgentMode = args.AgentMode
		if a.state.AgentMode == "" {
			a.state.AgentMode = proto.ModeDeterministic
		}
		a.state.Hostname = args.Hostname
		a.state.InferenceContext = args.InferenceContext
		a.transition(proto.StateBootstrapping)
	})
	if already {
		return a.GetFullState(), nil
	}

	templateName := args.SelectedTemplate
	if templateName == "" {
		templateName = DefaultTemplate
	}
	if err := a.bootstrap(ctx, templateName); err != nil {
		a.ask(func() { a.transition(proto.StateIdle) })
		return nil, err
	}
	if args.OnTemplateGenerated != nil {
		a.ask(func() {
			if a.state.TemplateDetails != nil {
				args.OnTemplateGenerated(*a.state.TemplateDetails)
			}
		})
	}

	a.ask(func() { a.transition(proto.StateBlueprinting) })
	if err := a.blueprint(ctx, args); err != nil {
		a.ask(func() { a.transition(proto.StateIdle) })
		return nil, err
	}

	a.ask(func() {
		a.state.ShouldBeGenerating = true
		a.persist()
	})
	a.startGeneration()
	return a.GetFullState(), nil
}

// Command dispatches a typed client command.
func (a *Agent) Command(msg proto.Message) error {
	switch msg.Type {
	case proto.MsgGenerateAll:
		a.resumeGeneration(false)
	case proto.MsgResumeGeneration:
		a.resumeGeneration(true)
	case proto.MsgStopGeneration:
		a.stopGeneration()
	case proto.MsgPreview:
		go func() {
			if _, err := a.DeployToSandbox(a.genCtx); err != nil {
				a.logger.Warn("preview deploy failed: %v", err)
			}
		}()
	case proto.MsgDeploy:
		payload, _ := msg.Payload.(*proto.DeployCommandPayload)
		instanceID := a.ID
		if payload != nil && payload.InstanceID != "" {
			instanceID = payload.InstanceID
		}
		go a.deployPermanent(instanceID)
	case proto.MsgUserMessage:
		payload, ok := msg.Payload.(*proto.UserMessagePayload)
		if !ok || payload.Message == "" {
			return fmt.Errorf("user_message requires a message")
		}
		go a.handleUserMessage(payload.Message)
	case proto.MsgClientErrorReport:
		payload, ok := msg.Payload.(*proto.ClientErrorReportPayload)
		if !ok {
			return fmt.Errorf("client_error_report requires errors")
		}
		a.reportClientErrors(payload.Errors)
	default:
		return fmt.Errorf("unsupported command: %s", msg.Type)
	}
	return nil
}

func (a *Agent) resumeGeneration(announce bool) {
	a.ask(func() {
		a.state.ShouldBeGenerating = true
		a.persist()
	})
	if announce {
		a.hub.broadcast(proto.Message{Type: proto.MsgGenerationResumed})
	}
	a.startGeneration()
}

// stopGeneration requests a pause. A running pipeline finishes the file it
// is on, flushes it, and unwinds; an idle one pauses immediately.
func (a *Agent) stopGeneration() {
	a.stopRequested.Store(true)
	a.ask(func() {
		a.state.ShouldBeGenerating = false
		a.persist()
	})
	if !a.generating.Load() {
		a.stopRequested.Store(false)
		a.ask(func() { a.transition(proto.StatePaused) })
		a.hub.broadcast(proto.Message{Type: proto.MsgGenerationStopped})
	}
}

// handleUserMessage runs one conversation turn concurrently with the
// pipeline. Only the appends at the end touch agent state.
func (a *Agent) handleUserMessage(text string) {
	conversationID := uuid.NewString()

	var turn conversation.Turn
	a.ask(func() {
		a.state.ConversationMsgs = append(a.state.ConversationMsgs, proto.ConversationMessage{
			Role:           proto.RoleUser,
			Content:        text,
			ConversationID: conversationID,
		})
		a.persist()

		turn = conversation.Turn{
			UserMessage:    text,
			ConversationID: conversationID,
			PastMessages:   append([]proto.ConversationMessage(nil), a.state.ConversationMsgs[:len(a.state.ConversationMsgs)-1]...),
			Blueprint:      a.state.Blueprint,
			CurrentPhase:   a.currentPhaseName(),
		}
	})
	turn.Stream = func(chunk string) {
		a.hub.broadcast(proto.NewConversationMsg(conversationID, chunk, true))
	}

	outcome := a.conv.Process(a.genCtx, turn)
	switch outcome.Status {
	case conversation.StatusRateLimited:
		a.hub.broadcast(proto.NewRateLimitErrorMsg(outcome.RateLimit, "Inference quota exhausted"))
		return
	case conversation.StatusSecurity:
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, "inference authorization failed"))
		return
	case conversation.StatusOK, conversation.StatusFallback:
	}

	a.ask(func() {
		a.state.ConversationMsgs = append(a.state.ConversationMsgs, outcome.AssistantMessage)
		a.state.PendingUserInputs = append(a.state.PendingUserInputs, outcome.ModificationRequests...)
		a.persist()
	})
	a.hub.broadcast(proto.NewConversationMsg(conversationID, outcome.AssistantMessage.Content, false))
}

// currentPhaseName runs on the agent goroutine only.
func (a *Agent) currentPhaseName() string {
	if a.state.Blueprint == nil {
		return ""
	}
	if a.state.CurrentPhaseIndex < len(a.state.Blueprint.Phases) {
		return a.state.Blueprint.Phases[a.state.CurrentPhaseIndex].Name
	}
	return ""
}

// reportClientErrors merges browser-reported errors into the bounded ring,
// classifies the batch, and surfaces it to subscribers.
func (a *Agent) reportClientErrors(errs []proto.RuntimeError) {
	if len(errs) == 0 {
		return
	}
	var batch []proto.RuntimeError
	a.ask(func() {
		seen := make(map[string]bool, len(a.state.ClientReportedErrs))
		for i := range a.state.ClientReportedErrs {
			seen[a.state.ClientReportedErrs[i].DedupKey()] = true
		}
		for i := range errs {
			key := errs[i].DedupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			a.state.ClientReportedErrs = append(a.state.ClientReportedErrs, errs[i])
		}
		if overflow := len(a.state.ClientReportedErrs) - ClientErrorRingCap; overflow > 0 {
			a.state.ClientReportedErrs = a.state.ClientReportedErrs[overflow:]
		}
		a.persist()
		batch = append([]proto.RuntimeError(nil), a.state.ClientReportedErrs...)
	})

	a.hub.broadcast(proto.Message{Type: proto.MsgRuntimeErrorFound, Payload: &proto.RuntimeErrorsPayload{
		Count:  len(batch),
		Errors: batch,
	}})

	decision := sentinel.Classify(errs)
	if decision.Action == sentinel.ActionNone {
		return
	}
	var rerun bool
	a.ask(func() {
		a.state.PendingUserInputs = append(a.state.PendingUserInputs, describeDecision(decision))
		if decision.Action == sentinel.ActionPhaseLoop && !a.generating.Load() && a.state.CurrentPhaseIndex > 0 {
			// Systemic failures re-run the phase that produced them with
			// the error report as input.
			a.state.CurrentPhaseIndex--
			a.state.ShouldBeGenerating = true
			rerun = true
		}
		a.persist()
	})
	if rerun {
		a.startGeneration()
	}
}

func describeDecision(d sentinel.Decision) string {
	text := "Fix the following runtime errors reported from the preview:"
	for _, e := range d.Errors {
		if e.FilePath != "" {
			text += fmt.Sprintf("\n- %s (%s)", e.Summary, e.FilePath)
		} else {
			text += fmt.Sprintf("\n- %s", e.Summary)
		}
	}
	return text
}

func sortedFileKeys(m map[string]proto.GeneratedFile) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
