package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appforge/internal/conversation"
	"appforge/internal/phase"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
)

// sandboxAttempts is the session-level retry budget for sandbox failures;
// each underlying call carries its own transport retry.
const sandboxAttempts = 3

// withRetry retries fn with exponential backoff.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		wait := time.Duration(1<<attempt) * 500 * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// bootstrap provisions the sandbox session and records the template.
func (a *Agent) bootstrap(ctx context.Context, templateName string) error {
	var sessionID string
	err := withRetry(ctx, sandboxAttempts, func() error {
		var bootErr error
		sessionID, bootErr = a.deps.sandbox.Bootstrap(ctx, templateName)
		return bootErr
	})
	if err != nil {
		return fmt.Errorf("sandbox bootstrap failed: %w", err)
	}

	template, err := a.deps.sandbox.GetTemplate(ctx, templateName)
	if err != nil {
		return fmt.Errorf("failed to load template %q: %w", templateName, err)
	}

	a.ask(func() {
		a.state.SandboxSessionID = sessionID
		a.state.TemplateDetails = &template
		a.persist()
	})
	return nil
}

// blueprint generates and stores the structured plan.
func (a *Agent) blueprint(ctx context.Context, args InitArgs) error {
	var req phase.BlueprintRequest
	a.ask(func() {
		req = phase.BlueprintRequest{
			Query:            a.state.Query,
			Frameworks:       args.Frameworks,
			InferenceContext: a.state.InferenceContext,
		}
		if a.state.TemplateDetails != nil {
			req.Template = *a.state.TemplateDetails
		}
	})

	bp, err := phase.GenerateBlueprint(ctx, a.deps.client, req, args.OnBlueprintChunk)
	if err != nil {
		return err
	}

	a.ask(func() {
		a.state.Blueprint = bp
		a.state.CurrentPhaseIndex = 0
		a.persist()
	})
	return nil
}

// startGeneration launches the phase loop if it is not already running.
func (a *Agent) startGeneration() {
	if !a.generating.CompareAndSwap(false, true) {
		return
	}
	// A stop left over from a finished run must not cancel this one.
	a.stopRequested.Store(false)
	go a.runGeneration()
}

// runGeneration drives the phase loop to blueprint exhaustion. Any panic
// lands the agent in Terminal with the cause recorded.
func (a *Agent) runGeneration() {
	defer a.generating.Store(false)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("generation panic: %v", r)
			a.ask(func() {
				a.state.TerminalError = fmt.Sprintf("internal error: %v", r)
				a.state.ShouldBeGenerating = false
				a.transition(proto.StateTerminal)
			})
			a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, "internal error; generation aborted"))
		}
	}()

	ctx := a.genCtx
	var totalFiles int
	a.ask(func() {
		if a.state.Blueprint != nil {
			for _, p := range a.state.Blueprint.Phases {
				totalFiles += len(p.Files)
			}
		}
	})
	a.hub.broadcast(proto.Message{Type: proto.MsgGenerationStarted, Payload: &proto.GenerationStartedPayload{TotalFiles: totalFiles}})

	for {
		if ctx.Err() != nil {
			return
		}
		if a.stopRequested.CompareAndSwap(true, false) {
			a.ask(func() { a.transition(proto.StatePaused) })
			a.hub.broadcast(proto.Message{Type: proto.MsgGenerationStopped})
			return
		}

		input, phaseDef, ok := a.nextPhaseInput()
		if !ok {
			a.finishGeneration(ctx)
			return
		}

		a.ask(func() { a.transition(proto.StateImplementing) })
		a.hub.broadcast(proto.NewPhaseMsg(proto.MsgPhaseImplementing,
			fmt.Sprintf("Implementing phase %q", phaseDef.Name),
			proto.PhaseConcept{Name: phaseDef.Name, Description: phaseDef.Description, Files: phaseDef.Files}))

		started := time.Now()
		result, err := a.executePhase(ctx, input)
		if errors.Is(err, phase.ErrStopped) {
			a.recordPhase("stopped", started)
			a.stopRequested.Store(false)
			a.ask(func() { a.transition(proto.StatePaused) })
			a.hub.broadcast(proto.Message{Type: proto.MsgGenerationStopped})
			return
		}
		if err != nil {
			a.recordPhase("error", started)
			a.handlePhaseError(err)
			return
		}
		a.recordPhase("ok", started)
		a.completePhase(result)
	}
}

// nextPhaseInput snapshots everything the executor needs for the next phase
// and drains pending user inputs into it. Inputs queued past the end of the
// blueprint synthesize a revision phase; ok is false only when nothing is
// left to run.
func (a *Agent) nextPhaseInput() (phase.Input, proto.BlueprintPhase, bool) {
	var (
		input    phase.Input
		phaseDef proto.BlueprintPhase
		ok       bool
	)
	a.ask(func() {
		if a.state.Blueprint == nil {
			return
		}
		if a.state.CurrentPhaseIndex >= len(a.state.Blueprint.Phases) {
			if len(a.state.PendingUserInputs) == 0 {
				return
			}
			a.state.Blueprint.Phases = append(a.state.Blueprint.Phases,
				revisionPhase(len(a.state.Blueprint.Phases)+1, a.state.PendingUserInputs))
		}
		ok = true
		phaseDef = a.state.Blueprint.Phases[a.state.CurrentPhaseIndex]

		drained := a.state.PendingUserInputs
		a.state.PendingUserInputs = nil

		files := make(map[string]proto.GeneratedFile, len(a.state.GeneratedFilesMap))
		for k, v := range a.state.GeneratedFilesMap {
			files[k] = v
		}

		input = phase.Input{
			SessionID:       a.state.SandboxSessionID,
			Query:           a.state.Query,
			Blueprint:       a.state.Blueprint,
			Phase:           phaseDef,
			Files:           files,
			UserSuggestions: drained,
			ClientErrors:    append([]proto.RuntimeError(nil), a.state.ClientReportedErrs...),
			Mode:            a.state.AgentMode,
		}
		if len(drained) > 0 {
			a.persist()
		}
	})
	return input, phaseDef, ok
}

// revisionPhase wraps user inputs that arrived after the last planned phase
// into an extra phase. It plans no files up front; the executor derives the
// file set from the suggestions it drains.
func revisionPhase(n int, inputs []string) proto.BlueprintPhase {
	return proto.BlueprintPhase{
		Name:        fmt.Sprintf("Revision %d", n),
		Description: strings.Join(inputs, "\n"),
	}
}

// executePhase runs the executor with session-level sandbox recovery: a lost
// session is re-bootstrapped and the generated files replayed.
func (a *Agent) executePhase(ctx context.Context, input phase.Input) (*phase.Result, error) {
	emit := a.pipelineEmit()
	input.Stopped = func() bool { return a.stopRequested.Load() }

	var result *phase.Result
	err := withRetry(ctx, sandboxAttempts, func() error {
		var execErr error
		result, execErr = a.executor.Execute(ctx, input, emit)
		if execErr == nil {
			return nil
		}
		if errors.Is(execErr, phase.ErrStopped) || llmerrors.IsRateLimit(execErr) || llmerrors.IsSecurity(execErr) {
			// Not retryable at this level; bail out of the retry loop.
			return backoffAbort{execErr}
		}
		if errors.Is(execErr, sandbox.ErrSessionNotFound) {
			if rErr := a.rebuildSandbox(ctx, &input); rErr != nil {
				a.logger.Warn("sandbox rebuild failed: %v", rErr)
			}
		}
		return execErr
	})
	var abort backoffAbort
	if errors.As(err, &abort) {
		return nil, abort.err
	}
	return result, err
}

// backoffAbort wraps an error that must not be retried by withRetry.
type backoffAbort struct{ err error }

func (b backoffAbort) Error() string { return b.err.Error() }
func (b backoffAbort) Unwrap() error { return b.err }

// pipelineEmit forwards executor telemetry to subscribers and mirrors the
// validate/fix sub-states onto the state machine.
func (a *Agent) pipelineEmit() phase.EmitFunc {
	return func(msg proto.Message) {
		switch msg.Type {
		case proto.MsgPhaseValidating:
			a.ask(func() { a.transition(proto.StateValidating) })
		case proto.MsgCodeReviewing:
			a.ask(func() { a.transition(proto.StateFixing) })
		}
		a.hub.broadcast(msg)
	}
}

// rebuildSandbox provisions a replacement session and replays every
// generated file into it.
func (a *Agent) rebuildSandbox(ctx context.Context, input *phase.Input) error {
	templateName := DefaultTemplate
	a.ask(func() {
		if a.state.TemplateDetails != nil {
			templateName = a.state.TemplateDetails.Name
		}
	})

	sessionID, err := a.deps.sandbox.Bootstrap(ctx, templateName)
	if err != nil {
		return err
	}

	var replay map[string]string
	a.ask(func() {
		a.state.SandboxSessionID = sessionID
		a.persist()
		replay = make(map[string]string, len(a.state.GeneratedFilesMap))
		for path, file := range a.state.GeneratedFilesMap {
			replay[path] = file.Contents
		}
	})
	input.SessionID = sessionID

	if len(replay) == 0 {
		return nil
	}
	return a.deps.sandbox.WriteFiles(ctx, sessionID, replay)
}

// handlePhaseError maps a failed phase onto the failure semantics: rate
// limits pause with intent preserved, everything else pauses after the retry
// budget with an error surfaced.
func (a *Agent) handlePhaseError(err error) {
	switch {
	case llmerrors.IsRateLimit(err):
		a.logger.Warn("phase paused by rate limit: %v", err)
		a.hub.broadcast(proto.NewRateLimitErrorMsg(llmerrors.RateLimitOf(err), "Inference quota exhausted; resume when it recovers"))
		a.ask(func() {
			// Intent survives so the client auto-resumes later.
			a.state.ShouldBeGenerating = true
			a.transition(proto.StatePaused)
		})
	case llmerrors.IsSecurity(err):
		a.logger.Error("phase failed with security error: %v", err)
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, "inference authorization failed"))
		a.ask(func() {
			a.state.ShouldBeGenerating = false
			a.transition(proto.StatePaused)
		})
	case llmerrors.Is(err, llmerrors.ErrorTypeFatal):
		a.logger.Error("fatal phase error: %v", err)
		a.ask(func() {
			a.state.TerminalError = err.Error()
			a.state.ShouldBeGenerating = false
			a.transition(proto.StateTerminal)
		})
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, err.Error()))
	default:
		a.logger.Error("phase failed after retries: %v", err)
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, fmt.Sprintf("phase execution failed: %v", err)))
		a.ask(func() { a.transition(proto.StatePaused) })
	}
}

// completePhase merges the executor's output into state and announces the
// phase boundary.
func (a *Agent) completePhase(result *phase.Result) {
	a.ask(func() {
		for path, contents := range result.WrittenFiles {
			a.state.GeneratedFilesMap[path] = proto.GeneratedFile{
				Contents:      contents,
				LastPhaseName: result.Phase.Name,
			}
		}

		replaced := false
		for i := range a.state.GeneratedPhases {
			if a.state.GeneratedPhases[i].Name == result.Phase.Name {
				a.state.GeneratedPhases[i] = result.Phase
				replaced = true
				break
			}
		}
		if !replaced {
			a.state.GeneratedPhases = append(a.state.GeneratedPhases, result.Phase)
		}

		a.state.CurrentPhaseIndex++
		a.state.ConversationMsgs = append(a.state.ConversationMsgs,
			conversation.ProjectUpdateMemo("", fmt.Sprintf("Phase %q implemented (%d files)", result.Phase.Name, len(result.WrittenFiles))))
		a.persist()
	})

	a.hub.broadcast(proto.NewPhaseMsg(proto.MsgPhaseImplemented,
		fmt.Sprintf("Phase %q implemented", result.Phase.Name), result.Phase))
}

// finishGeneration deploys a preview and settles back to idle.
func (a *Agent) finishGeneration(ctx context.Context) {
	if _, err := a.deployPreview(ctx); err != nil {
		a.logger.Warn("post-generation preview deploy failed: %v", err)
	}

	a.ask(func() {
		a.state.CompletedGeneration = true
		a.state.ShouldBeGenerating = false
		a.state.ConversationMsgs = append(a.state.ConversationMsgs,
			conversation.ProjectUpdateMemo("", "All phases implemented; preview deployed"))
		a.transition(proto.StateIdle)
	})
	a.hub.broadcast(proto.Message{Type: proto.MsgGenerationComplete})
}

// DeployToSandbox triggers a preview deploy and returns the URL.
func (a *Agent) DeployToSandbox(ctx context.Context) (DeployResult, error) {
	return a.deployPreview(ctx)
}

func (a *Agent) deployPreview(ctx context.Context) (DeployResult, error) {
	var sessionID string
	a.ask(func() { sessionID = a.state.SandboxSessionID })
	if sessionID == "" {
		return DeployResult{}, fmt.Errorf("no sandbox session to deploy")
	}

	a.hub.broadcast(proto.Message{Type: proto.MsgDeploymentStarted})
	dctx, cancel := context.WithTimeout(ctx, sandbox.DeployBudget)
	defer cancel()

	a.streamBuild(dctx, sessionID)

	url, err := a.deps.sandbox.DeployPreview(dctx, sessionID)
	if err != nil {
		a.recordDeploy("preview", "error")
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgError, deployErrText(err)))
		return DeployResult{}, err
	}

	a.recordDeploy("preview", "ok")
	a.ask(func() {
		a.state.LatestPreviewURL = url
		a.persist()
	})
	if a.deps.store != nil {
		if err := a.deps.store.RecordDeployment(a.ID, "preview", url); err != nil {
			a.logger.Warn("failed to record deployment: %v", err)
		}
	}
	a.hub.broadcast(proto.Message{Type: proto.MsgDeploymentCompleted, Payload: &proto.DeploymentPayload{PreviewURL: url}})
	return DeployResult{PreviewURL: url}, nil
}

// streamBuild runs the project build in the sandbox and mirrors its output
// onto the feed as terminal_output. Build failures are surfaced but do not
// block the deploy; the runner rejects broken bundles itself.
func (a *Agent) streamBuild(ctx context.Context, sessionID string) {
	res, err := a.deps.sandbox.Exec(ctx, sessionID, []string{"npm", "run", "build"})
	if err != nil {
		a.logger.Warn("build exec failed: %v", err)
		return
	}
	if res.Stdout != "" {
		a.hub.broadcast(proto.NewTerminalOutputMsg(res.Stdout, proto.OutputStdout))
	}
	if res.Stderr != "" {
		a.hub.broadcast(proto.NewTerminalOutputMsg(res.Stderr, proto.OutputStderr))
	}
	if res.ExitCode != 0 {
		a.hub.broadcast(proto.NewTerminalOutputMsg(
			fmt.Sprintf("build exited with code %d", res.ExitCode), proto.OutputInfo))
	}
}

// deployPermanent publishes the app to its durable URL. Failures leave the
// agent redeploy-ready in its current state.
func (a *Agent) deployPermanent(instanceID string) {
	var sessionID string
	a.ask(func() { sessionID = a.state.SandboxSessionID })
	if sessionID == "" {
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgCFDeployError, "no sandbox session to deploy"))
		return
	}

	a.hub.broadcast(proto.Message{Type: proto.MsgCFDeployStarted})
	var prev proto.DevState
	a.ask(func() {
		prev = a.state.CurrentDevState
		a.transition(proto.StateDeploying)
	})

	ctx, cancel := context.WithTimeout(a.genCtx, sandbox.DeployBudget)
	defer cancel()

	url, err := a.deps.sandbox.DeployPermanent(ctx, sessionID)
	if err != nil {
		a.recordDeploy("permanent", "error")
		a.logger.Warn("permanent deploy of %s failed: %v", instanceID, err)
		a.hub.broadcast(proto.NewErrorMsg(proto.MsgCFDeployError, deployErrText(err)))
		a.ask(func() {
			a.state.RedeployReady = true
			a.transition(prev)
		})
		return
	}

	a.recordDeploy("permanent", "ok")
	if a.deps.store != nil {
		if err := a.deps.store.RecordDeployment(a.ID, "permanent", url); err != nil {
			a.logger.Warn("failed to record deployment: %v", err)
		}
	}
	a.ask(func() {
		a.state.RedeployReady = false
		a.transition(prev)
	})
	a.hub.broadcast(proto.Message{Type: proto.MsgCFDeployCompleted, Payload: &proto.DeploymentPayload{PreviewURL: url}})
}

func deployErrText(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("deployment timed out after %s", sandbox.DeployBudget)
	}
	return fmt.Sprintf("deployment failed: %v", err)
}

func (a *Agent) recordPhase(outcome string, started time.Time) {
	if a.deps.recorder != nil {
		a.deps.recorder.RecordPhase(a.ID, outcome, time.Since(started))
	}
}

func (a *Agent) recordDeploy(kind, outcome string) {
	if a.deps.recorder != nil {
		a.deps.recorder.RecordDeploy(kind, outcome)
	}
}
