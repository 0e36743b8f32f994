// Package phase runs one implement → validate → fix cycle of the generation
// pipeline for a single blueprint phase.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"appforge/pkg/fixer"
	"appforge/pkg/llm"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
)

const (
	// MaxValidateIterations bounds deterministic fix passes per phase.
	MaxValidateIterations = 3
	// MaxReviewCycles bounds model-assisted patch turns per phase.
	MaxReviewCycles = 10
	// MaxPhases is a safety bound on blueprint length.
	MaxPhases = 12
)

// ErrStopped reports that a stop request interrupted the phase between
// atomic steps. Files written before the stop stay in the sandbox.
var ErrStopped = errors.New("phase execution stopped")

// EmitFunc receives pipeline telemetry as it happens. The session agent maps
// it onto the broadcast hub.
type EmitFunc func(msg proto.Message)

// Input is everything one phase execution needs.
type Input struct {
	SessionID       string
	Query           string
	Blueprint       *proto.Blueprint
	Phase           proto.BlueprintPhase
	Files           map[string]proto.GeneratedFile
	UserSuggestions []string
	ClientErrors    []proto.RuntimeError
	Mode            proto.AgentMode

	// Stopped is polled between atomic steps; a true return unwinds the
	// phase with ErrStopped. Nil means never stop.
	Stopped func() bool
}

func (in Input) stopRequested() bool {
	return in.Stopped != nil && in.Stopped()
}

// Result is the outcome of one phase execution. WrittenFiles holds every file
// this run produced or rewrote, keyed by path.
type Result struct {
	Phase          proto.PhaseConcept
	WrittenFiles   map[string]string
	StaticAnalysis *proto.StaticAnalysisReport
	RuntimeErrors  []proto.RuntimeError
	IssuesFound    bool
	FilesToFix     []string
}

// Executor drives implement/validate/fix for one phase at a time.
type Executor struct {
	client  llm.Client
	sandbox sandbox.Client
	logger  *logx.Logger
}

// NewExecutor creates a phase executor.
func NewExecutor(client llm.Client, sb sandbox.Client) *Executor {
	return &Executor{client: client, sandbox: sb, logger: logx.NewLogger("phase")}
}

// Execute runs one full phase cycle. Every write is keyed by path, so
// re-executing a phase overwrites its previous output and is safe after a
// restart.
func (e *Executor) Execute(ctx context.Context, in Input, emit EmitFunc) (*Result, error) {
	if emit == nil {
		emit = func(proto.Message) {}
	}

	emit(proto.NewTextMsg(proto.MsgPhaseGenerating, fmt.Sprintf("Generating phase %q", in.Phase.Name)))

	plan, err := e.planFiles(ctx, in)
	if err != nil {
		return nil, err
	}

	written := make(map[string]string, len(plan))
	for _, file := range plan {
		if in.stopRequested() {
			if err := e.writeFiles(ctx, in.SessionID, written, emit, false); err != nil {
				return nil, err
			}
			return nil, ErrStopped
		}
		contents, genErr := e.generateFile(ctx, in, file, emit)
		if genErr != nil {
			return nil, genErr
		}
		written[file.Path] = contents
	}
	if err := e.writeFiles(ctx, in.SessionID, written, emit, false); err != nil {
		return nil, err
	}

	emit(proto.NewTextMsg(proto.MsgPhaseValidating, fmt.Sprintf("Validating phase %q", in.Phase.Name)))

	report, runtimeErrs, err := e.validate(ctx, in, written, emit)
	if err != nil {
		return nil, err
	}

	issuesFound := report.HasIssues()
	filesToFix := issueFiles(report)
	emit(proto.Message{Type: proto.MsgCodeReviewed, Payload: &proto.CodeReviewedPayload{
		Review: proto.ReviewResult{IssuesFound: issuesFound, FilesToFix: filesToFix},
	}})
	emit(proto.NewTextMsg(proto.MsgPhaseValidated, fmt.Sprintf("Phase %q validated", in.Phase.Name)))

	return &Result{
		Phase: proto.PhaseConcept{
			Name:        in.Phase.Name,
			Description: in.Phase.Description,
			Files:       plan,
			// Reaching the boundary completes the phase; residual issues
			// travel in IssuesFound and the code_reviewed payload.
			Completed: true,
		},
		WrittenFiles:   written,
		StaticAnalysis: &report,
		RuntimeErrors:  runtimeErrs,
		IssuesFound:    issuesFound,
		FilesToFix:     filesToFix,
	}, nil
}

// planFiles asks the model to confirm or extend the phase's file list. Adds
// are accepted, deletes are not: the blueprint's files always remain.
func (e *Executor) planFiles(ctx context.Context, in Input) ([]proto.FilePlan, error) {
	plan := append([]proto.FilePlan(nil), in.Phase.Files...)
	if len(in.UserSuggestions) == 0 {
		return plan, nil
	}

	// Only consult the model when user input may change the file set.
	type planOut struct {
		Files []proto.FilePlan `json:"files"`
	}
	out, err := llm.GenerateObject[planOut](ctx, e.client, llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(planSystemPrompt),
			llm.UserMessage(buildPlanPrompt(in)),
		},
		MaxTokens:   2048,
		Temperature: llm.TemperatureDeterministic,
	}, nil)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(plan))
	for _, f := range plan {
		have[f.Path] = true
	}
	for _, f := range out.Files {
		if f.Path == "" || have[f.Path] || !fixer.CanModifyFile(f.Path) {
			continue
		}
		have[f.Path] = true
		plan = append(plan, f)
	}
	return plan, nil
}

// generateFile streams one file's contents, forwarding chunks as they arrive.
func (e *Executor) generateFile(ctx context.Context, in Input, file proto.FilePlan, emit EmitFunc) (string, error) {
	emit(proto.NewFileGeneratingMsg(file.Path))

	req := llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(fileSystemPrompt),
			llm.UserMessage(buildFilePrompt(in, file)),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureDeterministic,
	}

	raw, err := e.streamText(ctx, req, func(chunk string) {
		emit(proto.NewFileChunkMsg(file.Path, chunk))
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", file.Path, err)
	}

	contents := stripCodeFences(raw)
	emit(proto.NewFileGeneratedMsg(file.Path, contents))
	return contents, nil
}

// streamText collects a streamed completion into a string.
func (e *Executor) streamText(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) (string, error) {
	ch, err := e.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if onChunk != nil {
				onChunk(chunk.Content)
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

// writeFiles pushes a batch to the sandbox. regenerated selects which file
// lifecycle message accompanies the batch.
func (e *Executor) writeFiles(ctx context.Context, sessionID string, files map[string]string, emit EmitFunc, regenerated bool) error {
	if len(files) == 0 {
		return nil
	}
	if err := e.sandbox.WriteFiles(ctx, sessionID, files); err != nil {
		return fmt.Errorf("failed to write files to sandbox: %w", err)
	}
	if regenerated {
		for _, path := range sortedKeys(files) {
			emit(proto.NewFileRegeneratingMsg(path))
			emit(proto.NewFileRegeneratedMsg(path, files[path]))
		}
	}
	return nil
}

// validate runs static analysis, applies deterministic fix passes and, in
// smart mode, model patch turns, until clean or budgets run out.
func (e *Executor) validate(ctx context.Context, in Input, written map[string]string, emit EmitFunc) (proto.StaticAnalysisReport, []proto.RuntimeError, error) {
	report, err := e.sandbox.StaticAnalysis(ctx, in.SessionID)
	if err != nil {
		return proto.StaticAnalysisReport{}, nil, fmt.Errorf("static analysis failed: %w", err)
	}
	runtimeErrs, err := e.sandbox.RuntimeErrors(ctx, in.SessionID, true)
	if err != nil {
		e.logger.Warn("failed to pull runtime errors: %v", err)
	}

	fetcher := func(fctx context.Context, path string) (string, bool) {
		contents, readErr := e.sandbox.ReadFile(fctx, in.SessionID, path)
		if readErr != nil {
			return "", false
		}
		return contents, true
	}

	for iter := 0; iter < MaxValidateIterations && report.HasIssues(); iter++ {
		if in.stopRequested() {
			return report, runtimeErrs, ErrStopped
		}
		emit(proto.Message{Type: proto.MsgCodeReviewing, Payload: &proto.CodeReviewingPayload{
			StaticAnalysis: report,
			RuntimeErrors:  runtimeErrs,
			ClientErrors:   in.ClientErrors,
		}})

		fixRes, fixErr := fixer.FixProjectIssues(ctx, e.projectFiles(in, written), report.AllIssues(), fetcher)
		if fixErr != nil {
			return report, runtimeErrs, fixErr
		}
		if len(fixRes.ModifiedFiles) == 0 {
			break
		}
		for path, contents := range fixRes.ModifiedFiles {
			written[path] = contents
		}
		if err := e.writeFiles(ctx, in.SessionID, fixRes.ModifiedFiles, emit, true); err != nil {
			return report, runtimeErrs, err
		}

		report, err = e.sandbox.StaticAnalysis(ctx, in.SessionID)
		if err != nil {
			return proto.StaticAnalysisReport{}, runtimeErrs, fmt.Errorf("static analysis failed: %w", err)
		}
	}

	if in.Mode != proto.ModeSmart {
		return report, runtimeErrs, nil
	}

	for cycle := 0; cycle < MaxReviewCycles && report.HasIssues(); cycle++ {
		if in.stopRequested() {
			return report, runtimeErrs, ErrStopped
		}
		patched, patchErr := e.modelFixTurn(ctx, in, written, report)
		if patchErr != nil {
			e.logger.Warn("model fix turn failed: %v", patchErr)
			break
		}
		if len(patched) == 0 {
			break
		}
		for path, contents := range patched {
			written[path] = contents
		}
		if err := e.writeFiles(ctx, in.SessionID, patched, emit, true); err != nil {
			return report, runtimeErrs, err
		}

		report, err = e.sandbox.StaticAnalysis(ctx, in.SessionID)
		if err != nil {
			return proto.StaticAnalysisReport{}, runtimeErrs, fmt.Errorf("static analysis failed: %w", err)
		}
	}
	return report, runtimeErrs, nil
}

// CodeFixEdit is one literal search/replace the model proposes during a
// review cycle.
type CodeFixEdit struct {
	FilePath    string `json:"filePath"`
	Search      string `json:"search"`
	Replacement string `json:"replacement"`
}

// modelFixTurn asks the model for targeted edits against the remaining
// diagnostics and applies them as literal replacements. Edits against files
// outside the write policy, or whose search text is absent, are dropped.
func (e *Executor) modelFixTurn(ctx context.Context, in Input, written map[string]string, report proto.StaticAnalysisReport) (map[string]string, error) {
	type fixOut struct {
		Edits []CodeFixEdit `json:"edits"`
	}
	out, err := llm.GenerateObject[fixOut](ctx, e.client, llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(fixSystemPrompt),
			llm.UserMessage(buildFixPrompt(in, e.projectFiles(in, written), report)),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureDeterministic,
	}, nil)
	if err != nil {
		return nil, err
	}

	files := e.projectFiles(in, written)
	patched := make(map[string]string)
	for _, edit := range out.Edits {
		if edit.FilePath == "" || edit.Search == "" || !fixer.CanModifyFile(edit.FilePath) {
			continue
		}
		contents, ok := patched[edit.FilePath]
		if !ok {
			contents, ok = files[edit.FilePath]
		}
		if !ok || !strings.Contains(contents, edit.Search) {
			continue
		}
		patched[edit.FilePath] = strings.Replace(contents, edit.Search, edit.Replacement, 1)
	}
	return patched, nil
}

// projectFiles merges the persisted file map with this run's writes, the
// latter winning.
func (e *Executor) projectFiles(in Input, written map[string]string) map[string]string {
	out := make(map[string]string, len(in.Files)+len(written))
	for path, file := range in.Files {
		out[path] = file.Contents
	}
	for path, contents := range written {
		out[path] = contents
	}
	return out
}

func issueFiles(report proto.StaticAnalysisReport) []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range report.AllIssues() {
		if issue.FilePath == "" || seen[issue.FilePath] {
			continue
		}
		seen[issue.FilePath] = true
		out = append(out, issue.FilePath)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
