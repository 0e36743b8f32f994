package phase

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/proto"
)

const blueprintSystemPrompt = `You are planning a small web application that will be generated phase by phase.
Respond with JSON matching:
{"title": "...", "description": "...", "frameworks": ["..."],
 "phases": [{"name": "...", "description": "...", "files": [{"path": "...", "purpose": "..."}]}]}
Keep phases small and ordered so each one leaves the app runnable. 2-6 phases, each with 1-6 files.`

// BlueprintRequest describes what to plan.
type BlueprintRequest struct {
	Query            string
	Frameworks       []string
	Template         proto.TemplateDetails
	InferenceContext map[string]string
}

// GenerateBlueprint produces the structured plan for a new app, streaming raw
// model output to onChunk so the HTTP layer can relay progress.
func GenerateBlueprint(ctx context.Context, client llm.Client, req BlueprintRequest, onChunk llm.ChunkFunc) (*proto.Blueprint, error) {
	bp, err := llm.GenerateObject[proto.Blueprint](ctx, client, llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(blueprintSystemPrompt),
			llm.UserMessage(buildBlueprintPrompt(req)),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureDefault,
	}, onChunk)
	if err != nil {
		return nil, err
	}
	if err := validateBlueprint(&bp); err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, err, "model produced an unusable blueprint")
	}
	return &bp, nil
}

func buildBlueprintPrompt(req BlueprintRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build: %s\n", req.Query)
	if len(req.Frameworks) > 0 {
		fmt.Fprintf(&sb, "Requested frameworks: %s\n", strings.Join(req.Frameworks, ", "))
	}
	if req.Template.Name != "" {
		fmt.Fprintf(&sb, "\nStarting from template %q with these seed files:\n", req.Template.Name)
		for _, f := range req.Template.Files {
			fmt.Fprintf(&sb, "- %s\n", f.Path)
		}
	}
	if len(req.InferenceContext) > 0 {
		sb.WriteString("\nAdditional context:\n")
		keys := make([]string, 0, len(req.InferenceContext))
		for k := range req.InferenceContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, req.InferenceContext[k])
		}
	}
	return sb.String()
}

func validateBlueprint(bp *proto.Blueprint) error {
	if bp.Title == "" {
		return fmt.Errorf("blueprint has no title")
	}
	if len(bp.Phases) == 0 {
		return fmt.Errorf("blueprint has no phases")
	}
	if len(bp.Phases) > MaxPhases {
		return fmt.Errorf("blueprint has %d phases, limit is %d", len(bp.Phases), MaxPhases)
	}
	for i, phase := range bp.Phases {
		if phase.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if len(phase.Files) == 0 {
			return fmt.Errorf("phase %q plans no files", phase.Name)
		}
	}
	return nil
}
