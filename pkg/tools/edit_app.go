package tools

import (
	"context"
	"fmt"
	"strings"
)

// EditAppTool lets the conversation model enqueue a modification request onto
// the owning agent's pending inputs. The request is applied at the next phase
// boundary, never mid-phase.
type EditAppTool struct {
	enqueue func(modificationRequest string)
}

// NewEditAppTool creates the edit_app tool with the given enqueue callback.
func NewEditAppTool(enqueue func(string)) *EditAppTool {
	return &EditAppTool{enqueue: enqueue}
}

// Definition implements Tool.
func (t *EditAppTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        "edit_app",
		Description: "Queue a modification to the generated application. The change is applied at the next phase boundary.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"modificationRequest": {
					Type:        "string",
					Description: "Plain-language description of the requested change",
				},
			},
			Required: []string{"modificationRequest"},
		},
	}
}

// Exec implements Tool.
func (t *EditAppTool) Exec(_ context.Context, args map[string]any) (any, error) {
	raw, ok := args["modificationRequest"]
	if !ok {
		return nil, fmt.Errorf("edit_app requires modificationRequest")
	}
	request, ok := raw.(string)
	if !ok || strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("modificationRequest must be a non-empty string")
	}

	t.enqueue(request)
	return map[string]any{
		"queued":  true,
		"message": "Modification queued; it will be applied at the next phase boundary.",
	}, nil
}
