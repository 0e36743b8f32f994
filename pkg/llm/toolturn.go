package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"appforge/pkg/tools"
)

// ToolResult pairs an executed tool call with its outcome.
type ToolResult struct {
	Call   ToolCall
	Result any
	Err    error
}

// ToolTurn is the outcome of one model turn with tools attached.
type ToolTurn struct {
	Response Response
	Results  []ToolResult
}

// RunToolTurn runs a single completion with the registry's tools attached
// and dispatches every tool call the model made. Tools run once, in the
// order the model emitted them; there is no follow-up turn, so tools whose
// effects matter should queue work rather than expect a continued dialogue.
func RunToolTurn(ctx context.Context, client Client, registry *tools.Registry, in Request) (ToolTurn, error) {
	in.Tools = registry.Definitions()
	if in.ToolChoice == "" {
		in.ToolChoice = "auto"
	}

	resp, err := client.Complete(ctx, in)
	if err != nil {
		return ToolTurn{}, err
	}

	turn := ToolTurn{Response: resp}
	for _, call := range resp.ToolCalls {
		tool, err := registry.Get(call.Name)
		if err != nil {
			turn.Results = append(turn.Results, ToolResult{Call: call, Err: err})
			continue
		}
		result, err := tool.Exec(ctx, call.Parameters)
		turn.Results = append(turn.Results, ToolResult{Call: call, Result: result, Err: err})
	}
	return turn, nil
}

// FormatToolResult renders a tool result as the text block a follow-up
// prompt would include.
func FormatToolResult(res ToolResult) string {
	if res.Err != nil {
		return fmt.Sprintf("tool %s failed: %v", res.Call.Name, res.Err)
	}
	data, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Sprintf("tool %s returned unserializable result", res.Call.Name)
	}
	return fmt.Sprintf("tool %s returned: %s", res.Call.Name, data)
}
