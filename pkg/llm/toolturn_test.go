package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/tools"
)

func TestRunToolTurnDispatchesEditApp(t *testing.T) {
	var queued []string
	registry := tools.NewRegistry()
	registry.Register(tools.NewEditAppTool(func(req string) { queued = append(queued, req) }))

	mock := NewMockClient(MockReply{Response: Response{
		Content: "Queuing that change now.",
		ToolCalls: []ToolCall{{
			ID:         "call_1",
			Name:       "edit_app",
			Parameters: map[string]any{"modificationRequest": "make the header blue"},
		}},
	}})

	turn, err := RunToolTurn(context.Background(), mock, registry, NewRequest(UserMessage("make the header blue")))
	require.NoError(t, err)
	require.Len(t, turn.Results, 1)
	assert.NoError(t, turn.Results[0].Err)
	assert.Equal(t, []string{"make the header blue"}, queued)

	// Tool definitions must have been attached to the request.
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "edit_app", reqs[0].Tools[0].Name)
}

func TestRunToolTurnUnknownTool(t *testing.T) {
	registry := tools.NewRegistry()
	mock := NewMockClient(MockReply{Response: Response{
		ToolCalls: []ToolCall{{ID: "x", Name: "launch_rocket", Parameters: map[string]any{}}},
	}})

	turn, err := RunToolTurn(context.Background(), mock, registry, NewRequest(UserMessage("go")))
	require.NoError(t, err)
	require.Len(t, turn.Results, 1)
	assert.Error(t, turn.Results[0].Err)
}
