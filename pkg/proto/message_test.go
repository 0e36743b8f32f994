package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalFlattensPayload(t *testing.T) {
	msg := NewFileChunkMsg("src/App.tsx", "export default")

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "file_chunk_generated", flat["type"])
	assert.Equal(t, "src/App.tsx", flat["filePath"])
	assert.Equal(t, "export default", flat["chunk"])
}

func TestParseCommand(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"deploy","instanceId":"inst-42"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgDeploy, msg.Type)

	payload, ok := msg.Payload.(*DeployCommandPayload)
	require.True(t, ok)
	assert.Equal(t, "inst-42", payload.InstanceID)
}

func TestParsePayloadlessCommand(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"generate_all"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgGenerateAll, msg.Type)
	assert.Nil(t, msg.Payload)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"filePath":"a.ts"}`))
	assert.Error(t, err)
}

func TestRoundTripUserMessage(t *testing.T) {
	original := Message{Type: MsgUserMessage, Payload: &UserMessagePayload{Message: "add dark mode"}}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	payload, ok := parsed.Payload.(*UserMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "add dark mode", payload.Message)
}

func TestIsLifecycle(t *testing.T) {
	assert.False(t, IsLifecycle(MsgFileChunkGenerated))
	assert.False(t, IsLifecycle(MsgServerLog))
	assert.True(t, IsLifecycle(MsgFileGenerated))
	assert.True(t, IsLifecycle(MsgPhaseImplemented))
	assert.True(t, IsLifecycle(MsgError))
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand(MsgGenerateAll))
	assert.True(t, IsCommand(MsgClientErrorReport))
	assert.False(t, IsCommand(MsgAgentState))
}

func TestAgentStateClone(t *testing.T) {
	state := NewAgentState()
	state.Query = "build a todo app"
	state.GeneratedFilesMap["src/App.tsx"] = GeneratedFile{Contents: "a", LastPhaseName: "p1"}
	state.GeneratedPhases = []PhaseConcept{{Name: "p1", Completed: true}}
	state.PendingUserInputs = []string{"make it blue"}

	clone := state.Clone()
	clone.GeneratedFilesMap["src/App.tsx"] = GeneratedFile{Contents: "b", LastPhaseName: "p2"}
	clone.GeneratedPhases[0].Completed = false
	clone.PendingUserInputs[0] = "make it red"

	assert.Equal(t, "a", state.GeneratedFilesMap["src/App.tsx"].Contents)
	assert.True(t, state.GeneratedPhases[0].Completed)
	assert.Equal(t, "make it blue", state.PendingUserInputs[0])
}

func TestRuntimeErrorDedupKey(t *testing.T) {
	a := RuntimeError{Message: "boom", Stack: "at App.tsx:1"}
	b := RuntimeError{Message: "boom", Stack: "at App.tsx:1"}
	c := RuntimeError{Message: "boom", Stack: "at Other.tsx:9"}

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
