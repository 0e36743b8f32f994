package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/session"
	"appforge/pkg/llm"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
)

func newTestRegistry(t *testing.T) (*Registry, *persistence.Store) {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	r := New(session.Deps{
		Store:   store,
		Sandbox: sandbox.NewFake(),
		Client:  llm.NewMockClient(),
	})
	t.Cleanup(r.Close)
	return r, store
}

func seededState(query string) *proto.AgentState {
	state := proto.NewAgentState()
	state.Query = query
	state.SandboxSessionID = "session-1"
	state.LatestPreviewURL = "https://preview.fake.dev"
	state.PendingUserInputs = []string{"add dark mode"}
	state.ClientReportedErrs = []proto.RuntimeError{{Message: "boom"}}
	state.ShouldBeGenerating = false
	state.CurrentDevState = proto.StatePaused
	state.GeneratedFilesMap["src/App.tsx"] = proto.GeneratedFile{Contents: "code", LastPhaseName: "Scaffold"}
	state.Blueprint = &proto.Blueprint{
		Title:  "App",
		Phases: []proto.BlueprintPhase{{Name: "Scaffold", Files: []proto.FilePlan{{Path: "src/App.tsx", Purpose: "root"}}}},
	}
	return state
}

func TestGetReturnsSameInstance(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.Get("agent-1")
	require.NoError(t, err)
	b, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Count())

	_, err = r.Get("")
	require.Error(t, err)
}

func TestGetLoadsPersistedState(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.SaveAgentState("agent-1", seededState("habit tracker")))

	agent, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.True(t, agent.IsInitialized())
	assert.Equal(t, "habit tracker", agent.GetFullState().Query)
}

func TestCloneResetsTransientState(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.SaveAgentState("agent-1", seededState("habit tracker")))

	cloneID, clone, err := r.Clone("agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, cloneID)
	assert.NotEqual(t, "agent-1", cloneID)

	got := clone.GetFullState()
	assert.Equal(t, "habit tracker", got.Query)
	assert.Equal(t, "code", got.GeneratedFilesMap["src/App.tsx"].Contents)
	require.NotNil(t, got.Blueprint)

	assert.Empty(t, got.SandboxSessionID)
	assert.Empty(t, got.LatestPreviewURL)
	assert.Empty(t, got.PendingUserInputs)
	assert.Empty(t, got.ClientReportedErrs)
	assert.False(t, got.ShouldBeGenerating)
	assert.Equal(t, proto.StateIdle, got.CurrentDevState)

	// Clone state is persisted under the new id.
	persisted, err := store.LoadAgentState(cloneID)
	require.NoError(t, err)
	assert.Equal(t, "habit tracker", persisted.Query)
}

func TestCloneIsolation(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.SaveAgentState("agent-1", seededState("habit tracker")))

	source, err := r.Get("agent-1")
	require.NoError(t, err)
	_, clone, err := r.Clone("agent-1")
	require.NoError(t, err)

	// Mutating the clone's files must not leak into the source.
	mutated := clone.GetFullState()
	mutated.GeneratedFilesMap["src/App.tsx"] = proto.GeneratedFile{Contents: "changed", LastPhaseName: "Other"}
	require.NoError(t, clone.SetState(mutated))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "code", source.GetFullState().GeneratedFilesMap["src/App.tsx"].Contents)
	assert.Equal(t, "changed", clone.GetFullState().GeneratedFilesMap["src/App.tsx"].Contents)
}

func TestCloneRequiresInitializedSource(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, err := r.Clone("agent-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}
