package persistence

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestSaveAndLoadAgentState(t *testing.T) {
	store := openTestStore(t)

	state := proto.NewAgentState()
	state.Query = "build a kanban board"
	state.CurrentDevState = proto.StateImplementing
	state.ShouldBeGenerating = true
	state.GeneratedFilesMap["src/App.tsx"] = proto.GeneratedFile{Contents: "x", LastPhaseName: "core"}

	require.NoError(t, store.SaveAgentState("agent-1", state))

	loaded, err := store.LoadAgentState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "build a kanban board", loaded.Query)
	assert.Equal(t, proto.StateImplementing, loaded.CurrentDevState)
	assert.True(t, loaded.ShouldBeGenerating)
	assert.Equal(t, "x", loaded.GeneratedFilesMap["src/App.tsx"].Contents)
}

func TestSaveOverwrites(t *testing.T) {
	store := openTestStore(t)

	state := proto.NewAgentState()
	state.Query = "v1"
	require.NoError(t, store.SaveAgentState("agent-1", state))

	state.Query = "v2"
	require.NoError(t, store.SaveAgentState("agent-1", state))

	loaded, err := store.LoadAgentState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", loaded.Query)
}

func TestLoadMissingAgent(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LoadAgentState("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOwnerToken(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveAgentState("agent-1", proto.NewAgentState()))
	require.NoError(t, store.SetOwnerToken("agent-1", "tok-abc"))

	token, err := store.OwnerToken("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)

	err = store.SetOwnerToken("ghost", "tok")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAgentIDs(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveAgentState("a", proto.NewAgentState()))
	require.NoError(t, store.SaveAgentState("b", proto.NewAgentState()))

	ids, err := store.ListAgentIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDeployments(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveAgentState("agent-1", proto.NewAgentState()))
	require.NoError(t, store.RecordDeployment("agent-1", "preview", "https://p.example.dev"))
	require.NoError(t, store.RecordDeployment("agent-1", "permanent", "https://app.example.dev"))

	deploys, err := store.Deployments("agent-1")
	require.NoError(t, err)
	require.Len(t, deploys, 2)
}
