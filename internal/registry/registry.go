// Package registry maps agent ids to their single live instance.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"appforge/internal/session"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// Registry owns agent lifecycles: at most one live *session.Agent per id.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*session.Agent
	deps   session.Deps
	logger *logx.Logger
}

// New creates an empty registry. Agents are created lazily by Get.
func New(deps session.Deps) *Registry {
	return &Registry{
		agents: make(map[string]*session.Agent),
		deps:   deps,
		logger: logx.NewLogger("registry"),
	}
}

// NewID mints a fresh agent id.
func (r *Registry) NewID() string {
	return uuid.NewString()
}

// Get returns the live agent for id, creating it (and loading any persisted
// state, auto-resuming if it was mid-generation) on first access.
func (r *Registry) Get(id string) (*session.Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		return agent, nil
	}

	agent, err := session.New(id, r.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent %s: %w", id, err)
	}
	r.agents[id] = agent
	return agent, nil
}

// Clone forks an agent: a new id with a deep copy of the source state, minus
// the sandbox session and other transient fields. The clone starts paused.
func (r *Registry) Clone(sourceID string) (string, *session.Agent, error) {
	source, err := r.Get(sourceID)
	if err != nil {
		return "", nil, err
	}
	if !source.IsInitialized() {
		return "", nil, fmt.Errorf("agent %s is not initialized", sourceID)
	}

	state := source.GetFullState()
	resetTransient(state)

	newID := r.NewID()
	clone, err := r.Get(newID)
	if err != nil {
		return "", nil, err
	}
	if err := clone.SetState(state); err != nil {
		return "", nil, fmt.Errorf("failed to seed clone %s: %w", newID, err)
	}
	r.logger.Info("cloned agent %s -> %s", sourceID, newID)
	return newID, clone, nil
}

// resetTransient clears everything tied to the source's live sandbox and
// in-flight work.
func resetTransient(state *proto.AgentState) {
	state.SandboxSessionID = ""
	state.LatestPreviewURL = ""
	state.PendingUserInputs = nil
	state.ClientReportedErrs = nil
	state.ShouldBeGenerating = false
	state.CurrentDevState = proto.StateIdle
	state.TerminalError = ""
	state.RedeployReady = true
}

// Count reports how many agents are live.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Close stops every live agent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, agent := range r.agents {
		agent.Close()
		delete(r.agents, id)
	}
}
