package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appforge/pkg/proto"
)

// ErrNotFound is returned when no persisted state exists for an agent id.
var ErrNotFound = errors.New("agent state not found")

// Store performs agent-state operations against the database.
type Store struct {
	db *sql.DB
}

// NewStore wraps a database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveAgentState upserts the full state snapshot for an agent.
func (s *Store) SaveAgentState(agentID string, state *proto.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		agentID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

// LoadAgentState returns the persisted state for an agent, or ErrNotFound.
func (s *Store) LoadAgentState(agentID string) (*proto.AgentState, error) {
	var data string
	err := s.db.QueryRow(`SELECT state_json FROM agents WHERE id = ?`, agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}

	var state proto.AgentState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent state: %w", err)
	}
	if state.GeneratedFilesMap == nil {
		state.GeneratedFilesMap = make(map[string]proto.GeneratedFile)
	}
	return &state, nil
}

// SetOwnerToken records the owner token used for WebSocket owner checks.
func (s *Store) SetOwnerToken(agentID, token string) error {
	res, err := s.db.Exec(`UPDATE agents SET owner_token = ? WHERE id = ?`, token, agentID)
	if err != nil {
		return fmt.Errorf("failed to set owner token: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// OwnerToken returns the owner token for an agent.
func (s *Store) OwnerToken(agentID string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT owner_token FROM agents WHERE id = ?`, agentID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load owner token: %w", err)
	}
	return token, nil
}

// ListAgentIDs returns all persisted agent ids, most recently updated first.
func (s *Store) ListAgentIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM agents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}
	return ids, nil
}

// DeleteAgentState removes an agent's persisted record.
func (s *Store) DeleteAgentState(agentID string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent state: %w", err)
	}
	return nil
}

// RecordDeployment appends a deployment record for an agent.
func (s *Store) RecordDeployment(agentID, kind, url string) error {
	_, err := s.db.Exec(`INSERT INTO deployments (agent_id, kind, url) VALUES (?, ?, ?)`,
		agentID, kind, url)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

// Deployment is one recorded deploy for an agent.
type Deployment struct {
	Kind      string
	URL       string
	CreatedAt time.Time
}

// Deployments returns an agent's deploy history, newest first.
func (s *Store) Deployments(agentID string) ([]Deployment, error) {
	rows, err := s.db.Query(
		`SELECT kind, url, created_at FROM deployments WHERE agent_id = ? ORDER BY created_at DESC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.Kind, &d.URL, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return out, nil
}
