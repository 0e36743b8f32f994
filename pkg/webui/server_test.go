package webui

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/registry"
	"appforge/internal/session"
	"appforge/pkg/llm"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/persistence"
	"appforge/pkg/sandbox"
	"appforge/pkg/templates"
)

const testBlueprintJSON = `{
	"title": "Habit Tracker",
	"description": "Track daily habits.",
	"frameworks": ["react"],
	"phases": [
		{"name": "Scaffold", "description": "layout", "files": [{"path": "src/pages/Home.tsx", "purpose": "landing page"}]}
	]
}`

type testEnv struct {
	server   *httptest.Server
	registry *registry.Registry
	store    *persistence.Store
}

func newTestEnv(t *testing.T, catalog *templates.Catalog, script ...llm.MockReply) *testEnv {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	reg := registry.New(session.Deps{
		Store:   store,
		Sandbox: sandbox.NewFake(),
		Client:  llm.NewMockClient(script...),
	})
	t.Cleanup(reg.Close)

	mux := http.NewServeMux()
	NewServer(reg, store, catalog).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, registry: reg, store: store}
}

// createAgent posts a bootstrap request and splits the NDJSON stream into
// chunk lines and the final connection object.
func (e *testEnv) createAgent(t *testing.T, query string) (chunks []string, result createAgentResult) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"query": query, "agentMode": "deterministic"})
	resp, err := http.Post(e.server.URL+"/api/agent", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		var chunk struct {
			Chunk string `json:"chunk"`
		}
		if json.Unmarshal(line, &chunk) == nil && chunk.Chunk != "" {
			chunks = append(chunks, chunk.Chunk)
			continue
		}
		require.NoError(t, json.Unmarshal(line, &result))
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, result.AgentID, "stream must end with the connection object")
	return chunks, result
}

func ownerTokenOf(t *testing.T, wsURL string) string {
	t.Helper()
	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

func (e *testEnv) waitForCompletion(t *testing.T, agentID string) {
	t.Helper()
	agent, err := e.registry.Get(agentID)
	require.NoError(t, err)
	waitUntil(t, func() bool { return agent.GetFullState().CompletedGeneration }, "generation completes")
}

func TestCreateAgentStreamsBlueprint(t *testing.T) {
	env := newTestEnv(t, nil,
		llm.MockText(testBlueprintJSON),
		llm.MockText("export const Home = () => null;\n"),
	)

	chunks, result := env.createAgent(t, "build a habit tracker")
	assert.NotEmpty(t, chunks)
	assert.Contains(t, result.WebsocketURL, "/api/agent/"+result.AgentID+"/ws?token=")
	assert.Contains(t, result.HTTPStatusURL, "/api/agent/"+result.AgentID+"/connect")
	require.NotNil(t, result.Template)
	assert.Equal(t, "vite-react", result.Template.Name)

	token, err := env.store.OwnerToken(result.AgentID)
	require.NoError(t, err)
	assert.Equal(t, token, ownerTokenOf(t, result.WebsocketURL))
}

func TestCreateAgentRejectsEmptyQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Post(env.server.URL+"/api/agent", "application/json",
		strings.NewReader(`{"query": "  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAgentQuotaDenied(t *testing.T) {
	env := newTestEnv(t, nil, llm.MockError(llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{
		LimitType: "tokens",
		Limit:     50000,
		Period:    "minute",
	}, "token rate limit exceeded")))

	resp, err := http.Post(env.server.URL+"/api/agent", "application/json",
		strings.NewReader(`{"query": "build a habit tracker"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body struct {
		Type  string `json:"type"`
		Error struct {
			LimitType string `json:"limitType"`
			Limit     int    `json:"limit"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rate_limit_error", body.Type)
	assert.Equal(t, "tokens", body.Error.LimitType)
	assert.Equal(t, 50000, body.Error.Limit)
}

func TestCreateAgentRejectsUnknownTemplate(t *testing.T) {
	dir := t.TempDir()
	manifest := "name: vite-react\nfiles:\n  - path: src/App.tsx\n    contents: x\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vite-react.yaml"), []byte(manifest), 0o644))
	catalog, err := templates.Load(dir)
	require.NoError(t, err)

	env := newTestEnv(t, catalog)
	resp, err := http.Post(env.server.URL+"/api/agent", "application/json",
		strings.NewReader(`{"query": "app", "selectedTemplate": "no-such-template"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectRequiresOwnerToken(t *testing.T) {
	env := newTestEnv(t, nil,
		llm.MockText(testBlueprintJSON),
		llm.MockText("export const Home = () => null;\n"),
	)
	_, result := env.createAgent(t, "build a habit tracker")
	token := ownerTokenOf(t, result.WebsocketURL)

	resp, err := http.Get(env.server.URL + "/api/agent/" + result.AgentID + "/connect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/agent/"+result.AgentID+"/connect", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, result.AgentID, body["agentId"])
	assert.Contains(t, body["websocketUrl"], "/api/agent/"+result.AgentID+"/ws")
}

func TestConnectUnknownAgentReturns404(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/api/agent/no-such-agent/connect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewDeploys(t *testing.T) {
	env := newTestEnv(t, nil,
		llm.MockText(testBlueprintJSON),
		llm.MockText("export const Home = () => null;\n"),
	)
	_, result := env.createAgent(t, "build a habit tracker")
	env.waitForCompletion(t, result.AgentID)
	token := ownerTokenOf(t, result.WebsocketURL)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/agent/"+result.AgentID+"/preview", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var deploy session.DeployResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deploy))
	assert.Equal(t, "https://preview.fake.dev", deploy.PreviewURL)
}

func TestWebSocketSnapshotAndCommands(t *testing.T) {
	env := newTestEnv(t, nil,
		llm.MockText(testBlueprintJSON),
		llm.MockText("export const Home = () => null;\n"),
	)
	_, result := env.createAgent(t, "build a habit tracker")
	env.waitForCompletion(t, result.AgentID)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/agent/" + result.AgentID + "/ws?token=" + ownerTokenOf(t, result.WebsocketURL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readType := func() string {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		return head.Type
	}
	readUntil := func(want string) {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if readType() == want {
				return
			}
		}
		t.Fatalf("never received %s", want)
	}

	// Snapshot always comes first.
	require.Equal(t, "cf_agent_state", readType())

	// A malformed frame is answered with an error, not a disconnect.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	readUntil("error")

	// A non-command message type is rejected the same way.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"file_generated"}`)))
	readUntil("error")

	// Commands are dispatched to the agent.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop_generation"}`)))
	readUntil("generation_stopped")
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil,
		llm.MockText(testBlueprintJSON),
		llm.MockText("export const Home = () => null;\n"),
	)
	_, result := env.createAgent(t, "build a habit tracker")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/agent/" + result.AgentID + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
