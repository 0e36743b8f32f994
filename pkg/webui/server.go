// Package webui exposes the HTTP control plane: agent bootstrap with an
// NDJSON blueprint stream, the per-agent WebSocket feed, preview deploys,
// and the usual health/metrics endpoints.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appforge/internal/registry"
	"appforge/internal/session"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/logx"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/templates"
)

// WSHandshakeTimeout bounds the WebSocket upgrade handshake.
const WSHandshakeTimeout = 30 * time.Second

// Server is the HTTP/WebSocket front end over the agent registry.
type Server struct {
	registry *registry.Registry
	store    *persistence.Store
	catalog  *templates.Catalog
	logger   *logx.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the control-plane server. The catalog may be nil, in
// which case template names are passed to the sandbox unvalidated.
func NewServer(reg *registry.Registry, store *persistence.Store, catalog *templates.Catalog) *Server {
	return &Server{
		registry: reg,
		store:    store,
		catalog:  catalog,
		logger:   logx.NewLogger("webui"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: WSHandshakeTimeout,
			// Browser previews live on sandbox origins; ownership is
			// enforced by the owner token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agent", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agent/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/agent/{id}/connect", s.handleConnect)
	mux.HandleFunc("GET /api/agent/{id}/preview", s.handlePreview)
	mux.HandleFunc("GET /api/agent/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// StartServer runs the HTTP server until ctx is cancelled. Non-blocking.
func (s *Server) StartServer(ctx context.Context, host string, port int, useSSL bool, certFile, keyFile string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	if useSSL {
		s.logger.Info("starting control-plane server on %s (HTTPS)", addr)
	} else {
		s.logger.Info("starting control-plane server on %s (HTTP)", addr)
	}

	go func() {
		var err error
		if useSSL {
			err = server.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down control-plane server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}

// createAgentRequest is the POST /api/agent body.
type createAgentRequest struct {
	Query            string   `json:"query"`
	Language         string   `json:"language,omitempty"`
	Frameworks       []string `json:"frameworks,omitempty"`
	SelectedTemplate string   `json:"selectedTemplate,omitempty"`
	AgentMode        string   `json:"agentMode,omitempty"`
}

// createAgentResult is the final NDJSON object of the bootstrap stream.
type createAgentResult struct {
	AgentID       string                 `json:"agentId"`
	WebsocketURL  string                 `json:"websocketUrl"`
	HTTPStatusURL string                 `json:"httpStatusUrl"`
	Template      *proto.TemplateDetails `json:"template,omitempty"`
}

// handleCreateAgent implements POST /api/agent. The response is an NDJSON
// stream: blueprint chunks as they arrive, then the connection details.
// A quota denial before any chunk has been written becomes a plain 429.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	templateName := req.SelectedTemplate
	if s.catalog != nil {
		manifest, err := s.catalog.Resolve(req.SelectedTemplate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		templateName = manifest.Name
	}

	id := s.registry.NewID()
	agent, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "failed to create agent", http.StatusInternalServerError)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	streamed := false
	writeLine := func(v any) {
		if err := enc.Encode(v); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	var templateDetails *proto.TemplateDetails
	_, err = agent.Initialize(r.Context(), session.InitArgs{
		Query:            req.Query,
		AgentMode:        proto.AgentMode(req.AgentMode),
		Hostname:         r.Host,
		SelectedTemplate: templateName,
		Frameworks:       req.Frameworks,
		InferenceContext: inferenceContext(req),
		OnTemplateGenerated: func(details proto.TemplateDetails) {
			templateDetails = &details
		},
		OnBlueprintChunk: func(chunk string) {
			if !streamed {
				w.Header().Set("Content-Type", "application/x-ndjson")
				streamed = true
			}
			writeLine(map[string]string{"chunk": chunk})
		},
	})
	if err != nil {
		s.writeBootstrapError(w, id, err, streamed, writeLine)
		return
	}

	// The first transition persisted the agent row, so the token UPDATE
	// has something to land on.
	ownerToken := uuid.NewString()
	if err := s.store.SetOwnerToken(id, ownerToken); err != nil {
		s.logger.Error("failed to record owner token for %s: %v", id, err)
	}

	if !streamed {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	writeLine(createAgentResult{
		AgentID:       id,
		WebsocketURL:  s.websocketURL(r, id, ownerToken),
		HTTPStatusURL: s.statusURL(r, id),
		Template:      templateDetails,
	})
}

// writeBootstrapError maps an Initialize failure onto the response. Once the
// NDJSON stream has started the status line is gone, so errors after that
// point are emitted as stream objects.
func (s *Server) writeBootstrapError(w http.ResponseWriter, id string, err error, streamed bool, writeLine func(any)) {
	s.logger.Error("agent %s bootstrap failed: %v", id, err)
	if llmerrors.IsRateLimit(err) {
		msg := proto.NewRateLimitErrorMsg(llmerrors.RateLimitOf(err), err.Error())
		if streamed {
			writeLine(msg)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(msg)
		return
	}
	if streamed {
		writeLine(proto.NewErrorMsg(proto.MsgError, "bootstrap failed: "+err.Error()))
		return
	}
	http.Error(w, "bootstrap failed: "+err.Error(), http.StatusBadGateway)
}

// handleConnect implements GET /api/agent/{id}/connect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, ok := s.authorize(w, r, id)
	if !ok {
		return
	}
	if _, ok := s.liveAgent(w, id); !ok {
		return
	}
	s.writeJSON(w, map[string]string{
		"websocketUrl": s.websocketURL(r, id, token),
		"agentId":      id,
	})
}

// handlePreview implements GET /api/agent/{id}/preview.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.authorize(w, r, id); !ok {
		return
	}
	agent, ok := s.liveAgent(w, id)
	if !ok {
		return
	}

	result, err := agent.DeployToSandbox(r.Context())
	if err != nil {
		s.logger.Warn("preview deploy for %s failed: %v", id, err)
		http.Error(w, "preview deploy failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, result)
}

// handleSummary implements GET /api/agent/{id}/summary.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.authorize(w, r, id); !ok {
		return
	}
	agent, ok := s.liveAgent(w, id)
	if !ok {
		return
	}
	s.writeJSON(w, agent.GetSummary())
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"agents": s.registry.Count(),
	})
}

// authorize checks the caller's owner token for the agent. An agent with no
// recorded token (created out of band) is open. Returns the token presented.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, id string) (string, bool) {
	expected, err := s.store.OwnerToken(id)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "authorization check failed", http.StatusInternalServerError)
		return "", false
	}
	presented := bearerToken(r)
	if expected == "" {
		return presented, true
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		s.logger.Warn("rejected request for agent %s from %s: bad owner token", id, r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return presented, true
}

// bearerToken extracts the owner token from the Authorization header or the
// token query parameter (WebSocket dials cannot always set headers).
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// liveAgent resolves an agent id to a live, initialized instance.
func (s *Server) liveAgent(w http.ResponseWriter, id string) (*session.Agent, bool) {
	agent, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if !agent.IsInitialized() {
		http.Error(w, "agent not found", http.StatusNotFound)
		return nil, false
	}
	return agent, true
}

func (s *Server) websocketURL(r *http.Request, id, token string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/agent/%s/ws?token=%s", scheme, r.Host, id, token)
}

func (s *Server) statusURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/agent/%s/connect", scheme, r.Host, id)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response: %v", err)
	}
}

// inferenceContext carries request hints the models should see.
func inferenceContext(req createAgentRequest) map[string]string {
	ctx := make(map[string]string)
	if req.Language != "" {
		ctx["language"] = req.Language
	}
	if len(req.Frameworks) > 0 {
		ctx["frameworks"] = strings.Join(req.Frameworks, ", ")
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}
