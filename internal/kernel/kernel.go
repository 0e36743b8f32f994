// Package kernel wires the shared infrastructure for the service: config,
// database, quota limiter, metrics, inference clients, the sandbox client,
// the template catalog, the agent registry and the HTTP control plane.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"appforge/internal/registry"
	"appforge/internal/session"
	"appforge/pkg/config"
	"appforge/pkg/limiter"
	"appforge/pkg/llm"
	"appforge/pkg/llm/factory"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/sandbox"
	"appforge/pkg/templates"
	"appforge/pkg/webui"
)

// Kernel owns the process-wide services and their lifecycle.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Database  *sql.DB
	Store     *persistence.Store
	Limiter   *limiter.Limiter
	Recorder  *metrics.Recorder
	Factory   *factory.Factory
	Sandbox   sandbox.Client
	Catalog   *templates.Catalog
	Registry  *registry.Registry
	WebServer *webui.Server

	projectDir string
	running    bool
}

// Prometheus collectors register with the process-global registry; a second
// recorder would panic on duplicate registration.
var (
	recorderOnce   sync.Once
	sharedRecorder *metrics.Recorder
)

func processRecorder() *metrics.Recorder {
	recorderOnce.Do(func() {
		sharedRecorder = metrics.NewRecorder()
	})
	return sharedRecorder
}

// NewKernel creates the kernel and all its services. Config must already be
// loaded (or installed for testing) before calling.
func NewKernel(parent context.Context, cfg *config.Config, projectDir string) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		projectDir: projectDir,
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	if err := k.initializeDatabase(); err != nil {
		return err
	}
	k.Store = persistence.NewStore(k.Database)

	k.Limiter = limiter.NewLimiter(k.Config)
	k.Recorder = processRecorder()

	var err error
	k.Factory, err = factory.New(k.Limiter, k.Recorder)
	if err != nil {
		return fmt.Errorf("failed to create client factory: %w", err)
	}

	client, err := k.pipelineClient()
	if err != nil {
		return err
	}

	k.Sandbox = sandbox.NewHTTPClient(k.Config.Sandbox.BaseURL).WithToken(k.Config.Sandbox.Token)
	k.loadCatalog()

	k.Registry = registry.New(session.Deps{
		Store:    k.Store,
		Sandbox:  k.Sandbox,
		Client:   client,
		Recorder: k.Recorder,
	})
	k.WebServer = webui.NewServer(k.Registry, k.Store, k.Catalog)

	k.Logger.Info("kernel services initialized")
	return nil
}

// pipelineClient builds the inference client every agent shares. The phase
// model carries the bulk of the work, so its limits govern the pipeline.
func (k *Kernel) pipelineClient() (llm.Client, error) {
	client, err := k.Factory.ClientForModel(k.Config.Pipeline.PhaseModel, "pipeline")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline client: %w", err)
	}
	return client, nil
}

func (k *Kernel) initializeDatabase() error {
	stateDir := filepath.Join(k.projectDir, ".appforge")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "appforge.db")
	var err error
	k.Database, err = persistence.InitializeDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	k.Logger.Info("database initialized: %s", dbPath)
	return nil
}

// loadCatalog loads the template catalog. A missing catalog is not fatal:
// template names are then passed to the sandbox unvalidated.
func (k *Kernel) loadCatalog() {
	dir := k.Config.Templates.Dir
	if dir == "" {
		return
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(k.projectDir, dir)
	}

	catalog, err := templates.Load(dir)
	if err != nil {
		k.Logger.Warn("template catalog unavailable (%v), template validation disabled", err)
		return
	}
	k.Catalog = catalog
}

// Start brings up the HTTP control plane.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	srv := k.Config.Server
	if err := k.WebServer.StartServer(k.ctx, srv.Host, srv.Port, srv.SSL, srv.Cert, srv.Key); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	k.running = true
	k.Logger.Info("kernel started on %s:%d", srv.Host, srv.Port)
	return nil
}

// Stop shuts the kernel down. Agents are closed first so their final state
// lands in the database before it closes.
func (k *Kernel) Stop() error {
	k.Logger.Info("stopping kernel services")

	if k.Registry != nil {
		k.Registry.Close()
	}

	// The web server notices context cancellation and drains.
	k.cancel()

	if k.Limiter != nil {
		k.Limiter.Stop()
	}
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Error("error closing database: %v", err)
		}
	}

	k.running = false
	k.Logger.Info("kernel services stopped")
	return nil
}

// ProjectDir returns the project directory path.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}
