package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/config"
)

// testConfig uses the Ollama provider so no API keys are needed to build
// clients.
func testConfig() *config.Config {
	return &config.Config{
		SchemaVersion: config.ConfigSchemaVersion,
		Server:        config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Models: []config.ModelCfg{
			{Name: config.ModelOllamaQwen, Provider: config.ProviderOllama, MaxTPM: 0, MaxConnections: 2},
		},
		Pipeline: config.PipelineConfig{
			BlueprintModel:    config.ModelOllamaQwen,
			PhaseModel:        config.ModelOllamaQwen,
			FixModel:          config.ModelOllamaQwen,
			ConversationModel: config.ModelOllamaQwen,
		},
		Sandbox: config.SandboxConfig{BaseURL: "http://127.0.0.1:8787"},
	}
}

func newTestKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	config.SetConfigForTesting(cfg)

	k, err := NewKernel(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewKernelInitializesServices(t *testing.T) {
	k := newTestKernel(t, testConfig())

	assert.NotNil(t, k.Database)
	assert.NotNil(t, k.Store)
	assert.NotNil(t, k.Limiter)
	assert.NotNil(t, k.Recorder)
	assert.NotNil(t, k.Factory)
	assert.NotNil(t, k.Sandbox)
	assert.NotNil(t, k.Registry)
	assert.NotNil(t, k.WebServer)
	assert.Nil(t, k.Catalog, "no template dir configured")

	_, err := os.Stat(filepath.Join(k.ProjectDir(), ".appforge", "appforge.db"))
	assert.NoError(t, err)
}

func TestKernelLoadsCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.Templates.Dir = "templates"
	config.SetConfigForTesting(cfg)

	projectDir := t.TempDir()
	templateDir := filepath.Join(projectDir, "templates")
	require.NoError(t, os.MkdirAll(templateDir, 0o755))
	manifest := "name: vite-react\ndefault: true\nfiles:\n  - path: src/App.tsx\n    contents: x\n"
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "vite-react.yaml"), []byte(manifest), 0o644))

	k, err := NewKernel(context.Background(), cfg, projectDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })

	require.NotNil(t, k.Catalog)
	assert.Equal(t, "vite-react", k.Catalog.DefaultName())
}

func TestKernelMissingCatalogIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Templates.Dir = "no-such-dir"
	k := newTestKernel(t, cfg)
	assert.Nil(t, k.Catalog)
}

func TestKernelStartLifecycle(t *testing.T) {
	k := newTestKernel(t, testConfig())

	require.NoError(t, k.Start())
	err := k.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, k.Stop())
}

func TestKernelStopClosesAgents(t *testing.T) {
	k := newTestKernel(t, testConfig())

	_, err := k.Registry.Get("agent-1")
	require.NoError(t, err)
	require.Equal(t, 1, k.Registry.Count())

	require.NoError(t, k.Stop())
	assert.Equal(t, 0, k.Registry.Count())
}
