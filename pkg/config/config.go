// Package config provides configuration loading, validation, and management
// for the generation service.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig returns the config BY VALUE to prevent external mutation;
// updates go through the Update* functions, which validate and persist
// atomically. State (deploy history, preview URLs) belongs in the database,
// never in config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"appforge/pkg/logx"
)

// ConfigSchemaVersion guards against loading config written by an
// incompatible release.
const ConfigSchemaVersion = 2

// Model name constants for the models this service is tuned for.
const (
	ModelClaudeSonnet  = "claude-sonnet-4-5"
	ModelClaudeHaiku   = "claude-haiku-4-5"
	ModelGPT5Mini      = "gpt-5-mini"
	ModelGeminiFlash   = "gemini-2.5-flash"
	ModelOllamaQwen    = "qwen3-coder"
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderOllama     = "ollama"
)

// ModelCfg describes one configured model and its limits.
type ModelCfg struct {
	Name           string  `json:"name"`
	Provider       string  `json:"provider"`
	MaxTPM         int     `json:"max_tpm"`          // tokens per minute
	DailyBudget    float64 `json:"daily_budget_usd"` // 0 = unlimited
	MaxConnections int     `json:"max_connections"`
	InputCostPerM  float64 `json:"input_cost_per_mtok"`
	OutputCostPerM float64 `json:"output_cost_per_mtok"`
}

// PipelineConfig selects models for each stage of the generation pipeline.
type PipelineConfig struct {
	BlueprintModel    string `json:"blueprint_model"`
	PhaseModel        string `json:"phase_model"`
	FixModel          string `json:"fix_model"`
	ConversationModel string `json:"conversation_model"`
}

// SandboxConfig points at the sandbox runner service.
type SandboxConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket control plane.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	SSL  bool   `json:"ssl"`
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
}

// TemplatesConfig locates the template catalog.
type TemplatesConfig struct {
	Dir string `json:"dir"`
}

// Config is the root configuration object persisted to
// .appforge/config.json.
type Config struct {
	SchemaVersion int             `json:"schema_version"`
	Server        ServerConfig    `json:"server"`
	Models        []ModelCfg      `json:"models"`
	Pipeline      PipelineConfig  `json:"pipeline"`
	Sandbox       SandboxConfig   `json:"sandbox"`
	Templates     TemplatesConfig `json:"templates"`
}

//nolint:gochecknoglobals // Intentional singleton guarded by mutex
var (
	globalConfig *Config
	configMu     sync.RWMutex
	configDir    string
	logger       = logx.NewLogger("config")
)

// DefaultConfig returns a config with sensible defaults for local runs.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: ConfigSchemaVersion,
		Server:        ServerConfig{Host: "127.0.0.1", Port: 8090},
		Models: []ModelCfg{
			{Name: ModelClaudeSonnet, Provider: ProviderAnthropic, MaxTPM: 400000, MaxConnections: 8, InputCostPerM: 3.0, OutputCostPerM: 15.0},
			{Name: ModelClaudeHaiku, Provider: ProviderAnthropic, MaxTPM: 400000, MaxConnections: 8, InputCostPerM: 1.0, OutputCostPerM: 5.0},
			{Name: ModelGPT5Mini, Provider: ProviderOpenAI, MaxTPM: 400000, MaxConnections: 8, InputCostPerM: 0.25, OutputCostPerM: 2.0},
			{Name: ModelGeminiFlash, Provider: ProviderGoogle, MaxTPM: 400000, MaxConnections: 8, InputCostPerM: 0.3, OutputCostPerM: 2.5},
			{Name: ModelOllamaQwen, Provider: ProviderOllama, MaxTPM: 0, MaxConnections: 2},
		},
		Pipeline: PipelineConfig{
			BlueprintModel:    ModelClaudeSonnet,
			PhaseModel:        ModelClaudeSonnet,
			FixModel:          ModelClaudeHaiku,
			ConversationModel: ModelClaudeHaiku,
		},
		Sandbox:   SandboxConfig{BaseURL: "http://127.0.0.1:8787"},
		Templates: TemplatesConfig{Dir: "templates"},
	}
}

// LoadConfig loads configuration from projectDir/.appforge/config.json,
// creating a default file if none exists. Must be called once at startup.
func LoadConfig(projectDir string) error {
	configMu.Lock()
	defer configMu.Unlock()

	configDir = projectDir
	path := configPath(projectDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := saveLocked(cfg, projectDir); err != nil {
			return err
		}
		globalConfig = cfg
		logger.Info("Created default config: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.SchemaVersion != ConfigSchemaVersion {
		return fmt.Errorf("config schema version %d is not supported (want %d)", cfg.SchemaVersion, ConfigSchemaVersion)
	}
	if err := validate(&cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	applyEnvOverrides(&cfg)
	globalConfig = &cfg
	logger.Info("Loaded config: %s (%d models)", path, len(cfg.Models))
	return nil
}

// GetConfig returns the current config by value.
func GetConfig() (Config, error) {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		return Config{}, fmt.Errorf("config not loaded: call config.LoadConfig first")
	}
	return *globalConfig, nil
}

// SetConfigForTesting installs a config without touching disk.
func SetConfigForTesting(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = cfg
}

// GetModel looks up a configured model by name.
func GetModel(name string) (ModelCfg, error) {
	cfg, err := GetConfig()
	if err != nil {
		return ModelCfg{}, err
	}
	for i := range cfg.Models {
		if cfg.Models[i].Name == name {
			return cfg.Models[i], nil
		}
	}
	return ModelCfg{}, fmt.Errorf("model %s not configured", name)
}

// UpdatePipeline atomically replaces the pipeline model selection.
func UpdatePipeline(pipeline *PipelineConfig) error {
	configMu.Lock()
	defer configMu.Unlock()
	if globalConfig == nil {
		return fmt.Errorf("config not loaded")
	}

	updated := *globalConfig
	updated.Pipeline = *pipeline
	if err := validate(&updated); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if err := saveLocked(&updated, configDir); err != nil {
		return err
	}
	globalConfig = &updated
	return nil
}

// UpdateSandbox atomically replaces the sandbox runner settings.
func UpdateSandbox(sandbox *SandboxConfig) error {
	configMu.Lock()
	defer configMu.Unlock()
	if globalConfig == nil {
		return fmt.Errorf("config not loaded")
	}

	updated := *globalConfig
	updated.Sandbox = *sandbox
	if updated.Sandbox.BaseURL == "" {
		return fmt.Errorf("sandbox base_url is required")
	}
	if err := saveLocked(&updated, configDir); err != nil {
		return err
	}
	globalConfig = &updated
	return nil
}

func validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	names := make(map[string]bool, len(cfg.Models))
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.Name == "" {
			return fmt.Errorf("model %d has no name", i)
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate model name: %s", m.Name)
		}
		names[m.Name] = true
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		default:
			return fmt.Errorf("model %s has unknown provider %q", m.Name, m.Provider)
		}
	}
	for _, selected := range []string{
		cfg.Pipeline.BlueprintModel, cfg.Pipeline.PhaseModel,
		cfg.Pipeline.FixModel, cfg.Pipeline.ConversationModel,
	} {
		if selected != "" && !names[selected] {
			return fmt.Errorf("pipeline references unconfigured model %q", selected)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPFORGE_SANDBOX_URL"); v != "" {
		cfg.Sandbox.BaseURL = v
	}
	if v := os.Getenv("APPFORGE_TEMPLATES_DIR"); v != "" {
		cfg.Templates.Dir = v
	}
}

func configPath(projectDir string) string {
	return filepath.Join(projectDir, ".appforge", "config.json")
}

func saveLocked(cfg *Config, projectDir string) error {
	dir := filepath.Join(projectDir, ".appforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := configPath(projectDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, configPath(projectDir)); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
