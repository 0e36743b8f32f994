package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadConfig(dir))

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, ConfigSchemaVersion, cfg.SchemaVersion)
	assert.NotEmpty(t, cfg.Models)

	_, err = os.Stat(filepath.Join(dir, ".appforge", "config.json"))
	assert.NoError(t, err)
}

func TestLoadConfigRejectsBadSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".appforge"), 0o755))
	bad := `{"schema_version": 999, "models": [{"name":"m","provider":"anthropic"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".appforge", "config.json"), []byte(bad), 0o644))

	assert.Error(t, LoadConfig(dir))
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models = append(cfg.Models, ModelCfg{Name: "mystery", Provider: "acme"})
	assert.Error(t, validate(cfg))
}

func TestValidateRejectsDanglingPipelineModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.PhaseModel = "not-configured"
	assert.Error(t, validate(cfg))
}

func TestGetModel(t *testing.T) {
	SetConfigForTesting(DefaultConfig())

	m, err := GetModel(ModelClaudeSonnet)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, m.Provider)

	_, err = GetModel("nope")
	assert.Error(t, err)
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	SetSecret("ANTHROPIC_API_KEY", "sk-test-123")
	require.NoError(t, SaveSecrets(dir, "hunter2"))

	secretsMu.Lock()
	decryptedSecrets = nil
	secretsMu.Unlock()

	require.NoError(t, LoadSecrets(dir, "hunter2"))
	v, err := GetSecret("ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", v)
}

func TestLoadSecretsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	SetSecret("OPENAI_API_KEY", "sk-oops")
	require.NoError(t, SaveSecrets(dir, "correct"))

	assert.Error(t, LoadSecrets(dir, "wrong"))
}
