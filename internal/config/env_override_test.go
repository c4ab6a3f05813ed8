package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Provider(t *testing.T) {
	t.Run("ANTHROPIC_API_KEY sets provider if empty", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "ant-key", cfg.Provider.AnthropicAPIKey)
		assert.Equal(t, "anthropic", cfg.Provider.Name)
	})

	t.Run("env key does not override existing provider name", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{Provider: ProviderConfig{Name: "openai"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "ant-key", cfg.Provider.AnthropicAPIKey)
		assert.Equal(t, "openai", cfg.Provider.Name)
	})

	t.Run("GEMINI_API_KEY also seeds embedding key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.Provider.GeminiAPIKey)
		assert.Equal(t, "gem-key", cfg.Embedding.APIKey)
	})

	t.Run("embedding key in config is not clobbered", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{Embedding: EmbeddingConfig{APIKey: "explicit"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "explicit", cfg.Embedding.APIKey)
	})
}

func TestEnvOverrides_Paths(t *testing.T) {
	t.Run("DOMAINOS_DATA_DIR overrides data dir", func(t *testing.T) {
		t.Setenv("DOMAINOS_DATA_DIR", "/tmp/alt-data")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/alt-data", cfg.DataDir)
		assert.Equal(t, "/tmp/alt-data", cfg.ResolveDataDir())
	})

	t.Run("DOMAINOS_DB overrides database path", func(t *testing.T) {
		t.Setenv("DOMAINOS_DB", "/tmp/alt.db")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/alt.db", cfg.Storage.DatabasePath)
		assert.Equal(t, "/tmp/alt.db", cfg.ResolveDatabasePath())
	})

	t.Run("DOMAINOS_INTAKE_PORT parses numeric port", func(t *testing.T) {
		t.Setenv("DOMAINOS_INTAKE_PORT", "5544")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, 5544, cfg.Intake.Port)
	})

	t.Run("garbage port is ignored", func(t *testing.T) {
		t.Setenv("DOMAINOS_INTAKE_PORT", "not-a-port")

		cfg := &Config{Intake: IntakeConfig{Port: 4823}}
		cfg.applyEnvOverrides()

		assert.Equal(t, 4823, cfg.Intake.Port)
	})
}
