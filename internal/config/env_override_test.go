package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Keys(t *testing.T) {
	t.Run("GEMINI_API_KEY feeds embedding and generator", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.Embedding.GenAIAPIKey)
		assert.Equal(t, "gem-key", cfg.Generator.APIKey)
	})

	t.Run("GEMINI_API_KEY does not replace an explicit generator key", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{Generator: GeneratorConfig{APIKey: "explicit"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "explicit", cfg.Generator.APIKey)
	})

	t.Run("OPENAI_API_KEY", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENAI_API_KEY", "oa-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.Embedding.OpenAIAPIKey)
	})
}

func TestEnvOverrides_OllamaHost(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_HOST", "gpu-box:11434")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "http://gpu-box:11434", cfg.Embedding.OllamaEndpoint)
}

func TestEnvOverrides_ContextStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTEXT_STORE_PATH", "/var/lib/coach/store.json")
	t.Setenv("CONTEXT_SOURCE_DIR", "/srv/notes")
	t.Setenv("REFRESH_CONTEXT_ON_START", "TRUE")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/var/lib/coach/store.json", cfg.Retrieval.StorePath)
	assert.Equal(t, "/srv/notes", cfg.Retrieval.SourceDir)
	assert.True(t, cfg.Retrieval.RefreshOnStart)
}

func TestEnvOverrides_RefreshFalse(t *testing.T) {
	clearEnv(t)
	t.Setenv("REFRESH_CONTEXT_ON_START", "no")

	cfg := DefaultConfig()
	cfg.Retrieval.RefreshOnStart = true
	cfg.applyEnvOverrides()

	assert.False(t, cfg.Retrieval.RefreshOnStart)
}

func TestEnvOverrides_ServerAndDB(t *testing.T) {
	clearEnv(t)
	t.Setenv("CODECOACH_DB", "/tmp/s.db")
	t.Setenv("CODECOACH_ADDR", ":9000")
	t.Setenv("CODECOACH_EMBEDDING_PROVIDER", "openai")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/tmp/s.db", cfg.Session.DatabasePath)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
}
