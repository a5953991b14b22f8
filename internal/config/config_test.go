package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULTS, LOAD, SAVE
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GEMINI_API_KEY", "OPENAI_API_KEY", "OLLAMA_HOST", "CODECOACH_EMBEDDING_PROVIDER",
		"CONTEXT_STORE_PATH", "CONTEXT_SOURCE_DIR", "REFRESH_CONTEXT_ON_START",
		"CODECOACH_DB", "CODECOACH_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1200, cfg.Retrieval.ChunkSize)
	assert.Equal(t, 150, cfg.Retrieval.ChunkOverlap)
	assert.Equal(t, 4, cfg.Retrieval.TopK)
	assert.Equal(t, 20000, cfg.Retrieval.MaxContextChars)
	assert.Equal(t, 2, cfg.Validation.MaxDisclosedFailures)
	assert.False(t, cfg.Validation.StrictSignature)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Retrieval, cfg.Retrieval)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "coach.yaml")

	cfg := DefaultConfig()
	cfg.Embedding.Provider = "ollama"
	cfg.Retrieval.TopK = 6
	cfg.Sandbox.Backend = "docker"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", loaded.Embedding.Provider)
	assert.Equal(t, 6, loaded.Retrieval.TopK)
	assert.Equal(t, "docker", loaded.Sandbox.Backend)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "coach.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  top_k: 2\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Retrieval.TopK)
	assert.Equal(t, 1200, cfg.Retrieval.ChunkSize)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

// =============================================================================
// GETTERS AND VALIDATION
// =============================================================================

func TestDurationGetters_FallBackOnGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Timeout = "soon"
	cfg.Session.TTL = "-1h"
	cfg.Embedding.Timeout = "45s"

	assert.Equal(t, 5*time.Second, cfg.GetSandboxTimeout())
	assert.Equal(t, 72*time.Hour, cfg.GetSessionTTL())
	assert.Equal(t, 45*time.Second, cfg.GetEmbeddingTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad provider", func(c *Config) { c.Embedding.Provider = "bert" }},
		{"bad backend", func(c *Config) { c.Sandbox.Backend = "vm" }},
		{"host backend without opt-in", func(c *Config) { c.Sandbox.Backend = "direct" }},
		{"zero chunk size", func(c *Config) { c.Retrieval.ChunkSize = 0 }},
		{"negative overlap", func(c *Config) { c.Retrieval.ChunkOverlap = -1 }},
		{"zero top k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"no memory", func(c *Config) { c.Sandbox.MaxMemoryMB = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_SandboxBackends(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "isolated", cfg.Sandbox.Backend)
	assert.False(t, cfg.Sandbox.AllowHostExecution)
	require.NoError(t, cfg.Validate())

	cfg.Sandbox.Backend = "direct"
	require.Error(t, cfg.Validate())
	cfg.Sandbox.AllowHostExecution = true
	assert.NoError(t, cfg.Validate())
}

func TestRequireEmbeddingKey(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.RequireEmbeddingKey())

	cfg.Embedding.GenAIAPIKey = "k"
	assert.NoError(t, cfg.RequireEmbeddingKey())

	cfg.Embedding.Provider = "ollama"
	cfg.Embedding.GenAIAPIKey = ""
	assert.NoError(t, cfg.RequireEmbeddingKey())
}

func TestLoggingConfig(t *testing.T) {
	c := LoggingConfig{Level: "debug"}
	assert.False(t, c.IsCategoryEnabled("sandbox"), "file logs are off without debug_mode")

	c.DebugMode = true
	assert.True(t, c.IsCategoryEnabled("sandbox"))

	c.Categories = map[string]bool{"sandbox": false}
	assert.False(t, c.IsCategoryEnabled("sandbox"))
	assert.True(t, c.IsCategoryEnabled("corpus"))

	s := c.Settings()
	assert.True(t, s.DebugMode)
	assert.Equal(t, "debug", s.Level)
	assert.Equal(t, c.Categories, s.Categories)
}
