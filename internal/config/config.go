package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codecoach configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Context retrieval engine
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Embedding capability used by retrieval and rebuild
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Checkpoint generation (LLM)
	Generator GeneratorConfig `yaml:"generator"`

	// Sandboxed execution of submissions
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Validation pipeline policy
	Validation ValidationConfig `yaml:"validation"`

	// Session/progress store
	Session SessionConfig `yaml:"session"`

	// HTTP API
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RetrievalConfig configures chunking, ranking and the context store.
type RetrievalConfig struct {
	ChunkSize       int    `yaml:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	TopK            int    `yaml:"top_k"`
	MaxContextChars int    `yaml:"max_context_chars"`
	StorePath       string `yaml:"store_path"`
	SourceDir       string `yaml:"source_dir"`
	RefreshOnStart  bool   `yaml:"refresh_on_start"`
	RebuildWorkers  int    `yaml:"rebuild_workers"`
	Watch           bool   `yaml:"watch"`
	WatchDebounce   string `yaml:"watch_debounce"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // genai, ollama, openai

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`

	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// GeneratorConfig configures checkpoint generation.
type GeneratorConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// SandboxConfig configures the sandbox executor.
type SandboxConfig struct {
	// Backend: "isolated" (namespaces, read-only jail and seccomp),
	// "docker", or "direct" (unisolated host process with rlimits)
	Backend string `yaml:"backend"`
	// AllowHostExecution must be true for the "direct" backend.
	AllowHostExecution bool `yaml:"allow_host_execution"`

	PythonBinary   string   `yaml:"python_binary"`
	WorkerBinary   string   `yaml:"worker_binary"` // default: the running executable
	Timeout        string   `yaml:"timeout"`
	MaxMemoryMB    int      `yaml:"max_memory_mb"`
	MaxCPUSeconds  int      `yaml:"max_cpu_seconds"`
	MaxFileSizeKB  int      `yaml:"max_file_size_kb"`
	MaxProcesses   int      `yaml:"max_processes"`
	MaxOutputKB    int      `yaml:"max_output_kb"`
	DockerImage    string   `yaml:"docker_image"`
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
}

// ValidationConfig configures the validation pipeline.
type ValidationConfig struct {
	StrictSignature      bool `yaml:"strict_signature"`
	MaxDisclosedFailures int  `yaml:"max_disclosed_failures"`
	MinCodeLength        int  `yaml:"min_code_length"`
}

// SessionConfig configures the session/progress store.
type SessionConfig struct {
	DatabasePath string `yaml:"database_path"`
	TTL          string `yaml:"ttl"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codecoach",
		Version: "0.3.0",

		Retrieval: RetrievalConfig{
			ChunkSize:       1200,
			ChunkOverlap:    150,
			TopK:            4,
			MaxContextChars: 20000,
			StorePath:       "data/context_store.json",
			SourceDir:       "data/context_sources",
			RebuildWorkers:  4,
			WatchDebounce:   "2s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "genai",
			GenAIModel:     "text-embedding-004",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			OpenAIModel:    "text-embedding-3-small",
			Timeout:        "30s",
			MaxRetries:     3,
		},

		Generator: GeneratorConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.2,
			Timeout:     "120s",
		},

		Sandbox: SandboxConfig{
			Backend:        "isolated",
			PythonBinary:   "python3",
			Timeout:        "5s",
			MaxMemoryMB:    256,
			MaxCPUSeconds:  3,
			MaxFileSizeKB:  1024,
			MaxProcesses:   64,
			MaxOutputKB:    256,
			DockerImage:    "python:3.12-slim",
			AllowedEnvVars: []string{"PATH", "LANG", "LC_ALL"},
			MaxConcurrent:  4,
		},

		Validation: ValidationConfig{
			StrictSignature:      false,
			MaxDisclosedFailures: 2,
			MinCodeLength:        10,
		},

		Session: SessionConfig{
			DatabasePath: "data/sessions.db",
			TTL:          "72h",
		},

		Server: ServerConfig{
			Addr:           "127.0.0.1:5000",
			MaxUploadBytes: 10 << 20,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults (with environment overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Generator.APIKey == "" {
			c.Generator.APIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Embedding.OpenAIAPIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.Embedding.OllamaEndpoint = host
	}
	if provider := os.Getenv("CODECOACH_EMBEDDING_PROVIDER"); provider != "" {
		c.Embedding.Provider = provider
	}

	if path := os.Getenv("CONTEXT_STORE_PATH"); path != "" {
		c.Retrieval.StorePath = path
	}
	if dir := os.Getenv("CONTEXT_SOURCE_DIR"); dir != "" {
		c.Retrieval.SourceDir = dir
	}
	if v := os.Getenv("REFRESH_CONTEXT_ON_START"); v != "" {
		c.Retrieval.RefreshOnStart = strings.EqualFold(v, "true")
	}

	if path := os.Getenv("CODECOACH_DB"); path != "" {
		c.Session.DatabasePath = path
	}
	if addr := os.Getenv("CODECOACH_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetEmbeddingTimeout returns the per-call embedding timeout.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 30*time.Second)
}

// GetGeneratorTimeout returns the checkpoint generation timeout.
func (c *Config) GetGeneratorTimeout() time.Duration {
	return parseDuration(c.Generator.Timeout, 120*time.Second)
}

// GetSandboxTimeout returns the wall-clock limit per submission.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 5*time.Second)
}

// GetSessionTTL returns the session TTL as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 72*time.Hour)
}

// GetWatchDebounce returns the quiet period before a watched rebuild.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Retrieval.WatchDebounce, 2*time.Second)
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"genai", "ollama", "openai"}

// ValidBackends lists the sandbox backends.
var ValidBackends = []string{"isolated", "docker", "direct"}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidProviders, c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}
	if !contains(ValidBackends, c.Sandbox.Backend) {
		return fmt.Errorf("invalid sandbox backend: %s (valid: %v)", c.Sandbox.Backend, ValidBackends)
	}
	if c.Sandbox.Backend == "direct" && !c.Sandbox.AllowHostExecution {
		return fmt.Errorf("sandbox backend \"direct\" runs submissions unisolated; set sandbox.allow_host_execution to use it")
	}
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("retrieval.chunk_size must be positive, got %d", c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 {
		return fmt.Errorf("retrieval.chunk_overlap must not be negative, got %d", c.Retrieval.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		return fmt.Errorf("sandbox.max_memory_mb must be positive, got %d", c.Sandbox.MaxMemoryMB)
	}
	if c.Validation.MaxDisclosedFailures < 0 {
		return fmt.Errorf("validation.max_disclosed_failures must not be negative")
	}
	return nil
}

// RequireEmbeddingKey reports a missing API key for the configured provider.
// Ollama runs locally and needs none.
func (c *Config) RequireEmbeddingKey() error {
	switch c.Embedding.Provider {
	case "genai":
		if c.Embedding.GenAIAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the genai embedding provider")
		}
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai embedding provider")
		}
	}
	return nil
}
