// Package config handles Hearth configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is absent.
const (
	DefaultPort               = 8080
	DefaultMaxIterations      = 10
	DefaultApprovalTimeout    = 60 * time.Second
	DefaultMemoryContextLimit = 3
	DefaultFetchTimeout       = 15 * time.Second
)

// Provider types accepted in the providers section.
const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// DefaultSearchPaths returns the config file search order.
// ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	DataDir   string          `yaml:"data_dir"`
	Listen    ListenConfig    `yaml:"listen"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Skills    SkillsConfig    `yaml:"skills"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig lists backends per role, in fallback order.
type ProvidersConfig struct {
	Chat []ProviderConfig `yaml:"chat"`

	// Embedding is optional. When empty the built-in local embedder is
	// used. Only the first entry is ever active.
	Embedding []ProviderConfig `yaml:"embedding"`
}

// ProviderConfig is one configured backend instance.
type ProviderConfig struct {
	Type       string `yaml:"type"`
	Model      string `yaml:"model"`
	Endpoint   string `yaml:"endpoint"`
	Credential string `yaml:"credential"`

	// Dimensions pins the vector size of an embedding provider. Zero
	// means probe the backend once at startup.
	Dimensions int `yaml:"dimensions"`
}

// Label identifies the entry in logs and warnings.
func (p ProviderConfig) Label() string {
	return p.Type + "/" + p.Model
}

// ResolveCredential dereferences the credential field. "env:NAME" reads
// the named environment variable; any other value is returned as is.
// An env reference to an unset or empty variable is an error.
func (p ProviderConfig) ResolveCredential() (string, error) {
	name, ok := strings.CutPrefix(p.Credential, "env:")
	if !ok {
		return p.Credential, nil
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("credential env var %s is not set", name)
	}
	return v, nil
}

// AgentConfig tunes the tool-call loop.
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	ApprovalTimeout    time.Duration `yaml:"approval_timeout"`
	MemoryContextLimit int           `yaml:"memory_context_limit"` // 0 disables memory injection
}

// SkillsConfig holds sandbox rules and approval policies for built-in skills.
type SkillsConfig struct {
	AllowedDirectories []string          `yaml:"allowed_directories"`
	AllowedDomains     []string          `yaml:"allowed_domains"`
	FetchTimeout       time.Duration     `yaml:"fetch_timeout"`
	Policies           map[string]string `yaml:"policies"` // skill name -> always|once|trust
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references before parsing and applying defaults afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills zero values. Negative values are left alone so
// Validate can reject them.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.ApprovalTimeout == 0 {
		c.Agent.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.Skills.FetchTimeout == 0 {
		c.Skills.FetchTimeout = DefaultFetchTimeout
	}
}

// Default returns a configuration with a single local Ollama chat
// provider and the built-in embedder.
func Default() *Config {
	cfg := &Config{
		Providers: ProvidersConfig{
			Chat: []ProviderConfig{
				{Type: ProviderOllama, Model: "qwen3:8b", Endpoint: "http://localhost:11434"},
			},
		},
		Agent: AgentConfig{MemoryContextLimit: DefaultMemoryContextLimit},
	}
	cfg.applyDefaults()
	return cfg
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers.Chat) == 0 {
		errs = append(errs, errors.New("providers.chat: at least one provider is required"))
	}
	for i, p := range c.Providers.Chat {
		switch p.Type {
		case ProviderAnthropic, ProviderOllama, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("providers.chat[%d]: unknown type %q", i, p.Type))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("providers.chat[%d]: model is required", i))
		}
	}
	for i, p := range c.Providers.Embedding {
		switch p.Type {
		case ProviderOllama, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("providers.embedding[%d]: unknown type %q", i, p.Type))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("providers.embedding[%d]: model is required", i))
		}
		if p.Dimensions < 0 {
			errs = append(errs, fmt.Errorf("providers.embedding[%d]: dimensions must not be negative", i))
		}
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.ApprovalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.approval_timeout must be positive, got %s", c.Agent.ApprovalTimeout))
	}
	if c.Agent.MemoryContextLimit < 0 {
		errs = append(errs, fmt.Errorf("agent.memory_context_limit must not be negative, got %d", c.Agent.MemoryContextLimit))
	}
	if c.Skills.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("skills.fetch_timeout must be positive, got %s", c.Skills.FetchTimeout))
	}
	for skill, policy := range c.Skills.Policies {
		switch strings.ToLower(policy) {
		case "always", "once", "trust":
		default:
			errs = append(errs, fmt.Errorf("skills.policies.%s: unknown policy %q (valid: always, once, trust)", skill, policy))
		}
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
