package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".axon"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes one MCP server subprocess.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// Lazy servers are spawned before the first provider call instead of at startup.
	Lazy bool `yaml:"lazy"`
}

// Provider holds how to reach one LLM vendor. Credentials are referenced by
// environment variable name, never stored.
type Provider struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	Region    string `yaml:"region"`
}

// Model is one selectable model together with its pricing in USD per
// million tokens.
type Model struct {
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	InputPrice       float64 `yaml:"input"`
	CachedInputPrice float64 `yaml:"cached_input"`
	OutputPrice      float64 `yaml:"output"`
	ContextWindow    int     `yaml:"context_window"`
}

type Config struct {
	DefaultModel     string            `yaml:"default_model"`
	Env              map[string]string `yaml:"env"`
	Providers        []Provider        `yaml:"providers"`
	Models           []Model           `yaml:"models"`
	MCPServers       []MCPServer       `yaml:"mcp_servers"`
	AllowedTools     []string          `yaml:"allowed_tools"`
	AllowedCommands  []string          `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess  `yaml:"filesystem_access"`
	MaxIterations    int               `yaml:"max_iterations"`
	GuideFile        string            `yaml:"guide_file"`
	LogLevel         string            `yaml:"log_level"`
	Watch            *bool             `yaml:"watch"`

	userPath string
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return Load(home, wd)
}

// Load reads homeDir/.axon/config.yaml then projectDir/.axon/config.yaml.
// Either may be missing. An empty homeDir skips the user level.
func Load(homeDir, projectDir string) (*Config, error) {
	cfg := &Config{}

	if homeDir != "" {
		cfg.userPath = filepath.Join(homeDir, DirName, "config.yaml")
		if err := loadIfExists(cfg.userPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}
	userPath := cfg.userPath

	if err := loadIfExists(filepath.Join(projectDir, DirName, "config.yaml"), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}
	cfg.userPath = userPath

	cfg.applyDefaults()
	return cfg, nil
}

func loadIfExists(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// Fields present in the later file replace earlier values wholesale.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.FilesystemAccess.Hidden = append(c.FilesystemAccess.Hidden, DirName, DirName+"/**")
	if len(c.Models) == 0 {
		c.Models = append([]Model(nil), DefaultModels...)
	}
	for i := range c.Models {
		c.Models[i].normalize()
	}
	if c.AllowedCommands == nil {
		c.AllowedCommands = append([]string(nil), DefaultAllowedCommands...)
	}
	if c.AllowedTools == nil {
		c.AllowedTools = []string{}
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.GuideFile == "" {
		c.GuideFile = "axon.md"
	}
}

func (m *Model) normalize() {
	if m.Provider == "" || m.Model == "" {
		if p, id, ok := strings.Cut(m.Name, ":"); ok {
			if m.Provider == "" {
				m.Provider = p
			}
			if m.Model == "" {
				m.Model = id
			}
		}
	}
	if m.Name == "" {
		m.Name = m.Provider + ":" + m.Model
	}
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return errors.Errorf(errors.ConfigError, "mcp server with command %q has no name", s.Command)
		}
		if seen[s.Name] {
			return errors.Errorf(errors.ConfigError, "duplicate mcp server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return errors.Errorf(errors.ConfigError, "mcp server %q has no command", s.Name)
		}
	}
	for _, p := range c.Providers {
		if !knownKind(p.Kind) {
			return errors.Errorf(errors.ConfigError, "provider %q has unknown kind %q", p.Name, p.Kind)
		}
	}
	for _, m := range c.Models {
		if _, ok := c.Provider(m.Provider); !ok {
			return errors.Errorf(errors.ConfigError, "model %q references unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.DefaultModel != "" {
		if _, ok := c.FindModel(c.DefaultModel); !ok {
			return errors.Errorf(errors.ConfigError, "default_model %q is not in the model table", c.DefaultModel)
		}
	}
	return nil
}

// ApplyEnv exports configured environment variables that are not already set.
func (c *Config) ApplyEnv() {
	for k, v := range c.Env {
		if _, ok := os.LookupEnv(k); !ok {
			os.Setenv(k, v)
		}
	}
}

// Provider looks up a provider by name. Known kinds are implicitly
// available under their own name.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	if knownKind(name) {
		return Provider{Name: name, Kind: name}, true
	}
	return Provider{}, false
}

// FindModel looks up a model by its table name ("provider:model").
func (c *Config) FindModel(name string) (Model, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// ActiveModel returns the configured default, or the first model in the table.
func (c *Config) ActiveModel() (Model, error) {
	if c.DefaultModel != "" {
		if m, ok := c.FindModel(c.DefaultModel); ok {
			return m, nil
		}
		return Model{}, errors.Errorf(errors.ConfigError, "default_model %q is not in the model table", c.DefaultModel)
	}
	if len(c.Models) == 0 {
		return Model{}, errors.Errorf(errors.ConfigError, "no models configured")
	}
	return c.Models[0], nil
}

// Rate implements session.RateTable.
func (c *Config) Rate(provider, model string) (session.Rate, bool) {
	for _, m := range c.Models {
		if m.Provider == provider && m.Model == model {
			return session.Rate{Input: m.InputPrice, CachedInput: m.CachedInputPrice, Output: m.OutputPrice}, true
		}
	}
	return session.Rate{}, false
}

// SaveDefaultModel persists name as default_model in the user config file,
// leaving every other key untouched.
func (c *Config) SaveDefaultModel(name string) error {
	if c.userPath == "" {
		return errors.New("no user config location available")
	}
	doc := map[string]any{}
	data, err := os.ReadFile(c.userPath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "reading %s", c.userPath)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return errors.Wrapf(err, "parsing %s", c.userPath)
		}
	}
	doc["default_model"] = name
	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "encoding config")
	}
	if err := os.MkdirAll(filepath.Dir(c.userPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating config directory")
	}
	if err := os.WriteFile(c.userPath, out, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", c.userPath)
	}
	c.DefaultModel = name
	return nil
}

// WatchEnabled reports whether file change reminders are on (default true).
func (c *Config) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

func (m Model) String() string {
	if m.ContextWindow > 0 {
		return fmt.Sprintf("%s (%dk context)", m.Name, m.ContextWindow/1000)
	}
	return m.Name
}
