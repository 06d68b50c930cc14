package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/m4xw311/kimigas/errors"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".kimigas"

// DefaultMaxStepsPerTurn bounds the LLM -> tool -> LLM loop of a single turn.
const DefaultMaxStepsPerTurn = 50

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden" toml:"hidden"`
	ReadOnly []string `yaml:"read_only" toml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name" toml:"name"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name" toml:"name"`
	Tools []string `yaml:"tools" toml:"tools"`
}

type Config struct {
	LLMClient            string           `yaml:"llm" toml:"llm"`
	Model                string           `yaml:"model" toml:"model"`
	BaseURL              string           `yaml:"base_url" toml:"base_url"`
	ServerName           string           `yaml:"server_name" toml:"server_name"`
	MaxStepsPerTurn      int              `yaml:"max_steps_per_turn" toml:"max_steps_per_turn"`
	Toolsets             []Toolset        `yaml:"toolsets" toml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers" toml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands" toml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access" toml:"filesystem_access"`
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	cfg := &Config{MaxStepsPerTurn: DefaultMaxStepsPerTurn}
	// The config directory itself is never exposed to the agent.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, DirName, DirName+"/**")
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the
// working directory, with the latter taking precedence. Environment
// variables KIMIGAS_LLM and KIMIGAS_MODEL override both.
func LoadConfig() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	home, _ := os.UserHomeDir()
	return LoadFrom(home, wd)
}

// LoadFrom is LoadConfig with explicit home and project directories. An
// empty home skips the user layer.
func LoadFrom(home, projectDir string) (*Config, error) {
	cfg := Default()

	if home != "" {
		if err := loadLayer(filepath.Join(home, DirName), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}
	if err := loadLayer(filepath.Join(projectDir, DirName), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	applyEnv(cfg)
	if cfg.MaxStepsPerTurn <= 0 {
		cfg.MaxStepsPerTurn = DefaultMaxStepsPerTurn
	}
	return cfg, nil
}

// loadLayer reads config.yaml and then config.toml from dir, when present.
func loadLayer(dir string, cfg *Config) error {
	for _, name := range []string{"config.yaml", "config.toml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return errors.Wrapf(err, "parsing %s", path)
		}
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal overwrites fields present in the file. This provides a
	// simple merge where project-level config replaces user-level.
	if filepath.Ext(path) == ".toml" {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KIMIGAS_LLM"); v != "" {
		cfg.LLMClient = v
	}
	if v := os.Getenv("KIMIGAS_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("KIMIGAS_MAX_STEPS_PER_TURN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStepsPerTurn = n
		}
	}
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. When no toolsets
// are configured at all, an empty default toolset is returned.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	if len(c.Toolsets) == 0 {
		return &Toolset{Name: "default"}, nil
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
