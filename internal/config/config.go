package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StageCommands holds the argv templates for the three stage commands of
// one provider. Templates may reference {prompt}, {issue}, {focus} and
// {run}; see provider.Registry.
type StageCommands struct {
	Plan   []string `yaml:"plan"`
	Refine []string `yaml:"refine"`
	Impl   []string `yaml:"impl"`
}

type Config struct {
	DBPath         string                   `yaml:"db_path"`
	WorkDir        string                   `yaml:"work_dir"`
	Provider       string                   `yaml:"provider"`
	Providers      map[string]StageCommands `yaml:"providers"`
	IssueCommand   []string                 `yaml:"issue_command"`
	OTLPEndpoint   string                   `yaml:"otlp_endpoint"`
	CommandTimeout time.Duration            `yaml:"command_timeout"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:   defaultDBPath(),
		WorkDir:  ".",
		Provider: "plan-agent",
		Providers: map[string]StageCommands{
			"plan-agent": {
				Plan:   []string{"plan-agent", "plan", "--prompt", "{prompt}"},
				Refine: []string{"plan-agent", "refine", "--issue", "{issue}", "--focus", "{focus}"},
				Impl:   []string{"plan-agent", "implement", "--issue", "{issue}"},
			},
		},
		IssueCommand:   []string{"gh", "issue", "view", "{issue}", "--json", "state"},
		CommandTimeout: 10 * time.Second,
	}
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "agentize", "config.yaml")
}

// Load reads the YAML config at path over the defaults. A missing file is
// not an error; a malformed one is. Environment variables AGENTIZE_DB,
// AGENTIZE_CWD and AGENTIZE_OTLP override the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		var parsed Config
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = merge(cfg, parsed)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if v := os.Getenv("AGENTIZE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTIZE_CWD"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("AGENTIZE_OTLP"); v != "" {
		cfg.OTLPEndpoint = v
	}
	return cfg, nil
}

func merge(def Config, cfg Config) Config {
	if cfg.DBPath != "" {
		def.DBPath = cfg.DBPath
	}
	if cfg.WorkDir != "" {
		def.WorkDir = cfg.WorkDir
	}
	if cfg.Provider != "" {
		def.Provider = cfg.Provider
	}
	for name, cmds := range cfg.Providers {
		def.Providers[name] = cmds
	}
	if len(cfg.IssueCommand) != 0 {
		def.IssueCommand = cfg.IssueCommand
	}
	if cfg.OTLPEndpoint != "" {
		def.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.CommandTimeout != 0 {
		def.CommandTimeout = cfg.CommandTimeout
	}
	return def
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentize.db"
	}
	return filepath.Join(home, ".local", "state", "agentize", "sessions.db")
}
