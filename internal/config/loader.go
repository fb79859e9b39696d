// Package config loads the optional taskgate.yaml seed file and applies it
// to the store: tool sources, access policies, and managed credentials.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskgate/taskgate/internal/store"
)

// FileConfig represents the top-level taskgate.yaml structure.
type FileConfig struct {
	ToolSources []toolSourceConfig `yaml:"tool_sources"`
	Policies    []policyConfig     `yaml:"policies"`
	Credentials []credentialConfig `yaml:"credentials"`
}

type toolSourceConfig struct {
	Workspace string         `yaml:"workspace"`
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Enabled   *bool          `yaml:"enabled,omitempty"` // default true
	Config    map[string]any `yaml:"config"`
}

type policyConfig struct {
	Workspace string `yaml:"workspace"`
	Actor     string `yaml:"actor,omitempty"`
	Client    string `yaml:"client,omitempty"`
	Pattern   string `yaml:"pattern"`
	Decision  string `yaml:"decision"`
	Priority  int    `yaml:"priority,omitempty"`
}

type credentialConfig struct {
	Workspace string `yaml:"workspace"`
	SourceKey string `yaml:"source_key"`
	Scope     string `yaml:"scope,omitempty"` // default workspace
	Actor     string `yaml:"actor,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Value     string `yaml:"value,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
}

// LoadFile reads, parses, and validates a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML config data.
func Parse(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *FileConfig) error {
	for i, src := range cfg.ToolSources {
		if src.Workspace == "" || src.Name == "" {
			return fmt.Errorf("tool_sources[%d]: workspace and name required", i)
		}
		switch src.Type {
		case store.SourceOpenAPI, store.SourceGraphQL, store.SourceMCP:
		default:
			return fmt.Errorf("tool_sources[%d] %q: unknown type %q", i, src.Name, src.Type)
		}
	}
	for i, p := range cfg.Policies {
		if p.Workspace == "" || p.Pattern == "" {
			return fmt.Errorf("policies[%d]: workspace and pattern required", i)
		}
		switch p.Decision {
		case store.DecisionAllow, store.DecisionRequireApproval, store.DecisionDeny:
		default:
			return fmt.Errorf("policies[%d] %q: unknown decision %q", i, p.Pattern, p.Decision)
		}
	}
	for i, c := range cfg.Credentials {
		if c.Workspace == "" || c.SourceKey == "" {
			return fmt.Errorf("credentials[%d]: workspace and source_key required", i)
		}
		switch c.Scope {
		case "", store.CredScopeWorkspace:
		case store.CredScopeActor:
			if c.Actor == "" {
				return fmt.Errorf("credentials[%d] %q: actor scope requires actor", i, c.SourceKey)
			}
		default:
			return fmt.Errorf("credentials[%d] %q: unknown scope %q", i, c.SourceKey, c.Scope)
		}
		if c.Token == "" && c.Value == "" && c.Username == "" {
			return fmt.Errorf("credentials[%d] %q: a token, value, or username is required", i, c.SourceKey)
		}
	}
	return nil
}
