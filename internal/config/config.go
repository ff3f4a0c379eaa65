package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models meshline.yml.
type Config struct {
	Pipeline struct {
		ID string `yaml:"id"`
	} `yaml:"pipeline"`
	Verification struct {
		RuleSets map[string]RuleSet `yaml:"rule_sets"`
		Default  string             `yaml:"default"`
	} `yaml:"verification"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// RuleSet names the checks a verification run must pass.
type RuleSet struct {
	Require []string `yaml:"require"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if len(c.Verification.RuleSets) == 0 {
		return fmt.Errorf("config.verification.rule_sets is required")
	}
	for name, rs := range c.Verification.RuleSets {
		if name == "" {
			return fmt.Errorf("config.verification.rule_sets contains empty name")
		}
		if len(rs.Require) == 0 {
			return fmt.Errorf("rule set %s requires no checks", name)
		}
		for _, check := range rs.Require {
			if check == "" {
				return fmt.Errorf("rule set %s has empty check name", name)
			}
		}
	}
	if c.Verification.Default == "" {
		return fmt.Errorf("config.verification.default is required")
	}
	if _, ok := c.Verification.RuleSets[c.Verification.Default]; !ok {
		return fmt.Errorf("default rule set %s not defined", c.Verification.Default)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// RuleSetOrDefault resolves a named rule set, falling back to the default.
func (c *Config) RuleSetOrDefault(name string) (RuleSet, error) {
	if name == "" {
		name = c.Verification.Default
	}
	rs, ok := c.Verification.RuleSets[name]
	if !ok {
		return RuleSet{}, fmt.Errorf("rule set %s not found", name)
	}
	return rs, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "meshline.yml")
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineID string) *Config {
	var cfg Config
	cfg.Pipeline.ID = pipelineID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, pipelineID))).Decode(&cfg)
	return &cfg
}

// YAML renders the config back to bytes, for writing starter files.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  id: %s

verification:
  rule_sets:
    default:
      require: [build, tests]
    strict:
      require: [build, tests, security]
    docs:
      require: [build]
  default: default
`
