package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"flowline/internal/domain"
)

// Config models flowline.yml. It is immutable after load; callers wanting
// fresh values reload explicitly.
type Config struct {
	Project struct {
		ID  string `yaml:"id"`
		Org string `yaml:"org"`
	} `yaml:"project"`
	Automation AutomationConfig    `yaml:"automation"`
	Roles      map[string][]string `yaml:"roles"`
}

// AutomationConfig describes the external automation endpoint and the retry
// policy for delivering transition notifications. An empty URL means the
// integration is disabled.
type AutomationConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BackoffMS      int    `yaml:"backoff_ms"`
}

const (
	DefaultTimeoutSeconds = 5
	DefaultMaxAttempts    = 3
	DefaultBackoffMS      = 500
)

// Configured reports whether the automation integration is enabled.
func (a AutomationConfig) Configured() bool {
	return a.URL != ""
}

// Timeout returns the per-attempt request timeout.
func (a AutomationConfig) Timeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// Attempts returns the bounded attempt count.
func (a AutomationConfig) Attempts() int {
	if a.MaxAttempts > 0 {
		return a.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Backoff returns the base delay before the second attempt; it doubles for
// each later attempt.
func (a AutomationConfig) Backoff() time.Duration {
	if a.BackoffMS > 0 {
		return time.Duration(a.BackoffMS) * time.Millisecond
	}
	return DefaultBackoffMS * time.Millisecond
}

// RoleMayCancel reports whether the role policy allows a role to move
// projects into cancelled.
func (c *Config) RoleMayCancel(role string) bool {
	caps, ok := c.Roles[role]
	if !ok {
		return false
	}
	for _, cap := range caps {
		if cap == "cancel" {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Automation.TimeoutSeconds < 0 {
		return fmt.Errorf("config.automation.timeout_seconds must not be negative")
	}
	if c.Automation.MaxAttempts < 0 {
		return fmt.Errorf("config.automation.max_attempts must not be negative")
	}
	if c.Automation.BackoffMS < 0 {
		return fmt.Errorf("config.automation.backoff_ms must not be negative")
	}
	if c.Automation.Secret != "" && c.Automation.URL == "" {
		return fmt.Errorf("config.automation.secret set without url")
	}
	for role, caps := range c.Roles {
		if role == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, cap := range caps {
			if cap != "cancel" {
				return fmt.Errorf("role %s has unknown capability %s", role, cap)
			}
		}
	}
	if len(c.Roles) > 0 {
		if _, ok := c.Roles[domain.RoleAdmin]; !ok {
			return fmt.Errorf("config.roles must include %s", domain.RoleAdmin)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl project config import --file <path>", path)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Org = "default-org"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

const defaultTemplate = `project:
  id: %s
  org: default-org

# automation is the external engine notified on every accepted status
# change. Leave url empty to disable the integration; deliveries are then
# recorded as skipped.
automation:
  url: ""
  secret: ""
  timeout_seconds: 5
  max_attempts: 3
  backoff_ms: 500

roles:
  admin: [cancel]
  client: []
`
