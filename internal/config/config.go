// Package config loads and persists application configuration: the set
// of remote projects, their credentials, custom field layouts, and the
// per-project sync watermarks.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/offtix/offtix/internal/remote"
)

var (
	// ErrNoProjects means nothing is configured; the invocation has
	// nothing to act on and must fail.
	ErrNoProjects = errors.New("no projects configured")
	// ErrProjectNotConfigured means a named project is unknown locally.
	ErrProjectNotConfigured = errors.New("project not configured")
)

// Project holds one remote project's connection details and sync state.
type Project struct {
	Key string `yaml:"-"`

	URL      string `yaml:"url"`
	Token    string `yaml:"token,omitempty"`
	PageSize int    `yaml:"page_size,omitempty"`

	// LastUpdated is the watermark of the last successful pull, advanced
	// only after a whole pull of this project succeeds.
	LastUpdated string `yaml:"last_updated,omitempty"`

	// CustomFields maps model field names to this project's custom field
	// identifiers. Empty means the stock layout.
	CustomFields map[string]string `yaml:"customfields,omitempty"`

	// Creation options, refreshed from the server's project metadata on
	// every pull.
	IssueTypes []string `yaml:"issue_types,omitempty"`
	Priorities []string `yaml:"priorities,omitempty"`
}

// FieldMap returns the wire field mapping for this project.
func (p *Project) FieldMap() remote.FieldMap {
	fm := remote.DefaultFieldMap()
	for field, apiName := range p.CustomFields {
		fm[field] = apiName
	}
	return fm
}

// HasIssueType reports whether the project's metadata allows the given
// issue type. An empty list means metadata has never been fetched, in
// which case anything is allowed.
func (p *Project) HasIssueType(issuetype string) bool {
	if len(p.IssueTypes) == 0 {
		return true
	}
	for _, t := range p.IssueTypes {
		if t == issuetype {
			return true
		}
	}
	return false
}

// Config is the application configuration file.
type Config struct {
	Projects map[string]*Project `yaml:"projects"`

	path string
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "offtix", "config.yaml"), nil
}

// DefaultCachePath returns the standard ticket database location.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "offtix", "tickets.db"), nil
}

// Load reads the config file. A missing file yields an empty config;
// whether that is an error depends on the command being run.
func Load(path string) (*Config, error) {
	cfg := &Config{Projects: map[string]*Project{}, path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for key, p := range cfg.Projects {
		if p == nil {
			p = &Project{}
			cfg.Projects[key] = p
		}
		p.Key = key
		if p.PageSize <= 0 {
			p.PageSize = 25
		}
	}
	return cfg, nil
}

// Save writes the config file atomically, creating its directory if
// needed. Called after every successful pull to persist watermarks.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Project looks up a configured project by key.
func (c *Config) Project(key string) (*Project, error) {
	p, ok := c.Projects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotConfigured, key)
	}
	return p, nil
}
