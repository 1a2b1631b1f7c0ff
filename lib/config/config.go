// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"

	// Production requires an explicit path allow-list.
	Production Environment = "production"
)

// Config is the job worker configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
	Guard     GuardConfig     `yaml:"guard"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Status    StatusConfig    `yaml:"status"`

	// Journal is the JSONL file status events and logs are appended to
	// when no controlling service is attached. Empty disables it.
	Journal string `yaml:"journal"`
}

// AgentConfig configures the supervised agent process.
type AgentConfig struct {
	// Binary is the agent executable. Default: claude.
	Binary string `yaml:"binary"`

	// ExtraArgs are appended to the generated argv.
	ExtraArgs []string `yaml:"extra_args"`

	// SingleShotTimeout bounds PRD and question runs. Default: 1h.
	SingleShotTimeout time.Duration `yaml:"single_shot_timeout"`

	// IterativeTimeout bounds code execution runs. Default: 2h.
	IterativeTimeout time.Duration `yaml:"iterative_timeout"`

	// GracePeriod separates SIGTERM and SIGKILL. Default: 2s.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// LoggingConfig configures the logging pipeline.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Color forces colour on or off. Nil means detect from the
	// terminal.
	Color *bool `yaml:"color"`

	BatchSize        int           `yaml:"batch_size"`
	BatchInterval    time.Duration `yaml:"batch_interval"`
	UseBatchEndpoint bool          `yaml:"use_batch_endpoint"`

	// Spool keeps records the remote destination could not deliver.
	Spool bool `yaml:"spool"`
}

// GuardConfig configures the pre-flight guards.
type GuardConfig struct {
	// AllowedPaths restricts project paths to these bases. Empty means
	// any non-system path, with a warning outside home directories.
	AllowedPaths []string `yaml:"allowed_paths"`

	// ExtraEnvironment names variables passed through to the agent in
	// addition to the built-in allow-list.
	ExtraEnvironment []string `yaml:"extra_environment"`
}

// WorkspaceConfig configures per-job worktrees.
type WorkspaceConfig struct {
	// DefaultProject is used for jobs that carry no project path.
	DefaultProject string `yaml:"default_project"`

	// Root holds worktrees. Empty places them next to the project.
	Root string `yaml:"root"`

	// BaseRef is where job branches start. Default: HEAD.
	BaseRef string `yaml:"base_ref"`

	// Remote is checked to decide whether a branch was pushed.
	// Default: origin.
	Remote string `yaml:"remote"`
}

// ArtifactsConfig configures the post-run archive.
type ArtifactsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Compression string   `yaml:"compression"`
	Recipients  []string `yaml:"recipients"`
	Names       []string `yaml:"names"`
}

// StatusConfig configures the local HTTP status API.
type StatusConfig struct {
	// Listen is a host:port. Empty disables the API.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Agent: AgentConfig{
			Binary:            "claude",
			SingleShotTimeout: time.Hour,
			IterativeTimeout:  2 * time.Hour,
			GracePeriod:       2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "auto",
			BatchSize:        10,
			BatchInterval:    2 * time.Second,
			UseBatchEndpoint: true,
			Spool:            true,
		},
		Workspace: WorkspaceConfig{
			BaseRef: "HEAD",
			Remote:  "origin",
		},
		Artifacts: ArtifactsConfig{
			Enabled:     true,
			Compression: "zstd",
		},
	}
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Load reads the file named by BUREAU_WORKER_CONFIG, or starts from
// Default when it is unset, then applies environment overrides.
func Load() (*Config, error) {
	return LoadWith(os.Getenv("BUREAU_WORKER_CONFIG"), os.LookupEnv)
}

// LoadFile reads path and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit file path (possibly empty) and
// environment lookup. The result is validated.
func LoadWith(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if err := cfg.applyOverrides(lookup); err != nil {
		return nil, err
	}
	cfg.expandVariables(lookup)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyOverrides(lookup LookupFunc) error {
	var errs []error
	value := func(name string) (string, bool) {
		text, ok := lookup(name)
		if !ok || strings.TrimSpace(text) == "" {
			return "", false
		}
		return strings.TrimSpace(text), true
	}
	parseBool := func(name string, target *bool) {
		if text, ok := value(name); ok {
			parsed, err := strconv.ParseBool(text)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*target = parsed
		}
	}
	parseDuration := func(name string, target *time.Duration) {
		if text, ok := value(name); ok {
			parsed, err := time.ParseDuration(text)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*target = parsed
		}
	}

	if text, ok := value("BUREAU_WORKER_LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(text)
	}
	if text, ok := value("BUREAU_WORKER_LOG_FORMAT"); ok {
		c.Logging.Format = strings.ToLower(text)
	}
	if _, ok := value("BUREAU_WORKER_LOG_COLOR"); ok {
		var color bool
		parseBool("BUREAU_WORKER_LOG_COLOR", &color)
		c.Logging.Color = &color
	}
	if text, ok := value("BUREAU_WORKER_BATCH_SIZE"); ok {
		size, err := strconv.Atoi(text)
		if err != nil {
			errs = append(errs, fmt.Errorf("BUREAU_WORKER_BATCH_SIZE: %w", err))
		} else {
			c.Logging.BatchSize = size
		}
	}
	parseDuration("BUREAU_WORKER_BATCH_INTERVAL", &c.Logging.BatchInterval)
	parseBool("BUREAU_WORKER_USE_BATCH_ENDPOINT", &c.Logging.UseBatchEndpoint)
	if text, ok := value("BUREAU_WORKER_ALLOWED_PATHS"); ok {
		c.Guard.AllowedPaths = splitPathList(text)
	}
	parseDuration("BUREAU_WORKER_SINGLE_SHOT_TIMEOUT", &c.Agent.SingleShotTimeout)
	parseDuration("BUREAU_WORKER_ITERATIVE_TIMEOUT", &c.Agent.IterativeTimeout)
	if text, ok := value("CLAUDE_BINARY"); ok {
		c.Agent.Binary = text
	}
	return errors.Join(errs...)
}

func splitPathList(text string) []string {
	var paths []string
	for _, part := range strings.Split(text, ":") {
		if part = strings.TrimSpace(part); part != "" {
			paths = append(paths, part)
		}
	}
	return paths
}

func (c *Config) expandVariables(lookup LookupFunc) {
	c.Agent.Binary = expandVars(c.Agent.Binary, lookup)
	c.Journal = expandVars(c.Journal, lookup)
	c.Workspace.DefaultProject = expandVars(c.Workspace.DefaultProject, lookup)
	c.Workspace.Root = expandVars(c.Workspace.Root, lookup)
	for index, path := range c.Guard.AllowedPaths {
		c.Guard.AllowedPaths[index] = expandVars(path, lookup)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, lookup LookupFunc) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value, ok := lookup(parts[1]); ok && value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Environment == Production && len(c.Guard.AllowedPaths) == 0 {
		errs = append(errs, fmt.Errorf("guard.allowed_paths is required in production"))
	}
	if c.Agent.Binary == "" {
		errs = append(errs, fmt.Errorf("agent.binary is required"))
	}
	if c.Agent.SingleShotTimeout <= 0 || c.Agent.IterativeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent timeouts must be positive"))
	}
	if c.Agent.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("agent.grace_period must be positive"))
	}
	if !contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	if !contains([]string{"auto", "pretty", "json"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of auto, pretty, json; got %q", c.Logging.Format))
	}
	if c.Logging.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("logging.batch_size must be positive"))
	}
	if c.Logging.BatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("logging.batch_interval must be positive"))
	}
	if !contains([]string{"", "zstd", "lz4", "none"}, c.Artifacts.Compression) {
		errs = append(errs, fmt.Errorf("artifacts.compression must be one of zstd, lz4, none; got %q", c.Artifacts.Compression))
	}
	for _, path := range c.Guard.AllowedPaths {
		if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("guard.allowed_paths entry %q is not absolute", path))
		}
	}

	return errors.Join(errs...)
}

// TimeoutFor returns the run ceiling for an iterative or single-shot
// run.
func (c *Config) TimeoutFor(iterative bool) time.Duration {
	if iterative {
		return c.Agent.IterativeTimeout
	}
	return c.Agent.SingleShotTimeout
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
