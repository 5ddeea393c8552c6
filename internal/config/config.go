// internal/config/config.go
//
// This package handles run configuration. Every audit workspace carries a
// config.yaml at its root; values from LATTICE_AUDIT_* environment variables
// override the file, and the file overrides built-in defaults.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// EnvPrefix marks environment variables that override config.yaml.
const EnvPrefix = "LATTICE_AUDIT_"

const (
	DefaultSelectCount  = 3
	DefaultConcurrency  = 3
	DefaultExecTimeout  = 2 * time.Minute
	DefaultBuildTimeout = 5 * time.Minute
	maxConfigFileSize   = 1024 * 1024
)

const defaultConfigYAML = `# lattice-audit run configuration
version: 1

# Number of analysis categories selected per run.
select_count: 3
# Parallel category analyzers.
concurrency: 3
# Validation attempts per finding (at most 3).
max_attempts: 3
exec_timeout: 2m
build_timeout: 5m

# Extra analyzer rule files (*.yaml) overlaid on the built-in rules.
# rules_dir: audit-rules

# Candidate toolchain. Placeholders: {candidate} {artifact} {name} {project}.
toolchain:
  ext: .t.sol
  build: ["forge", "build", "--root", "{project}"]
  execute: ["forge", "test", "--root", "{project}", "--match-path", "{artifact}", "-vvv"]

# External exploit generator. When empty the built-in template is used.
generator:
  command: []

log:
  level: info
`

// ToolchainConfig configures the external build/execute commands.
type ToolchainConfig struct {
	Ext     string   `koanf:"ext" yaml:"ext,omitempty"`
	WorkDir string   `koanf:"work_dir" yaml:"work_dir,omitempty"`
	Build   []string `koanf:"build" yaml:"build,omitempty"`
	Execute []string `koanf:"execute" yaml:"execute,omitempty"`
}

// GeneratorConfig configures exploit candidate generation.
type GeneratorConfig struct {
	Command  []string `koanf:"command" yaml:"command,omitempty"`
	Template string   `koanf:"template" yaml:"template,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level   string `koanf:"level" yaml:"level,omitempty"`
	Verbose bool   `koanf:"verbose" yaml:"verbose,omitempty"`
}

// RunConfig is the explicit configuration handed to the pipeline engine.
type RunConfig struct {
	Version      int             `koanf:"version" yaml:"version"`
	ProjectRoot  string          `koanf:"project_root" yaml:"project_root,omitempty"`
	SelectCount  int             `koanf:"select_count" yaml:"select_count"`
	Concurrency  int             `koanf:"concurrency" yaml:"concurrency"`
	MaxAttempts  int             `koanf:"max_attempts" yaml:"max_attempts"`
	ExecTimeout  time.Duration   `koanf:"exec_timeout" yaml:"exec_timeout"`
	BuildTimeout time.Duration   `koanf:"build_timeout" yaml:"build_timeout"`
	RulesDir     string          `koanf:"rules_dir" yaml:"rules_dir,omitempty"`
	Toolchain    ToolchainConfig `koanf:"toolchain" yaml:"toolchain"`
	Generator    GeneratorConfig `koanf:"generator" yaml:"generator"`
	Log          LogConfig       `koanf:"log" yaml:"log"`

	// WorkspaceRoot is where the run's artifacts live. It is never read
	// from the file it locates.
	WorkspaceRoot string `koanf:"-" yaml:"-"`
}

// Default returns the built-in configuration for a project.
func Default(projectRoot string) RunConfig {
	return RunConfig{
		Version:       1,
		ProjectRoot:   projectRoot,
		WorkspaceRoot: filepath.Join(projectRoot, workflow.DefaultRootDir),
		SelectCount:   DefaultSelectCount,
		Concurrency:   DefaultConcurrency,
		MaxAttempts:   finding.MaxAttempts,
		ExecTimeout:   DefaultExecTimeout,
		BuildTimeout:  DefaultBuildTimeout,
		Log:           LogConfig{Level: "info"},
	}
}

// Workspace returns the workspace the configuration points at.
func (c RunConfig) Workspace() *workflow.Workspace {
	return workflow.NewWorkspace(c.WorkspaceRoot)
}

// Load reads <workspaceRoot>/config.yaml when present, overlays
// LATTICE_AUDIT_* environment variables and validates the result. A relative
// project_root resolves against projectRoot.
func Load(projectRoot, workspaceRoot string) (RunConfig, error) {
	cfg := Default(projectRoot)
	if workspaceRoot != "" {
		cfg.WorkspaceRoot = workspaceRoot
	}
	k := koanf.New(".")

	path := cfg.Workspace().ConfigPath()
	data, err := readConfigFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	if data != nil {
		if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
			return RunConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return RunConfig{}, fmt.Errorf("config: load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: decode: %w", err)
	}

	cfg.applyDefaults()
	cfg.normalize(projectRoot)
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envKey maps LATTICE_AUDIT_EXEC_TIMEOUT to exec_timeout and
// LATTICE_AUDIT_LOG__LEVEL to log.level.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigFileSize)
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil && info.Size() > 0 {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return data, nil
}

func (c *RunConfig) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.SelectCount == 0 {
		c.SelectCount = DefaultSelectCount
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.BuildTimeout == 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *RunConfig) normalize(base string) {
	// The attempt ceiling is fixed; lower limits are honored.
	c.MaxAttempts = finding.ClampAttempts(c.MaxAttempts)
	c.ProjectRoot = resolvePath(base, c.ProjectRoot)
	if c.ProjectRoot == "" {
		c.ProjectRoot = filepath.Clean(base)
	}
	c.RulesDir = resolvePath(c.ProjectRoot, c.RulesDir)
	c.Toolchain.WorkDir = resolvePath(c.WorkspaceRoot, c.Toolchain.WorkDir)
	if c.Toolchain.WorkDir == "" {
		c.Toolchain.WorkDir = filepath.Join(c.Workspace().MetaDir(), "candidates")
	}
	c.Generator.Template = resolvePath(c.ProjectRoot, c.Generator.Template)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// Validate reports configuration errors.
func (c RunConfig) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if strings.TrimSpace(c.ProjectRoot) == "" {
		return fmt.Errorf("project_root is required")
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return fmt.Errorf("workspace root is required")
	}
	if c.SelectCount < 1 {
		return fmt.Errorf("select_count must be >= 1")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	if c.ExecTimeout < 0 || c.BuildTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// EnsureConfig writes the commented default config.yaml into the workspace
// if none exists yet.
func EnsureConfig(ws *workflow.Workspace) error {
	path := ws.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure workspace dir: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// Save persists c to the workspace config file.
func Save(c RunConfig) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ws := c.Workspace()
	if err := os.MkdirAll(ws.Root(), 0o755); err != nil {
		return fmt.Errorf("config: ensure workspace dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(ws.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
