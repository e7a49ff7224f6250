// Package config handles loading and validating the brookd configuration.
// Defaults work for local development with zero config; production deployments
// use a brook.yaml file, with environment variables taking priority over both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default intervals and timeouts. Tests rely on sub-second reconciliation, so
// the supervisor tick and compile poll must stay well below one second and one
// second respectively.
const (
	DefaultCompilePollInterval = 1 * time.Second
	DefaultSupervisorTick      = 300 * time.Millisecond
	DefaultStartTimeout        = 60 * time.Second
	DefaultShutdownTimeout     = 120 * time.Second
	DefaultFailedTimeout       = 120 * time.Second
	DefaultGCSchedule          = "@hourly"
)

// CompilerConfig configures the compile scheduler (working tree, toolchains).
type CompilerConfig struct {
	// WorkingDir is the root of the build tree:
	// working_dir/{program_id}/{version}/{program.sql, schema.json, pipeline, logs}.
	WorkingDir string `yaml:"working_dir"`
	// SQLCompilerHome points at the SQL-to-native compiler installation; the
	// scheduler invokes $SQLCompilerHome/bin/sql-compiler.
	SQLCompilerHome string `yaml:"sql_compiler_home"`
	// NativeCompiler is the command that turns the emitted source artifact into
	// an executable (invoked as NativeCompiler <src-dir> <out-path>).
	NativeCompiler string `yaml:"native_compiler"`
	// DependencyOverridePath optionally redirects the native build's runtime
	// dependency to a local checkout (passed through to the native compiler).
	DependencyOverridePath string        `yaml:"dependency_override_path"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	// GCSchedule is a cron expression controlling stale build-directory cleanup.
	GCSchedule string `yaml:"gc_schedule"`
}

// RunnerConfig configures the pipeline supervisor.
type RunnerConfig struct {
	// WorkingDir holds per-pipeline runtime state (config files, log captures).
	WorkingDir string `yaml:"working_dir"`
	// PipelineHost is the address pipeline processes bind and are reached on.
	PipelineHost    string        `yaml:"pipeline_host"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FailedTimeout   time.Duration `yaml:"failed_timeout"`
}

// UnmarshalYAML accepts durations as strings ("250ms", "30s"). Unset fields
// keep whatever value the config already holds, so defaults survive a partial
// file.
func (c *CompilerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		WorkingDir             string  `yaml:"working_dir"`
		SQLCompilerHome        string  `yaml:"sql_compiler_home"`
		NativeCompiler         string  `yaml:"native_compiler"`
		DependencyOverridePath string  `yaml:"dependency_override_path"`
		PollInterval           *string `yaml:"poll_interval"`
		GCSchedule             string  `yaml:"gc_schedule"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.WorkingDir != "" {
		c.WorkingDir = raw.WorkingDir
	}
	if raw.SQLCompilerHome != "" {
		c.SQLCompilerHome = raw.SQLCompilerHome
	}
	if raw.NativeCompiler != "" {
		c.NativeCompiler = raw.NativeCompiler
	}
	if raw.DependencyOverridePath != "" {
		c.DependencyOverridePath = raw.DependencyOverridePath
	}
	if raw.GCSchedule != "" {
		c.GCSchedule = raw.GCSchedule
	}
	return setDuration(&c.PollInterval, "compiler.poll_interval", raw.PollInterval)
}

// UnmarshalYAML mirrors CompilerConfig's: string durations, unset keeps defaults.
func (c *RunnerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		WorkingDir      string  `yaml:"working_dir"`
		PipelineHost    string  `yaml:"pipeline_host"`
		TickInterval    *string `yaml:"tick_interval"`
		StartTimeout    *string `yaml:"start_timeout"`
		ShutdownTimeout *string `yaml:"shutdown_timeout"`
		FailedTimeout   *string `yaml:"failed_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.WorkingDir != "" {
		c.WorkingDir = raw.WorkingDir
	}
	if raw.PipelineHost != "" {
		c.PipelineHost = raw.PipelineHost
	}
	for _, f := range []struct {
		dst  *time.Duration
		name string
		val  *string
	}{
		{&c.TickInterval, "runner.tick_interval", raw.TickInterval},
		{&c.StartTimeout, "runner.start_timeout", raw.StartTimeout},
		{&c.ShutdownTimeout, "runner.shutdown_timeout", raw.ShutdownTimeout},
		{&c.FailedTimeout, "runner.failed_timeout", raw.FailedTimeout},
	} {
		if err := setDuration(f.dst, f.name, f.val); err != nil {
			return err
		}
	}
	return nil
}

func setDuration(dst *time.Duration, name string, val *string) error {
	if val == nil || *val == "" {
		return nil
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// Config is the top-level brookd configuration.
type Config struct {
	DatabaseURL string         `yaml:"database_url"`
	ListenAddr  string         `yaml:"listen_addr"`
	APIKey      string         `yaml:"api_key"`
	CORSOrigins []string       `yaml:"cors_origins"`
	Compiler    CompilerConfig `yaml:"compiler"`
	Runner      RunnerConfig   `yaml:"runner"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	home, _ := os.UserHomeDir()
	workdir := filepath.Join(home, ".brook")
	return &Config{
		ListenAddr: "127.0.0.1:8080",
		Compiler: CompilerConfig{
			WorkingDir:     filepath.Join(workdir, "compiler"),
			NativeCompiler: "brook-native-build",
			PollInterval:   DefaultCompilePollInterval,
			GCSchedule:     DefaultGCSchedule,
		},
		Runner: RunnerConfig{
			WorkingDir:      filepath.Join(workdir, "runner"),
			PipelineHost:    "127.0.0.1",
			TickInterval:    DefaultSupervisorTick,
			StartTimeout:    DefaultStartTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			FailedTimeout:   DefaultFailedTimeout,
		},
	}
}

// Load parses a brook.yaml file over the defaults, then applies environment
// overrides. If path is empty only defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.canonicalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment.
// Env vars win over both defaults and the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("BROOK_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BROOK_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("BROOK_COMPILER_DIR"); v != "" {
		c.Compiler.WorkingDir = v
	}
	if v := os.Getenv("BROOK_SQL_COMPILER_HOME"); v != "" {
		c.Compiler.SQLCompilerHome = v
	}
	if v := os.Getenv("BROOK_NATIVE_COMPILER"); v != "" {
		c.Compiler.NativeCompiler = v
	}
	if v := os.Getenv("BROOK_RUNNER_DIR"); v != "" {
		c.Runner.WorkingDir = v
	}
	if v := os.Getenv("BROOK_PIPELINE_HOST"); v != "" {
		c.Runner.PipelineHost = v
	}
	c.Runner.StartTimeout = envDuration("BROOK_START_TIMEOUT", c.Runner.StartTimeout)
	c.Runner.ShutdownTimeout = envDuration("BROOK_SHUTDOWN_TIMEOUT", c.Runner.ShutdownTimeout)
	c.Runner.FailedTimeout = envDuration("BROOK_FAILED_TIMEOUT", c.Runner.FailedTimeout)
}

// canonicalize makes working directories absolute and fills zero-valued
// intervals with defaults so later components never see a zero tick.
func (c *Config) canonicalize() error {
	var err error
	if c.Compiler.WorkingDir, err = filepath.Abs(c.Compiler.WorkingDir); err != nil {
		return fmt.Errorf("compiler working dir: %w", err)
	}
	if c.Runner.WorkingDir, err = filepath.Abs(c.Runner.WorkingDir); err != nil {
		return fmt.Errorf("runner working dir: %w", err)
	}
	if c.Compiler.SQLCompilerHome != "" {
		if c.Compiler.SQLCompilerHome, err = filepath.Abs(c.Compiler.SQLCompilerHome); err != nil {
			return fmt.Errorf("sql compiler home: %w", err)
		}
	}
	if c.Compiler.PollInterval <= 0 {
		c.Compiler.PollInterval = DefaultCompilePollInterval
	}
	if c.Compiler.GCSchedule == "" {
		c.Compiler.GCSchedule = DefaultGCSchedule
	}
	if c.Runner.TickInterval <= 0 {
		c.Runner.TickInterval = DefaultSupervisorTick
	}
	if c.Runner.StartTimeout <= 0 {
		c.Runner.StartTimeout = DefaultStartTimeout
	}
	if c.Runner.ShutdownTimeout <= 0 {
		c.Runner.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Runner.FailedTimeout <= 0 {
		c.Runner.FailedTimeout = DefaultFailedTimeout
	}
	if c.Runner.PipelineHost == "" {
		c.Runner.PipelineHost = "127.0.0.1"
	}
	return nil
}

// ResolvePath returns the config file path: BROOK_CONFIG env var first, then
// ./brook.yaml if it exists, otherwise empty (defaults only).
func ResolvePath() string {
	if p := os.Getenv("BROOK_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("brook.yaml"); err == nil {
		return "brook.yaml"
	}
	return ""
}

// EnvInt reads an integer from an environment variable, returning defaultVal
// if unset or invalid.
func EnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return d
}
