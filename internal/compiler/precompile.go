package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Precompile builds the baseline runtime dependencies once so the first real
// program compile does not pay the full cold-cache cost. It runs the native
// toolchain against an empty source tree under {working_dir}/baseline and
// exits; intended for `brookd --precompile` during image builds.
func (c *Compiler) Precompile(ctx context.Context) error {
	dir := filepath.Join(c.cfg.WorkingDir, "baseline")
	if err := os.MkdirAll(sourceTreeDir(dir), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	started := time.Now()
	slog.Info("compiler: precompiling baseline dependencies", "dir", dir)

	cmd := exec.CommandContext(ctx, c.cfg.NativeCompiler, sourceTreeDir(dir), binaryPath(dir))
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if c.cfg.DependencyOverridePath != "" {
		cmd.Env = append(cmd.Env, "BROOK_DEPENDENCY_OVERRIDE="+c.cfg.DependencyOverridePath)
	}
	if stderr, err := runCapturingStderr(cmd, logPath(dir, "native")); err != nil {
		if stderr != "" {
			return fmt.Errorf("precompile: %w\n%s", err, stderr)
		}
		return fmt.Errorf("precompile: %w", err)
	}

	slog.Info("compiler: baseline precompile finished",
		"duration", time.Since(started).Round(time.Second))
	return nil
}
