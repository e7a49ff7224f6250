// Package compiler runs the background compile scheduler: it leases pending
// programs from the store, drives them through the two-stage SQL-to-native
// toolchain, and publishes the resulting executables as artifacts.
//
// One build runs at a time. The store lease (NextProgramToCompile) plus the
// version-guarded status writes make a crashed or re-edited build harmless:
// stale results are simply discarded.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/brook-data/brook/manager/internal/config"
	"github.com/brook-data/brook/manager/internal/domain"
)

// stderrTailLimit caps how much compiler stderr is persisted as the program's
// structured error. Toolchains can emit megabytes on a bad input.
const stderrTailLimit = 16 * 1024

// Store is the slice of the program store the scheduler needs.
// *postgres.ProgramStore satisfies it.
type Store interface {
	NextProgramToCompile(ctx context.Context) (*domain.Program, error)
	UpdateCompileStatus(ctx context.Context, id uuid.UUID, version int64,
		from, to domain.ProgramStatus, compileErr, schema *string) (bool, error)
	ResetCompilingPrograms(ctx context.Context) (int64, error)
	RegisterArtifact(ctx context.Context, a *domain.CompiledArtifact) error
}

// Compiler is the compile scheduler. Create with New, then Start/Stop.
type Compiler struct {
	store    Store
	cfg      config.CompilerConfig
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a compile scheduler. It does not touch the store until Start.
func New(store Store, cfg config.CompilerConfig) *Compiler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultCompilePollInterval
	}
	return &Compiler{
		store:    store,
		cfg:      cfg,
		interval: interval,
	}
}

// Start recovers interrupted compiles and begins the background poll goroutine.
func (c *Compiler) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("create compiler working dir: %w", err)
	}

	// A crash mid-compile leaves programs stuck in a compiling state with no
	// build running. Demote them so they get picked up again.
	reset, err := c.store.ResetCompilingPrograms(ctx)
	if err != nil {
		return fmt.Errorf("reset compiling programs: %w", err)
	}
	if reset > 0 {
		slog.Info("compiler: requeued interrupted compiles", "count", reset)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
	return nil
}

// Stop cancels the background goroutine and waits for any in-flight build to
// finish or abort.
func (c *Compiler) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// tick drains the pending queue, one build at a time.
func (c *Compiler) tick(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p, err := c.store.NextProgramToCompile(ctx)
		if err != nil {
			slog.Error("compiler: failed to lease next program", "error", err)
			return
		}
		if p == nil {
			return
		}
		c.build(ctx, p)
	}
}

// build drives one leased program through both compile stages. The program
// arrives in CompilingSql (the lease flipped it); every status write is
// guarded on (version, expected status) so a mid-build edit voids the result.
func (c *Compiler) build(ctx context.Context, p *domain.Program) {
	started := time.Now()
	slog.Info("compiler: building program", "program_id", p.ID, "version", p.Version)

	dir := buildDir(c.cfg.WorkingDir, p.ID, p.Version)
	if err := materializeSource(dir, p.Code); err != nil {
		c.fail(ctx, p, domain.ProgramStatusCompilingSql, domain.ProgramStatusSystemError, err.Error())
		return
	}

	// Stage 1: SQL compiler emits a native source tree plus the relation schema.
	stderr, err := c.runSQLCompiler(ctx, dir)
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			c.fail(ctx, p, domain.ProgramStatusCompilingSql, domain.ProgramStatusSqlError, stderr)
		} else {
			c.fail(ctx, p, domain.ProgramStatusCompilingSql, domain.ProgramStatusSystemError, err.Error())
		}
		return
	}

	schemaBytes, err := os.ReadFile(schemaPath(dir))
	if err != nil {
		c.fail(ctx, p, domain.ProgramStatusCompilingSql, domain.ProgramStatusSystemError,
			fmt.Sprintf("read schema: %v", err))
		return
	}
	schema := string(schemaBytes)

	ok, err := c.store.UpdateCompileStatus(ctx, p.ID, p.Version,
		domain.ProgramStatusCompilingSql, domain.ProgramStatusCompilingNative, nil, &schema)
	if err != nil {
		slog.Error("compiler: failed to advance to native stage", "program_id", p.ID, "error", err)
		return
	}
	if !ok {
		slog.Info("compiler: program changed mid-compile, abandoning build",
			"program_id", p.ID, "version", p.Version)
		return
	}

	// Stage 2: native compiler turns the source tree into the executable.
	stderr, err = c.runNativeCompiler(ctx, dir)
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			c.fail(ctx, p, domain.ProgramStatusCompilingNative, domain.ProgramStatusNativeError, stderr)
		} else {
			c.fail(ctx, p, domain.ProgramStatusCompilingNative, domain.ProgramStatusSystemError, err.Error())
		}
		return
	}

	artifact := &domain.CompiledArtifact{
		ProgramID:  p.ID,
		Version:    p.Version,
		BinaryPath: binaryPath(dir),
	}
	// Register before the Success flip: the supervisor only trusts the
	// artifact once the program reads Success, so this order never exposes a
	// half-published build.
	if err := c.store.RegisterArtifact(ctx, artifact); err != nil {
		c.fail(ctx, p, domain.ProgramStatusCompilingNative, domain.ProgramStatusSystemError,
			fmt.Sprintf("register artifact: %v", err))
		return
	}

	ok, err = c.store.UpdateCompileStatus(ctx, p.ID, p.Version,
		domain.ProgramStatusCompilingNative, domain.ProgramStatusSuccess, nil, nil)
	if err != nil {
		slog.Error("compiler: failed to mark program compiled", "program_id", p.ID, "error", err)
		return
	}
	if !ok {
		slog.Info("compiler: program changed mid-compile, abandoning build",
			"program_id", p.ID, "version", p.Version)
		return
	}

	compilesTotal.WithLabelValues("success").Inc()
	compileDuration.Observe(time.Since(started).Seconds())
	slog.Info("compiler: program compiled", "program_id", p.ID, "version", p.Version,
		"duration", time.Since(started).Round(time.Millisecond))
}

// fail writes a guarded error status. A failed guard means the build was
// already superseded, which is not an error worth surfacing.
func (c *Compiler) fail(ctx context.Context, p *domain.Program,
	from, to domain.ProgramStatus, detail string) {

	compilesTotal.WithLabelValues(string(to)).Inc()
	if len(detail) > stderrTailLimit {
		detail = detail[len(detail)-stderrTailLimit:]
	}
	ok, err := c.store.UpdateCompileStatus(ctx, p.ID, p.Version, from, to, &detail, nil)
	if err != nil {
		slog.Error("compiler: failed to record compile error",
			"program_id", p.ID, "status", to, "error", err)
		return
	}
	if ok {
		slog.Warn("compiler: build failed", "program_id", p.ID, "version", p.Version, "status", to)
	}
}

// runSQLCompiler invokes the SQL-to-native compiler:
//
//	sql-compiler <program.sql> <src-dir> <schema.json>
//
// It returns the captured stderr tail alongside the error so ExitErrors carry
// the compiler diagnostics.
func (c *Compiler) runSQLCompiler(ctx context.Context, dir string) (string, error) {
	bin := "sql-compiler"
	if c.cfg.SQLCompilerHome != "" {
		bin = filepath.Join(c.cfg.SQLCompilerHome, "bin", "sql-compiler")
	}
	cmd := exec.CommandContext(ctx, bin, sourcePath(dir), sourceTreeDir(dir), schemaPath(dir))
	cmd.Dir = dir
	return runCapturingStderr(cmd, logPath(dir, "sql"))
}

// runNativeCompiler invokes the native toolchain:
//
//	<native-compiler> <src-dir> <out-path>
//
// An optional dependency override is passed through the environment so local
// runtime checkouts can be substituted without changing the command line.
func (c *Compiler) runNativeCompiler(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, c.cfg.NativeCompiler, sourceTreeDir(dir), binaryPath(dir))
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if c.cfg.DependencyOverridePath != "" {
		cmd.Env = append(cmd.Env, "BROOK_DEPENDENCY_OVERRIDE="+c.cfg.DependencyOverridePath)
	}
	return runCapturingStderr(cmd, logPath(dir, "native"))
}

// runCapturingStderr runs the command, teeing stdout+stderr into a log file in
// the build directory and keeping an in-memory stderr tail for error reporting.
func runCapturingStderr(cmd *exec.Cmd, logFile string) (string, error) {
	var stderr bytes.Buffer

	log, err := os.Create(logFile)
	if err != nil {
		return "", fmt.Errorf("create compile log: %w", err)
	}
	defer log.Close()

	cmd.Stdout = log
	cmd.Stderr = &multiWriter{buf: &stderr, file: log}

	if err := cmd.Run(); err != nil {
		return tail(stderr.Bytes(), stderrTailLimit), err
	}
	return "", nil
}

type multiWriter struct {
	buf  *bytes.Buffer
	file *os.File
}

func (w *multiWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.file.Write(p)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
