package runner

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// launchSpec describes one pipeline process to spawn.
type launchSpec struct {
	PipelineID uuid.UUID
	BinaryPath string
	ConfigPath string
	StorageDir string
	Host       string
}

// processHandle is the supervisor's view of one child process. The exec-backed
// implementation wraps os/exec; tests substitute an httptest-backed fake.
type processHandle interface {
	// Addr is the host:port the process serves HTTP on.
	Addr() string
	// Exited is closed once the process has terminated for any reason.
	Exited() <-chan struct{}
	// ExitDetail describes how the process died (exit status plus a stderr
	// tail). Only meaningful after Exited is closed.
	ExitDetail() string
	// Kill force-terminates the process. Safe to call repeatedly.
	Kill()
}

// launcher spawns pipeline processes. Swapped for a fake in tests.
type launcher interface {
	Launch(ctx context.Context, spec launchSpec) (processHandle, error)
}

// execLauncher spawns real child processes:
//
//	<binary> --config <path> --port <port> --storage <dir>
//
// The port is allocated by binding host:0, releasing it, and handing the
// number to the child. The small window between release and bind is accepted;
// a collision surfaces as a start failure and the pipeline goes to Failed.
type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, spec launchSpec) (processHandle, error) {
	port, err := allocatePort(spec.Host)
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", spec.Host, port)

	if err := os.MkdirAll(spec.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	// The child must outlive a supervisor restart, so it is not tied to ctx.
	cmd := exec.Command(spec.BinaryPath,
		"--config", spec.ConfigPath,
		"--port", fmt.Sprintf("%d", port),
		"--storage", spec.StorageDir,
	)
	cmd.Dir = spec.StorageDir

	tail := newTailBuffer(4 * 1024)
	cmd.Stderr = tail

	stdout, err := os.Create(filepath.Join(spec.StorageDir, "pipeline.log"))
	if err != nil {
		return nil, fmt.Errorf("create pipeline log: %w", err)
	}
	cmd.Stdout = stdout

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("spawn pipeline: %w", err)
	}

	h := &execHandle{
		addr:   addr,
		cmd:    cmd,
		tail:   tail,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		h.mu.Lock()
		if err != nil {
			h.exitDetail = fmt.Sprintf("%v; stderr: %s", err, tail.String())
		} else {
			h.exitDetail = "exited cleanly"
		}
		h.mu.Unlock()
		close(h.exited)
	}()
	return h, nil
}

type execHandle struct {
	addr   string
	cmd    *exec.Cmd
	tail   *tailBuffer
	exited chan struct{}

	mu         sync.Mutex
	exitDetail string
}

func (h *execHandle) Addr() string            { return h.addr }
func (h *execHandle) Exited() <-chan struct{} { return h.exited }

func (h *execHandle) ExitDetail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitDetail
}

func (h *execHandle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func allocatePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// tailBuffer keeps the last max bytes written to it. Used to retain a stderr
// tail for crash reports without unbounded memory.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
