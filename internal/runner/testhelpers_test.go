package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/brook-data/brook/manager/internal/config"
	"github.com/brook-data/brook/manager/internal/domain"
)

// memPipelineStore mirrors the store's reconciliation semantics in memory,
// including sticky Failed.
type memPipelineStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*domain.Pipeline
	orphaned int64
}

func newMemPipelineStore() *memPipelineStore {
	return &memPipelineStore{rows: make(map[uuid.UUID]*domain.Pipeline)}
}

func (m *memPipelineStore) add(p *domain.Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.ID] = &cp
}

func (m *memPipelineStore) get(id uuid.UUID) domain.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memPipelineStore) setDesired(id uuid.UUID, desired domain.PipelineStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].DesiredStatus = desired
}

func (m *memPipelineStore) ListPipelinesNeedingReconciliation(ctx context.Context) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range m.rows {
		if p.DesiredStatus == p.CurrentStatus {
			continue
		}
		if p.CurrentStatus == domain.PipelineStatusFailed && p.DesiredStatus != domain.PipelineStatusShutdown {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memPipelineStore) SetObservedStatus(ctx context.Context, id uuid.UUID,
	current domain.PipelineStatus, pipelineErr *domain.PipelineError, location *string) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("pipeline %s not found", id)
	}
	p.CurrentStatus = current
	p.Error = pipelineErr
	p.DeploymentLocation = location
	p.StatusSince = time.Now()
	return nil
}

func (m *memPipelineStore) MarkOrphanedPipelinesShutdown(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.rows {
		if p.CurrentStatus.Live() {
			p.CurrentStatus = domain.PipelineStatusShutdown
			p.DeploymentLocation = nil
			n++
		}
	}
	m.orphaned = n
	return n, nil
}

type memProgramStore struct {
	mu        sync.Mutex
	programs  map[uuid.UUID]*domain.Program
	artifacts map[string]*domain.CompiledArtifact
}

func newMemProgramStore() *memProgramStore {
	return &memProgramStore{
		programs:  make(map[uuid.UUID]*domain.Program),
		artifacts: make(map[string]*domain.CompiledArtifact),
	}
}

func (m *memProgramStore) addCompiled(p *domain.Program, binaryPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Status = domain.ProgramStatusSuccess
	cp := *p
	m.programs[p.ID] = &cp
	m.artifacts[fmt.Sprintf("%s/%d", p.ID, p.Version)] = &domain.CompiledArtifact{
		ProgramID: p.ID, Version: p.Version, BinaryPath: binaryPath,
	}
}

func (m *memProgramStore) add(p *domain.Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.programs[p.ID] = &cp
}

func (m *memProgramStore) GetProgram(ctx context.Context, tenantID, id uuid.UUID) (*domain.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.programs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memProgramStore) GetArtifact(ctx context.Context, programID uuid.UUID, version int64) (*domain.CompiledArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[fmt.Sprintf("%s/%d", programID, version)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

type memConnectorStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Connector
}

func newMemConnectorStore() *memConnectorStore {
	return &memConnectorStore{rows: make(map[uuid.UUID]*domain.Connector)}
}

func (m *memConnectorStore) add(c *domain.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.ID] = &cp
}

func (m *memConnectorStore) GetConnector(ctx context.Context, tenantID, id uuid.UUID) (*domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// fakePipeline is an httptest-backed stand-in for a spawned pipeline process.
// It implements both the control protocol and processHandle.
type fakePipeline struct {
	srv    *httptest.Server
	exited chan struct{}

	mu        sync.Mutex
	state     string
	statusErr *domain.PipelineError
	actions   []string
	detail    string
	closed    bool
}

func newFakePipeline() *fakePipeline {
	fp := &fakePipeline{
		state:  "Paused",
		exited: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		st := processStatus{State: fp.state, Error: fp.statusErr}
		fp.mu.Unlock()
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/start", fp.lifecycle("start", "Running"))
	mux.HandleFunc("/pause", fp.lifecycle("pause", "Paused"))
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.actions = append(fp.actions, "shutdown")
		fp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		go fp.terminate("exited cleanly")
	})
	fp.srv = httptest.NewServer(mux)
	return fp
}

func (fp *fakePipeline) lifecycle(verb, next string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.actions = append(fp.actions, verb)
		fp.state = next
		fp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

// crash simulates the process dying with a stderr tail.
func (fp *fakePipeline) crash(detail string) {
	fp.terminate(detail)
}

// reportFailure makes /status report the Failed state with an error payload
// while the process itself keeps running and answering probes.
func (fp *fakePipeline) reportFailure(code, message string) {
	fp.mu.Lock()
	fp.state = string(domain.PipelineStatusFailed)
	fp.statusErr = &domain.PipelineError{ErrorCode: code, Message: message}
	fp.mu.Unlock()
}

func (fp *fakePipeline) terminate(detail string) {
	fp.mu.Lock()
	if fp.closed {
		fp.mu.Unlock()
		return
	}
	fp.closed = true
	fp.detail = detail
	fp.mu.Unlock()
	close(fp.exited)
	fp.srv.Close()
}

func (fp *fakePipeline) recorded() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.actions...)
}

func (fp *fakePipeline) Addr() string            { return strings.TrimPrefix(fp.srv.URL, "http://") }
func (fp *fakePipeline) Exited() <-chan struct{} { return fp.exited }
func (fp *fakePipeline) Kill()                   { fp.terminate("killed") }

func (fp *fakePipeline) ExitDetail() string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.detail
}

// fakeLauncher hands out fakePipelines and records launch specs.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []launchSpec
	procs    map[uuid.UUID]*fakePipeline
	err      error
	// unreachable makes launched handles point at a dead address, simulating
	// a process that spawns but never serves HTTP.
	unreachable bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[uuid.UUID]*fakePipeline)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec launchSpec) (processHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launches = append(l.launches, spec)
	fp := newFakePipeline()
	if l.unreachable {
		fp.srv.Close()
	}
	l.procs[spec.PipelineID] = fp
	return fp, nil
}

func (l *fakeLauncher) proc(id uuid.UUID) *fakePipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

// newTestSupervisor wires a supervisor with in-memory stores and a fake
// launcher. Ticks are driven manually for determinism.
func newTestSupervisor(t *testing.T) (*Supervisor, *memPipelineStore, *memProgramStore, *memConnectorStore, *fakeLauncher) {
	t.Helper()

	pipelines := newMemPipelineStore()
	programs := newMemProgramStore()
	connectors := newMemConnectorStore()
	launcher := newFakeLauncher()

	cfg := config.RunnerConfig{
		WorkingDir:      t.TempDir(),
		PipelineHost:    "127.0.0.1",
		TickInterval:    10 * time.Millisecond,
		StartTimeout:    2 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		FailedTimeout:   2 * time.Second,
	}
	s := New(pipelines, programs, connectors, cfg)
	s.launcher = launcher
	return s, pipelines, programs, connectors, launcher
}

// addDeployablePipeline creates a pipeline bound to a compiled program.
func addDeployablePipeline(t *testing.T, pipelines *memPipelineStore, programs *memProgramStore,
	desired domain.PipelineStatus) uuid.UUID {
	t.Helper()

	prog := &domain.Program{ID: uuid.New(), TenantID: domain.DefaultTenantID, Name: "prog", Version: 1}
	programs.addCompiled(prog, "/opt/brook/builds/fake/1/pipeline")

	id := uuid.New()
	pipelines.add(&domain.Pipeline{
		ID:            id,
		TenantID:      domain.DefaultTenantID,
		Name:          "p",
		ProgramID:     &prog.ID,
		Version:       1,
		Config:        domain.DefaultRuntimeConfig(),
		DesiredStatus: desired,
		CurrentStatus: domain.PipelineStatusShutdown,
	})
	return id
}

// tickUntil drives the supervisor until cond holds or the deadline passes.
func tickUntil(t *testing.T, s *Supervisor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.tick(context.Background())
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not reached before deadline")
}
