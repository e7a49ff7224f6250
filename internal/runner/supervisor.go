// Package runner supervises pipeline processes: it reconciles the desired
// lifecycle status recorded in the store with what is actually running on the
// host, spawning, probing, pausing, and shutting down child processes.
//
// The supervisor owns the process handles and is the only writer of observed
// status. After a manager crash the old children are not re-adopted: rows left
// in a live state are observed as Shutdown at startup and the user restarts.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brook-data/brook/manager/internal/config"
	"github.com/brook-data/brook/manager/internal/domain"
)

// PipelineStore is the slice of the pipeline store the supervisor needs.
// *postgres.PipelineStore satisfies it.
type PipelineStore interface {
	ListPipelinesNeedingReconciliation(ctx context.Context) ([]domain.Pipeline, error)
	SetObservedStatus(ctx context.Context, id uuid.UUID,
		current domain.PipelineStatus, pipelineErr *domain.PipelineError, location *string) error
	MarkOrphanedPipelinesShutdown(ctx context.Context) (int64, error)
}

// ProgramStore resolves compiled artifacts at provision time.
// *postgres.ProgramStore satisfies it.
type ProgramStore interface {
	GetProgram(ctx context.Context, tenantID, id uuid.UUID) (*domain.Program, error)
	GetArtifact(ctx context.Context, programID uuid.UUID, version int64) (*domain.CompiledArtifact, error)
}

// ConnectorStore resolves connector configs at provision time. Pipelines run
// with the config captured at provision; later connector edits do not touch
// running deployments.
type ConnectorStore interface {
	GetConnector(ctx context.Context, tenantID, id uuid.UUID) (*domain.Connector, error)
}

// deployment tracks one child process from provision to shutdown.
type deployment struct {
	handle      processHandle
	addr        string
	started     time.Time // provision time, bounds StartTimeout
	shutdownAt  time.Time // set when /shutdown was posted
	lastHealthy time.Time // zero until the first successful status probe
}

// Supervisor reconciles pipelines on a fixed tick. Create with New, then
// Start/Stop.
type Supervisor struct {
	pipelines  PipelineStore
	programs   ProgramStore
	connectors ConnectorStore
	cfg        config.RunnerConfig
	launcher   launcher
	client     *pipelineClient

	mu      sync.Mutex
	handles map[uuid.UUID]*deployment

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor spawning real child processes.
func New(pipelines PipelineStore, programs ProgramStore, connectors ConnectorStore,
	cfg config.RunnerConfig) *Supervisor {

	return &Supervisor{
		pipelines:  pipelines,
		programs:   programs,
		connectors: connectors,
		cfg:        cfg,
		launcher:   execLauncher{},
		client:     newPipelineClient(),
		handles:    make(map[uuid.UUID]*deployment),
	}
}

// Start clears orphaned rows and begins the reconciliation goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	orphaned, err := s.pipelines.MarkOrphanedPipelinesShutdown(ctx)
	if err != nil {
		return err
	}
	if orphaned > 0 {
		slog.Info("runner: observed orphaned pipelines as shutdown", "count", orphaned)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the reconciliation loop. Child processes are left running; a
// subsequent Start observes them as orphans.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	reconcileTicks.Inc()

	pending, err := s.pipelines.ListPipelinesNeedingReconciliation(ctx)
	if err != nil {
		slog.Error("runner: failed to list pipelines", "error", err)
		return
	}
	for i := range pending {
		s.reconcile(ctx, &pending[i])
	}

	s.checkHealth(ctx)
}

// reconcile advances one pipeline a single step toward its desired status.
// Each tick performs at most one transition per pipeline; the next tick picks
// up from the newly observed state.
func (s *Supervisor) reconcile(ctx context.Context, p *domain.Pipeline) {
	switch {
	case p.CurrentStatus == domain.PipelineStatusFailed:
		// Sticky Failed: only reachable here with desired Shutdown.
		if d := s.lookup(p.ID); d != nil {
			d.handle.Kill()
		}
		s.release(p.ID)
		s.observe(ctx, p.ID, domain.PipelineStatusShutdown, nil, nil)

	case p.CurrentStatus == domain.PipelineStatusShutdown:
		s.provision(ctx, p)

	case p.DesiredStatus == domain.PipelineStatusShutdown:
		s.shutdown(ctx, p)

	case p.CurrentStatus == domain.PipelineStatusProvisioning:
		s.awaitStartup(ctx, p, domain.PipelineStatusInitializing)

	case p.CurrentStatus == domain.PipelineStatusInitializing:
		s.awaitStartup(ctx, p, domain.PipelineStatusPaused)

	case p.CurrentStatus == domain.PipelineStatusPaused && p.DesiredStatus == domain.PipelineStatusRunning:
		s.toggle(ctx, p, "start", domain.PipelineStatusRunning)

	case p.CurrentStatus == domain.PipelineStatusRunning && p.DesiredStatus == domain.PipelineStatusPaused:
		s.toggle(ctx, p, "pause", domain.PipelineStatusPaused)
	}
}

// provision spawns the pipeline process for a Shutdown pipeline whose desired
// status is Paused or Running.
func (s *Supervisor) provision(ctx context.Context, p *domain.Pipeline) {
	artifact := s.resolveArtifact(ctx, p)
	if artifact == nil {
		s.fail(ctx, p.ID, domain.ErrorProgramNotCompiled,
			"pipeline has no successfully compiled program")
		return
	}

	configPath, storageDir, err := s.writeDeploymentConfig(ctx, p)
	if err != nil {
		s.fail(ctx, p.ID, domain.ErrorProvisionFailed, err.Error())
		return
	}

	h, err := s.launcher.Launch(ctx, launchSpec{
		PipelineID: p.ID,
		BinaryPath: artifact.BinaryPath,
		ConfigPath: configPath,
		StorageDir: storageDir,
		Host:       s.cfg.PipelineHost,
	})
	if err != nil {
		s.fail(ctx, p.ID, domain.ErrorProvisionFailed, err.Error())
		return
	}

	s.mu.Lock()
	s.handles[p.ID] = &deployment{handle: h, addr: h.Addr(), started: time.Now()}
	s.mu.Unlock()

	addr := h.Addr()
	s.observe(ctx, p.ID, domain.PipelineStatusProvisioning, nil, &addr)
	slog.Info("runner: provisioned pipeline", "pipeline_id", p.ID, "addr", addr)
}

// resolveArtifact returns the compiled binary for the pipeline's program at
// its current version, or nil when the program is missing, not compiled, or
// has no artifact.
func (s *Supervisor) resolveArtifact(ctx context.Context, p *domain.Pipeline) *domain.CompiledArtifact {
	if p.ProgramID == nil {
		return nil
	}
	prog, err := s.programs.GetProgram(ctx, p.TenantID, *p.ProgramID)
	if err != nil || prog == nil || prog.Status != domain.ProgramStatusSuccess {
		return nil
	}
	artifact, err := s.programs.GetArtifact(ctx, prog.ID, prog.Version)
	if err != nil {
		return nil
	}
	return artifact
}

// awaitStartup polls /status while the child boots, advancing to next once the
// child reports the corresponding state. StartTimeout bounds the whole boot.
func (s *Supervisor) awaitStartup(ctx context.Context, p *domain.Pipeline, next domain.PipelineStatus) {
	d := s.lookup(p.ID)
	if d == nil {
		s.fail(ctx, p.ID, domain.ErrorWorkerPanic, "pipeline process handle lost")
		return
	}

	select {
	case <-d.handle.Exited():
		s.fail(ctx, p.ID, domain.ErrorWorkerPanic, d.handle.ExitDetail())
		s.release(p.ID)
		return
	default:
	}

	st, err := s.client.status(ctx, d.addr)
	if err == nil {
		if code, msg, failed := reportedFailure(st); failed {
			d.handle.Kill()
			s.release(p.ID)
			s.fail(ctx, p.ID, code, msg)
			return
		}
	}
	switch {
	case err == nil && p.CurrentStatus == domain.PipelineStatusProvisioning:
		// First answer on /status means the HTTP surface is up.
		s.observe(ctx, p.ID, next, nil, &d.addr)
	case err == nil && st.State == string(next):
		d.lastHealthy = time.Now()
		s.observe(ctx, p.ID, next, nil, &d.addr)
	case time.Since(d.started) > s.cfg.StartTimeout:
		d.handle.Kill()
		s.release(p.ID)
		s.fail(ctx, p.ID, domain.ErrorStartTimeout, "pipeline did not come up within the start timeout")
	}
}

// reportedFailure extracts the failure a pipeline self-reports on /status.
// The reported error code wins over the generic WorkerPanic.
func reportedFailure(st *processStatus) (code, message string, failed bool) {
	if st.State != string(domain.PipelineStatusFailed) && st.Error == nil {
		return "", "", false
	}
	code = domain.ErrorWorkerPanic
	message = "pipeline reported failed state"
	if st.Error != nil {
		if st.Error.ErrorCode != "" {
			code = st.Error.ErrorCode
		}
		if st.Error.Message != "" {
			message = st.Error.Message
		}
	}
	return code, message, true
}

// toggle posts start or pause and records the resulting state.
func (s *Supervisor) toggle(ctx context.Context, p *domain.Pipeline, verb string, next domain.PipelineStatus) {
	d := s.lookup(p.ID)
	if d == nil {
		s.fail(ctx, p.ID, domain.ErrorWorkerPanic, "pipeline process handle lost")
		return
	}
	if err := s.client.action(ctx, d.addr, verb); err != nil {
		slog.Warn("runner: lifecycle action failed", "pipeline_id", p.ID, "action", verb, "error", err)
		return
	}
	s.observe(ctx, p.ID, next, nil, &d.addr)
	slog.Info("runner: pipeline "+verb+"ed", "pipeline_id", p.ID)
}

// shutdown drives a live pipeline to Shutdown: post /shutdown once, then wait
// for the process to exit, killing it past the shutdown timeout.
func (s *Supervisor) shutdown(ctx context.Context, p *domain.Pipeline) {
	d := s.lookup(p.ID)
	if d == nil {
		s.observe(ctx, p.ID, domain.PipelineStatusShutdown, nil, nil)
		return
	}

	if p.CurrentStatus != domain.PipelineStatusShuttingDown {
		// Best effort: a dead process cannot answer but will be reaped below.
		if err := s.client.action(ctx, d.addr, "shutdown"); err != nil {
			slog.Warn("runner: shutdown request failed", "pipeline_id", p.ID, "error", err)
		}
		d.shutdownAt = time.Now()
		s.observe(ctx, p.ID, domain.PipelineStatusShuttingDown, nil, &d.addr)
		return
	}

	select {
	case <-d.handle.Exited():
		s.release(p.ID)
		s.observe(ctx, p.ID, domain.PipelineStatusShutdown, nil, nil)
		slog.Info("runner: pipeline shut down", "pipeline_id", p.ID)
	default:
		if time.Since(d.shutdownAt) > s.cfg.ShutdownTimeout {
			d.handle.Kill()
			s.release(p.ID)
			s.fail(ctx, p.ID, domain.ErrorShutdownTimeout, "pipeline did not exit within the shutdown timeout")
		}
	}
}

// checkHealth watches deployments the reconcile pass does not: pipelines whose
// desired and observed states agree. A dead process, a process self-reporting
// an error on /status, or one that stops answering probes moves the pipeline
// to Failed.
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	type probe struct {
		id uuid.UUID
		d  *deployment
	}
	probes := make([]probe, 0, len(s.handles))
	for id, d := range s.handles {
		probes = append(probes, probe{id, d})
	}
	s.mu.Unlock()

	for _, pr := range probes {
		// Deployments being shut down exit on purpose; the shutdown
		// reconciliation reaps them.
		if !pr.d.shutdownAt.IsZero() {
			continue
		}
		select {
		case <-pr.d.handle.Exited():
			// Shutdown reconciliation reaps expected exits before this pass
			// sees them, so an exit here is a crash.
			s.fail(ctx, pr.id, domain.ErrorWorkerPanic, pr.d.handle.ExitDetail())
			s.release(pr.id)
			continue
		default:
		}

		// Responsiveness only matters once the pipeline finished booting;
		// awaitStartup owns the boot window.
		if pr.d.lastHealthy.IsZero() {
			continue
		}
		st, err := s.client.status(ctx, pr.d.addr)
		switch {
		case err == nil:
			if code, msg, failed := reportedFailure(st); failed {
				pr.d.handle.Kill()
				s.fail(ctx, pr.id, code, msg)
				s.release(pr.id)
				continue
			}
			pr.d.lastHealthy = time.Now()
		case time.Since(pr.d.lastHealthy) > s.cfg.FailedTimeout:
			pr.d.handle.Kill()
			s.fail(ctx, pr.id, domain.ErrorWorkerPanic, "pipeline stopped answering status probes")
			s.release(pr.id)
		}
	}
}

func (s *Supervisor) lookup(id uuid.UUID) *deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Supervisor) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

func (s *Supervisor) observe(ctx context.Context, id uuid.UUID,
	status domain.PipelineStatus, perr *domain.PipelineError, location *string) {

	transitionsTotal.WithLabelValues(string(status)).Inc()
	if err := s.pipelines.SetObservedStatus(ctx, id, status, perr, location); err != nil {
		slog.Error("runner: failed to record observed status",
			"pipeline_id", id, "status", status, "error", err)
	}
}

func (s *Supervisor) fail(ctx context.Context, id uuid.UUID, code, message string) {
	slog.Warn("runner: pipeline failed", "pipeline_id", id, "code", code, "detail", message)
	s.observe(ctx, id, domain.PipelineStatusFailed,
		&domain.PipelineError{ErrorCode: code, Message: message}, nil)
}
