package runner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brook-data/brook/manager/internal/domain"
)

func TestSupervisor_DrivesPipelineToRunning(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})

	p := pipelines.get(id)
	require.NotNil(t, p.DeploymentLocation)
	assert.Nil(t, p.Error)

	fp := launcher.proc(id)
	require.NotNil(t, fp)
	assert.Contains(t, fp.recorded(), "start")

	// The launch used the registered artifact and a written config file.
	require.Len(t, launcher.launches, 1)
	assert.Equal(t, "/opt/brook/builds/fake/1/pipeline", launcher.launches[0].BinaryPath)
	_, err := os.Stat(launcher.launches[0].ConfigPath)
	assert.NoError(t, err)
}

func TestSupervisor_PauseAndResume(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})

	pipelines.setDesired(id, domain.PipelineStatusPaused)
	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusPaused
	})
	assert.Contains(t, launcher.proc(id).recorded(), "pause")

	pipelines.setDesired(id, domain.PipelineStatusRunning)
	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})
}

func TestSupervisor_NoCompiledProgram_GoesFailed(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)

	// Program attached but never compiled.
	prog := &domain.Program{ID: uuid.New(), TenantID: domain.DefaultTenantID, Name: "prog", Version: 1,
		Status: domain.ProgramStatusPending}
	programs.add(prog)

	id := uuid.New()
	pipelines.add(&domain.Pipeline{
		ID: id, TenantID: domain.DefaultTenantID, Name: "p", ProgramID: &prog.ID,
		Config:        domain.DefaultRuntimeConfig(),
		DesiredStatus: domain.PipelineStatusRunning,
		CurrentStatus: domain.PipelineStatusShutdown,
	})

	s.tick(context.Background())

	p := pipelines.get(id)
	assert.Equal(t, domain.PipelineStatusFailed, p.CurrentStatus)
	require.NotNil(t, p.Error)
	assert.Equal(t, domain.ErrorProgramNotCompiled, p.Error.ErrorCode)
	assert.Empty(t, launcher.launches)

	// Failed is sticky: further ticks must not retry while desired is Running.
	s.tick(context.Background())
	assert.Empty(t, launcher.launches)
	assert.Equal(t, domain.PipelineStatusFailed, pipelines.get(id).CurrentStatus)
}

func TestSupervisor_FailedClearsOnShutdown(t *testing.T) {
	s, pipelines, programs, _, _ := newTestSupervisor(t)
	prog := &domain.Program{ID: uuid.New(), TenantID: domain.DefaultTenantID, Name: "prog", Version: 1}
	programs.add(prog)

	id := uuid.New()
	pipelines.add(&domain.Pipeline{
		ID: id, TenantID: domain.DefaultTenantID, Name: "p", ProgramID: &prog.ID,
		Config:        domain.DefaultRuntimeConfig(),
		DesiredStatus: domain.PipelineStatusRunning,
		CurrentStatus: domain.PipelineStatusShutdown,
	})

	s.tick(context.Background())
	require.Equal(t, domain.PipelineStatusFailed, pipelines.get(id).CurrentStatus)

	pipelines.setDesired(id, domain.PipelineStatusShutdown)
	s.tick(context.Background())

	p := pipelines.get(id)
	assert.Equal(t, domain.PipelineStatusShutdown, p.CurrentStatus)
	assert.Nil(t, p.Error)
}

func TestSupervisor_ShutdownFlow(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})

	pipelines.setDesired(id, domain.PipelineStatusShutdown)
	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusShutdown
	})

	p := pipelines.get(id)
	assert.Nil(t, p.DeploymentLocation)
	assert.Contains(t, launcher.proc(id).recorded(), "shutdown")
	assert.Nil(t, s.lookup(id), "handle must be released after shutdown")
}

func TestSupervisor_CrashedProcess_GoesFailedWorkerPanic(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})

	launcher.proc(id).crash("panic: worker 0: index out of range")

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusFailed
	})

	p := pipelines.get(id)
	require.NotNil(t, p.Error)
	assert.Equal(t, domain.ErrorWorkerPanic, p.Error.ErrorCode)
	assert.Contains(t, p.Error.Message, "index out of range")
	assert.Nil(t, s.lookup(id))
}

func TestSupervisor_SelfReportedError_GoesFailed(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusRunning
	})

	// The process stays up and keeps answering /status, but reports that a
	// worker died. The next health probe must surface the reported error.
	launcher.proc(id).reportFailure(domain.ErrorWorkerPanic, "worker 0 panicked: index out of range")

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusFailed
	})

	p := pipelines.get(id)
	require.NotNil(t, p.Error)
	assert.Equal(t, domain.ErrorWorkerPanic, p.Error.ErrorCode)
	assert.Contains(t, p.Error.Message, "index out of range")
	assert.Nil(t, s.lookup(id))
}

func TestSupervisor_StartTimeout(t *testing.T) {
	s, pipelines, programs, _, launcher := newTestSupervisor(t)
	s.cfg.StartTimeout = 20 * time.Millisecond
	launcher.unreachable = true

	id := addDeployablePipeline(t, pipelines, programs, domain.PipelineStatusRunning)

	tickUntil(t, s, func() bool {
		return pipelines.get(id).CurrentStatus == domain.PipelineStatusFailed
	})

	p := pipelines.get(id)
	require.NotNil(t, p.Error)
	assert.Equal(t, domain.ErrorStartTimeout, p.Error.ErrorCode)
}

func TestSupervisor_StartMarksOrphansShutdown(t *testing.T) {
	s, pipelines, _, _, _ := newTestSupervisor(t)

	id := uuid.New()
	loc := "127.0.0.1:19999"
	pipelines.add(&domain.Pipeline{
		ID: id, TenantID: domain.DefaultTenantID, Name: "p",
		Config:             domain.DefaultRuntimeConfig(),
		DesiredStatus:      domain.PipelineStatusShutdown,
		CurrentStatus:      domain.PipelineStatusRunning,
		DeploymentLocation: &loc,
	})

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	p := pipelines.get(id)
	assert.Equal(t, domain.PipelineStatusShutdown, p.CurrentStatus)
	assert.Nil(t, p.DeploymentLocation)
}
