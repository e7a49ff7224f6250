// Package domain defines the core business types shared across brookd.
// These types represent the control plane's data model — not HTTP or SQL specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (e.g., computed
// fields), define a response struct in the api package instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrProgramInUse indicates a program delete was rejected because at least one
// pipeline still references it.
var ErrProgramInUse = errors.New("program is referenced by a pipeline")

// ErrUnknownProgram indicates a pipeline create or update referenced a program
// that does not exist.
var ErrUnknownProgram = errors.New("unknown program")

// ErrVersionMismatch indicates an operation carried an expected version that no
// longer matches the stored one (e.g., compiling a program that was re-edited).
var ErrVersionMismatch = errors.New("version mismatch")

// DefaultTenantID is the tenant used when authentication is disabled
// (single-user deployments). Rows are still tagged so multi-tenant auth can be
// enabled later without a schema change.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// ProgramStatus tracks a SQL program through the compilation state machine.
type ProgramStatus string

const (
	ProgramStatusNone            ProgramStatus = "None"
	ProgramStatusPending         ProgramStatus = "Pending"
	ProgramStatusCompilingSql    ProgramStatus = "CompilingSql"
	ProgramStatusCompilingNative ProgramStatus = "CompilingNative"
	ProgramStatusSuccess         ProgramStatus = "Success"
	ProgramStatusSqlError        ProgramStatus = "SqlError"
	ProgramStatusNativeError     ProgramStatus = "NativeError"
	ProgramStatusSystemError     ProgramStatus = "SystemError"
)

// Compiling reports whether the status is one of the in-flight compile states.
func (s ProgramStatus) Compiling() bool {
	return s == ProgramStatusCompilingSql || s == ProgramStatusCompilingNative
}

// Terminal reports whether the compile state machine has finished for the
// current version (successfully or not).
func (s ProgramStatus) Terminal() bool {
	switch s {
	case ProgramStatusSuccess, ProgramStatusSqlError, ProgramStatusNativeError, ProgramStatusSystemError:
		return true
	}
	return false
}

// Program is a user-submitted SQL program plus compile state.
// Version increments on every code-mutating edit; any edit resets status to None.
type Program struct {
	ID          uuid.UUID     `json:"program_id"`
	TenantID    uuid.UUID     `json:"-"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Version     int64         `json:"version"`
	Code        string        `json:"code,omitempty"`
	Schema      *string       `json:"schema,omitempty"` // relation schema JSON, produced by the SQL compiler
	Status      ProgramStatus `json:"status"`
	Error       *string       `json:"error,omitempty"` // compiler stderr for SqlError/NativeError/SystemError
	StatusSince time.Time     `json:"status_since"`
	CreatedAt   time.Time     `json:"created_at"`
}

// PipelineStatus is a state in the pipeline lifecycle state machine.
// Desired status is restricted to Shutdown, Paused, and Running; the remaining
// states are observation-only.
type PipelineStatus string

const (
	PipelineStatusShutdown     PipelineStatus = "Shutdown"
	PipelineStatusProvisioning PipelineStatus = "Provisioning"
	PipelineStatusInitializing PipelineStatus = "Initializing"
	PipelineStatusPaused       PipelineStatus = "Paused"
	PipelineStatusRunning      PipelineStatus = "Running"
	PipelineStatusShuttingDown PipelineStatus = "ShuttingDown"
	PipelineStatusFailed       PipelineStatus = "Failed"
)

// ValidDesiredStatus reports whether s may be written as a desired status.
// Failed is derived from observation and never accepted from the REST layer.
func ValidDesiredStatus(s PipelineStatus) bool {
	switch s {
	case PipelineStatusShutdown, PipelineStatusPaused, PipelineStatusRunning:
		return true
	}
	return false
}

// Live reports whether the status implies a child process should exist.
func (s PipelineStatus) Live() bool {
	switch s {
	case PipelineStatusProvisioning, PipelineStatusInitializing,
		PipelineStatusPaused, PipelineStatusRunning, PipelineStatusShuttingDown:
		return true
	}
	return false
}

// Error codes attached to pipelines that reach Failed.
const (
	ErrorProgramNotCompiled = "ProgramNotCompiled"
	ErrorStartTimeout       = "StartTimeout"
	ErrorShutdownTimeout    = "ShutdownTimeout"
	ErrorProvisionFailed    = "ProvisionFailed"
	ErrorWorkerPanic        = "RuntimeError.WorkerPanic"
)

// PipelineError is the structured error surfaced on a failed pipeline and in
// API error responses. The shape matches what pipeline processes themselves
// emit, so proxied errors and manager errors look alike to clients.
type PipelineError struct {
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (e *PipelineError) Error() string { return e.ErrorCode + ": " + e.Message }

// Resources bounds the compute a pipeline process may consume.
// Null fields mean "unbounded"; the merged config endpoint reports them as null.
type Resources struct {
	CPUCoresMin  *int64 `json:"cpu_cores_min" yaml:"cpu_cores_min"`
	CPUCoresMax  *int64 `json:"cpu_cores_max" yaml:"cpu_cores_max"`
	MemoryMBMin  *int64 `json:"memory_mb_min" yaml:"memory_mb_min"`
	MemoryMBMax  *int64 `json:"memory_mb_max" yaml:"memory_mb_max"`
	StorageMBMax *int64 `json:"storage_mb_max" yaml:"storage_mb_max"`
}

// RuntimeConfig is the per-pipeline runtime configuration passed to the
// pipeline process at spawn time.
type RuntimeConfig struct {
	Workers   int       `json:"workers" yaml:"workers"`
	Resources Resources `json:"resources" yaml:"resources"`
}

// DefaultRuntimeConfig returns the config applied when a pipeline is created
// without one.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{Workers: 1}
}

// AttachedConnector binds a named connector to one of the program's relations.
type AttachedConnector struct {
	Name         string    `json:"name"`
	ConnectorID  uuid.UUID `json:"connector_id"`
	RelationName string    `json:"relation_name"`
	IsInput      bool      `json:"is_input"`
}

// Pipeline is a deployable instance of a compiled program.
// DesiredStatus is user intent; CurrentStatus is the supervisor's observation.
type Pipeline struct {
	ID                 uuid.UUID           `json:"pipeline_id"`
	TenantID           uuid.UUID           `json:"-"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	ProgramID          *uuid.UUID          `json:"program_id"`
	Version            int64               `json:"version"`
	Config             RuntimeConfig       `json:"config"`
	Connectors         []AttachedConnector `json:"connectors"`
	DesiredStatus      PipelineStatus      `json:"desired_status"`
	CurrentStatus      PipelineStatus      `json:"current_status"`
	Error              *PipelineError      `json:"error,omitempty"`
	DeploymentLocation *string             `json:"deployment_location,omitempty"` // host:port once provisioned
	StatusSince        time.Time           `json:"status_since"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Deployable reports whether the pipeline is in a state where runtime requests
// (ingress/egress) may be proxied to it.
func (p *Pipeline) Deployable() bool {
	return p.CurrentStatus == PipelineStatusRunning || p.CurrentStatus == PipelineStatusPaused
}

// CompiledArtifact records the executable produced by a successful compile of
// one (program, version) pair. Paths are local to the manager host.
type CompiledArtifact struct {
	ProgramID  uuid.UUID `json:"program_id"`
	Version    int64     `json:"version"`
	BinaryPath string    `json:"binary_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Connector is a reusable transport+format configuration referenced from
// pipeline attachments. Config is opaque YAML validated at create/update time.
type Connector struct {
	ID          uuid.UUID `json:"connector_id"`
	TenantID    uuid.UUID `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Config      string    `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
}
