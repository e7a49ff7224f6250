package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brook-data/brook/manager/internal/domain"
)

// PipelineStore defines the persistence interface for pipelines.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*domain.Pipeline, error)
	GetPipelineByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context, tenantID uuid.UUID) ([]domain.Pipeline, error)
	UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID,
		name, description *string, programID *uuid.UUID,
		config *domain.RuntimeConfig, connectors []domain.AttachedConnector) (*domain.Pipeline, error)
	DeletePipeline(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
	SetDesiredStatus(ctx context.Context, tenantID, id uuid.UUID, desired domain.PipelineStatus) (bool, error)
}

// CreatePipelineRequest is the JSON body for POST /v0/pipelines.
type CreatePipelineRequest struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	ProgramID   *uuid.UUID                 `json:"program_id"`
	Config      *domain.RuntimeConfig      `json:"config"`
	Connectors  []domain.AttachedConnector `json:"connectors"`
}

// UpdatePipelineRequest is the JSON body for PATCH /v0/pipelines/{pipelineID}.
// Nil fields are left unchanged; a non-nil Connectors replaces the whole
// attachment list.
type UpdatePipelineRequest struct {
	Name        *string                    `json:"name"`
	Description *string                    `json:"description"`
	ProgramID   *uuid.UUID                 `json:"program_id"`
	Config      *domain.RuntimeConfig      `json:"config"`
	Connectors  []domain.AttachedConnector `json:"connectors"`
}

// PipelineVersionResponse is returned by create and update.
type PipelineVersionResponse struct {
	PipelineID uuid.UUID `json:"pipeline_id"`
	Version    int64     `json:"version"`
}

// MountPipelineRoutes registers pipeline endpoints on the router, including
// the runtime proxy routes for deployed pipelines.
func MountPipelineRoutes(r chi.Router, srv *Server) {
	r.Get("/pipelines", srv.HandleListPipelines)
	r.Post("/pipelines", srv.HandleCreatePipeline)
	r.Get("/pipelines/{pipelineID}", srv.HandleGetPipeline)
	r.Patch("/pipelines/{pipelineID}", srv.HandleUpdatePipeline)
	r.Delete("/pipelines/{pipelineID}", srv.HandleDeletePipeline)
	r.Get("/pipelines/{pipelineID}/config", srv.HandleGetPipelineConfig)
	r.Post("/pipelines/{pipelineID}/start", srv.HandlePipelineAction(domain.PipelineStatusRunning))
	r.Post("/pipelines/{pipelineID}/pause", srv.HandlePipelineAction(domain.PipelineStatusPaused))
	r.Post("/pipelines/{pipelineID}/shutdown", srv.HandlePipelineAction(domain.PipelineStatusShutdown))

	// Runtime proxy: requests for a deployed pipeline's data plane are
	// forwarded to the pipeline process byte-for-byte.
	r.HandleFunc("/pipelines/{pipelineID}/ingress/*", srv.HandleProxy)
	r.HandleFunc("/pipelines/{pipelineID}/egress/*", srv.HandleProxy)
	r.Get("/pipelines/{pipelineID}/stats", srv.HandleProxy)
}

// HandleListPipelines returns all pipelines for the tenant.
func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)

	if name := r.URL.Query().Get("name"); name != "" {
		p, err := s.Pipelines.GetPipelineByName(r.Context(), tenant, name)
		if err != nil {
			internalError(w, "internal error", err)
			return
		}
		if p == nil {
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownPipeline, "unknown pipeline name "+name)
			return
		}
		writeJSON(w, http.StatusOK, []domain.Pipeline{*p})
		return
	}

	pipelines, err := s.Pipelines.ListPipelines(r.Context(), tenant)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if pipelines == nil {
		pipelines = []domain.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// HandleCreatePipeline creates a pipeline in the Shutdown state.
func (s *Server) HandleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}

	if !validName(req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}

	tenant := tenantFromRequest(r)

	if !s.validateAttachedConnectors(w, r, tenant, req.Connectors) {
		return
	}

	config := domain.DefaultRuntimeConfig()
	if req.Config != nil {
		config = *req.Config
	}

	p := &domain.Pipeline{
		TenantID:    tenant,
		Name:        req.Name,
		Description: req.Description,
		ProgramID:   req.ProgramID,
		Config:      config,
		Connectors:  req.Connectors,
	}
	if err := s.Pipelines.CreatePipeline(r.Context(), p); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "a pipeline named "+req.Name+" already exists")
		case errors.Is(err, domain.ErrUnknownProgram):
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program")
		default:
			internalError(w, "internal error", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, PipelineVersionResponse{PipelineID: p.ID, Version: p.Version})
}

// HandleGetPipeline returns a single pipeline, including its observed status,
// deployment location, and structured error (if failed).
func (s *Server) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleGetPipelineConfig returns the pipeline's merged runtime configuration.
func (s *Server) HandleGetPipelineConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Config)
}

// HandleUpdatePipeline patches a pipeline. Any change bumps the version; a
// running deployment keeps the version it was provisioned with until restarted.
func (s *Server) HandleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "pipelineID")
	if !ok {
		return
	}

	var req UpdatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}
	if req.Name != nil && !validName(*req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}

	tenant := tenantFromRequest(r)

	if !s.validateAttachedConnectors(w, r, tenant, req.Connectors) {
		return
	}

	p, err := s.Pipelines.UpdatePipeline(r.Context(), tenant, id,
		req.Name, req.Description, req.ProgramID, req.Config, req.Connectors)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "target pipeline name already exists")
		case errors.Is(err, domain.ErrUnknownProgram):
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program")
		default:
			internalError(w, "internal error", err)
		}
		return
	}
	if p == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownPipeline, "unknown pipeline "+id.String())
		return
	}

	writeJSON(w, http.StatusOK, PipelineVersionResponse{PipelineID: p.ID, Version: p.Version})
}

// HandleDeletePipeline deletes a pipeline. Only fully shut down pipelines may
// be deleted; shut the pipeline down first.
func (s *Server) HandleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}

	// Failed pipelines are deleted by shutting them down first; the supervisor
	// reaps the handle on the Failed to Shutdown transition.
	if p.CurrentStatus != domain.PipelineStatusShutdown {
		errorJSON(w, http.StatusBadRequest, ErrorCodePipelineNotShutdown,
			"pipeline must be shut down before it can be deleted")
		return
	}

	if _, err := s.Pipelines.DeletePipeline(r.Context(), p.TenantID, p.ID); err != nil {
		internalError(w, "internal error", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandlePipelineAction returns a handler that records the given desired status
// and lets the supervisor converge to it. Responds 202: the state change is
// asynchronous and observable via GET /v0/pipelines/{pipelineID}. Starting a
// pipeline whose program is not compiled is accepted here too; the supervisor
// observes it as Failed with ProgramNotCompiled.
func (s *Server) HandlePipelineAction(desired domain.PipelineStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.lookupPipeline(w, r)
		if !ok {
			return
		}

		if _, err := s.Pipelines.SetDesiredStatus(r.Context(), p.TenantID, p.ID, desired); err != nil {
			internalError(w, "internal error", err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// lookupPipeline resolves the {pipelineID} path parameter to a pipeline,
// writing 400/404 responses on failure.
func (s *Server) lookupPipeline(w http.ResponseWriter, r *http.Request) (*domain.Pipeline, bool) {
	id, ok := parseUUIDParam(w, r, "pipelineID")
	if !ok {
		return nil, false
	}

	p, err := s.Pipelines.GetPipeline(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		internalError(w, "internal error", err)
		return nil, false
	}
	if p == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownPipeline, "unknown pipeline "+id.String())
		return nil, false
	}
	return p, true
}

// validateAttachedConnectors checks that every attachment names an existing
// connector and a non-empty relation. Writes an error response and returns
// false on the first invalid attachment.
func (s *Server) validateAttachedConnectors(w http.ResponseWriter, r *http.Request,
	tenant uuid.UUID, attachments []domain.AttachedConnector) bool {

	for _, ac := range attachments {
		if ac.RelationName == "" {
			errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
				"connector attachment "+ac.Name+" is missing relation_name")
			return false
		}
		c, err := s.Connectors.GetConnector(r.Context(), tenant, ac.ConnectorID)
		if err != nil {
			internalError(w, "internal error", err)
			return false
		}
		if c == nil {
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownConnector,
				"unknown connector "+ac.ConnectorID.String())
			return false
		}
	}
	return true
}
