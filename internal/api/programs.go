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

// ProgramStore defines the persistence interface for SQL programs.
type ProgramStore interface {
	CreateProgram(ctx context.Context, p *domain.Program) error
	GetProgram(ctx context.Context, tenantID, id uuid.UUID) (*domain.Program, error)
	GetProgramByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Program, error)
	ListPrograms(ctx context.Context, tenantID uuid.UUID) ([]domain.Program, error)
	UpdateProgram(ctx context.Context, tenantID, id uuid.UUID, name, description, code *string) (*domain.Program, error)
	DeleteProgram(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
	QueueCompile(ctx context.Context, tenantID, id uuid.UUID, expectedVersion int64) (bool, error)
}

// CreateProgramRequest is the JSON body for POST /v0/programs.
type CreateProgramRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
}

// UpdateProgramRequest is the JSON body for PATCH /v0/programs/{programID}.
// Nil fields are left unchanged.
type UpdateProgramRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Code        *string `json:"code"`
}

// ProgramVersionResponse is returned by create and update: the program ID and
// the version the write produced.
type ProgramVersionResponse struct {
	ProgramID uuid.UUID `json:"program_id"`
	Version   int64     `json:"version"`
}

// CompileProgramRequest is the JSON body for POST /v0/programs/{programID}/compile.
// Version pins the request to the code revision the client saw.
type CompileProgramRequest struct {
	Version int64 `json:"version"`
}

// MountProgramRoutes registers program endpoints on the router.
func MountProgramRoutes(r chi.Router, srv *Server) {
	r.Get("/programs", srv.HandleListPrograms)
	r.Post("/programs", srv.HandleCreateProgram)
	r.Get("/programs/{programID}", srv.HandleGetProgram)
	r.Patch("/programs/{programID}", srv.HandleUpdateProgram)
	r.Delete("/programs/{programID}", srv.HandleDeleteProgram)
	r.Post("/programs/{programID}/compile", srv.HandleCompileProgram)
}

// HandleListPrograms returns all programs for the tenant. Code is omitted from
// list responses; fetch a single program with ?with_code=true to retrieve it.
func (s *Server) HandleListPrograms(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)

	// ?name= looks up a single program by its unique name.
	if name := r.URL.Query().Get("name"); name != "" {
		p, err := s.Programs.GetProgramByName(r.Context(), tenant, name)
		if err != nil {
			internalError(w, "internal error", err)
			return
		}
		if p == nil {
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program name "+name)
			return
		}
		p.Code = ""
		writeJSON(w, http.StatusOK, []domain.Program{*p})
		return
	}

	programs, err := s.Programs.ListPrograms(r.Context(), tenant)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	for i := range programs {
		programs[i].Code = ""
	}
	if programs == nil {
		programs = []domain.Program{}
	}
	writeJSON(w, http.StatusOK, programs)
}

// HandleCreateProgram creates a new program with status None and version 1.
func (s *Server) HandleCreateProgram(w http.ResponseWriter, r *http.Request) {
	var req CreateProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}

	if !validName(req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}

	p := &domain.Program{
		TenantID:    tenantFromRequest(r),
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
	}
	if err := s.Programs.CreateProgram(r.Context(), p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "a program named "+req.Name+" already exists")
			return
		}
		internalError(w, "internal error", err)
		return
	}

	writeJSON(w, http.StatusCreated, ProgramVersionResponse{ProgramID: p.ID, Version: p.Version})
}

// HandleGetProgram returns a single program. Code is included only with
// ?with_code=true, since program sources can be large.
func (s *Server) HandleGetProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "programID")
	if !ok {
		return
	}

	p, err := s.Programs.GetProgram(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if p == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program "+id.String())
		return
	}

	if r.URL.Query().Get("with_code") != "true" {
		p.Code = ""
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdateProgram patches name, description, and code. A code change bumps
// the version and resets compile status to None.
func (s *Server) HandleUpdateProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "programID")
	if !ok {
		return
	}

	var req UpdateProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}
	if req.Name != nil && !validName(*req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}

	p, err := s.Programs.UpdateProgram(r.Context(), tenantFromRequest(r), id, req.Name, req.Description, req.Code)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "target program name already exists")
			return
		}
		internalError(w, "internal error", err)
		return
	}
	if p == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program "+id.String())
		return
	}

	writeJSON(w, http.StatusOK, ProgramVersionResponse{ProgramID: p.ID, Version: p.Version})
}

// HandleDeleteProgram deletes a program. Deletion is rejected with 400 while
// any pipeline references the program.
func (s *Server) HandleDeleteProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "programID")
	if !ok {
		return
	}

	found, err := s.Programs.DeleteProgram(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		if errors.Is(err, domain.ErrProgramInUse) {
			errorJSON(w, http.StatusBadRequest, ErrorCodeProgramInUse,
				"program is referenced by a pipeline and cannot be deleted")
			return
		}
		internalError(w, "internal error", err)
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program "+id.String())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleCompileProgram queues a compile for the given program version.
// Returns 202 on success; 409 when the supplied version is stale. Queuing a
// program that is already pending, compiling, or compiled is a no-op 202.
func (s *Server) HandleCompileProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "programID")
	if !ok {
		return
	}

	var req CompileProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}

	found, err := s.Programs.QueueCompile(r.Context(), tenantFromRequest(r), id, req.Version)
	if err != nil {
		if errors.Is(err, domain.ErrVersionMismatch) {
			errorJSON(w, http.StatusConflict, ErrorCodeOutdatedProgramVersion,
				"program was edited since the requested version")
			return
		}
		internalError(w, "internal error", err)
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownProgram, "unknown program "+id.String())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
