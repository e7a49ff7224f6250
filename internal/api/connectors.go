package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/brook-data/brook/manager/internal/domain"
)

// ConnectorStore defines the persistence interface for connectors.
type ConnectorStore interface {
	CreateConnector(ctx context.Context, c *domain.Connector) error
	GetConnector(ctx context.Context, tenantID, id uuid.UUID) (*domain.Connector, error)
	GetConnectorByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Connector, error)
	ListConnectors(ctx context.Context, tenantID uuid.UUID) ([]domain.Connector, error)
	UpdateConnector(ctx context.Context, tenantID, id uuid.UUID, name, description, config *string) (*domain.Connector, error)
	DeleteConnector(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
}

// CreateConnectorRequest is the JSON body for POST /v0/connectors.
// Config is a YAML document describing the transport and format.
type CreateConnectorRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Config      string `json:"config"`
}

// UpdateConnectorRequest is the JSON body for PATCH /v0/connectors/{connectorID}.
type UpdateConnectorRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Config      *string `json:"config"`
}

// ConnectorIDResponse is returned by create.
type ConnectorIDResponse struct {
	ConnectorID uuid.UUID `json:"connector_id"`
}

// MountConnectorRoutes registers connector endpoints on the router.
func MountConnectorRoutes(r chi.Router, srv *Server) {
	r.Get("/connectors", srv.HandleListConnectors)
	r.Post("/connectors", srv.HandleCreateConnector)
	r.Get("/connectors/{connectorID}", srv.HandleGetConnector)
	r.Patch("/connectors/{connectorID}", srv.HandleUpdateConnector)
	r.Delete("/connectors/{connectorID}", srv.HandleDeleteConnector)
}

// validConnectorConfig checks that the config parses as a YAML mapping with a
// transport section. Transport-specific validation happens in the pipeline
// process; the manager only rejects configs it could never hand over.
func validConnectorConfig(config string) error {
	var doc struct {
		Transport map[string]any `yaml:"transport"`
		Format    map[string]any `yaml:"format"`
	}
	if err := yaml.Unmarshal([]byte(config), &doc); err != nil {
		return err
	}
	if len(doc.Transport) == 0 {
		return errors.New("config must contain a transport section")
	}
	return nil
}

// HandleListConnectors returns all connectors for the tenant.
func (s *Server) HandleListConnectors(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)

	if name := r.URL.Query().Get("name"); name != "" {
		c, err := s.Connectors.GetConnectorByName(r.Context(), tenant, name)
		if err != nil {
			internalError(w, "internal error", err)
			return
		}
		if c == nil {
			errorJSON(w, http.StatusNotFound, ErrorCodeUnknownConnector, "unknown connector name "+name)
			return
		}
		writeJSON(w, http.StatusOK, []domain.Connector{*c})
		return
	}

	connectors, err := s.Connectors.ListConnectors(r.Context(), tenant)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if connectors == nil {
		connectors = []domain.Connector{}
	}
	writeJSON(w, http.StatusOK, connectors)
}

// HandleCreateConnector creates a new connector after validating its config.
func (s *Server) HandleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}

	if !validName(req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}
	if err := validConnectorConfig(req.Config); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid connector config: "+err.Error())
		return
	}

	c := &domain.Connector{
		TenantID:    tenantFromRequest(r),
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	}
	if err := s.Connectors.CreateConnector(r.Context(), c); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "a connector named "+req.Name+" already exists")
			return
		}
		internalError(w, "internal error", err)
		return
	}

	writeJSON(w, http.StatusCreated, ConnectorIDResponse{ConnectorID: c.ID})
}

// HandleGetConnector returns a single connector.
func (s *Server) HandleGetConnector(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "connectorID")
	if !ok {
		return
	}

	c, err := s.Connectors.GetConnector(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if c == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownConnector, "unknown connector "+id.String())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleUpdateConnector patches name, description, and config. Deployed
// pipelines keep the connector config they were provisioned with.
func (s *Server) HandleUpdateConnector(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "connectorID")
	if !ok {
		return
	}

	var req UpdateConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}
	if req.Name != nil && !validName(*req.Name) {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"name must be 1-128 chars: letters, digits, hyphens, underscores; must start with a letter")
		return
	}
	if req.Config != nil {
		if err := validConnectorConfig(*req.Config); err != nil {
			errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid connector config: "+err.Error())
			return
		}
	}

	c, err := s.Connectors.UpdateConnector(r.Context(), tenantFromRequest(r), id,
		req.Name, req.Description, req.Config)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, http.StatusConflict, ErrorCodeDuplicateName, "target connector name already exists")
			return
		}
		internalError(w, "internal error", err)
		return
	}
	if c == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownConnector, "unknown connector "+id.String())
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// HandleDeleteConnector deletes a connector. Pipelines keep a copy of attached
// connector configs at provision time, so deleting a connector never breaks a
// running deployment.
func (s *Server) HandleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "connectorID")
	if !ok {
		return
	}

	found, err := s.Connectors.DeleteConnector(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownConnector, "unknown connector "+id.String())
		return
	}

	w.WriteHeader(http.StatusOK)
}
