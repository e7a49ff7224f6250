// Package api provides the HTTP API handlers for brookd.
// All endpoints are mounted under /v0.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brook-data/brook/manager/internal/domain"
)

// maxJSONBodySize is the maximum size for JSON request bodies (8MB).
// Program code travels inline in request bodies, so the cap is generous.
const maxJSONBodySize = 8 << 20

// Machine-readable error codes carried in the error envelope. Codes are
// PascalCase so that manager errors and errors proxied from pipeline processes
// share one vocabulary.
const (
	ErrorCodeInvalidArgument        = "InvalidArgument"
	ErrorCodeDuplicateName          = "DuplicateName"
	ErrorCodeUnknownProgram         = "UnknownProgram"
	ErrorCodeUnknownPipeline        = "UnknownPipeline"
	ErrorCodeUnknownConnector       = "UnknownConnector"
	ErrorCodeOutdatedProgramVersion = "OutdatedProgramVersion"
	ErrorCodeProgramInUse           = "ProgramInUseByPipeline"
	ErrorCodePipelineNotShutdown    = "PipelineNotShutdown"
	ErrorCodePipelineNotDeployed    = "PipelineNotDeployed"
	ErrorCodeInvalidDesiredStatus   = "InvalidDesiredStatus"
	ErrorCodeInternal               = "InternalError"
	ErrorCodeUpstreamUnreachable    = "PipelineUnreachable"
)

// ErrorResponse is the structured JSON error envelope returned by all API
// error responses. It is shape-compatible with domain.PipelineError, so
// clients see one format whether an error originated in the manager or was
// proxied from a pipeline process.
type ErrorResponse struct {
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, status int, code, message string) {
	errorJSONDetails(w, status, code, message, nil)
}

// errorJSONDetails writes a structured JSON error response with a details payload.
func errorJSONDetails(w http.ResponseWriter, status int, code, message string, details json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Message:   message,
		ErrorCode: code,
		Details:   details,
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, http.StatusInternalServerError, ErrorCodeInternal, msg)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
// Logs an error if encoding fails (response may be partial at that point).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// validNameRe matches resource names: starts with a letter, then letters,
// digits, hyphens, and underscores.
var validNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// validName returns true if s is a valid resource name (1-128 chars).
func validName(s string) bool {
	return len(s) <= 128 && validNameRe.MatchString(s)
}

// limitJSONBody caps request body size for JSON endpoints. Ingress endpoints
// stream arbitrary data and manage their own limits, so they are excluded.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && !strings.Contains(r.URL.Path, "/ingress/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Programs   ProgramStore
	Pipelines  PipelineStore
	Connectors ConnectorStore
	Proxy      *Proxy                        // Runtime proxy for ingress/egress/stats forwarding.
	Auth       func(http.Handler) http.Handler
	DBHealth   HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	// CORSOrigins lists allowed browser origins. Empty means same-origin only
	// plus localhost dev servers.
	CORSOrigins []string
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.Proxy == nil {
		srv.Proxy = NewProxy(srv.Pipelines)
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated, outside /v0)
	r.Get("/healthz", srv.HandleHealth)
	r.Get("/healthz/ready", srv.HandleHealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v0", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}

		MountProgramRoutes(r, srv)
		MountPipelineRoutes(r, srv)
		MountConnectorRoutes(r, srv)
	})

	return r
}

// parseUUIDParam extracts and parses a UUID path parameter. On failure it
// writes a 400 response and returns false.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// tenantFromRequest resolves the tenant for the request. With auth disabled
// every request maps to the default tenant; the auth middleware may override
// this via context in multi-tenant deployments.
func tenantFromRequest(r *http.Request) uuid.UUID {
	if t, ok := TenantFromContext(r.Context()); ok {
		return t
	}
	return domain.DefaultTenantID
}
