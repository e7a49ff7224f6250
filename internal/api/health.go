package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X api.Version=0.3.0 -X api.GitCommit=abc1234"
var (
	Version   = "dev"     // Semantic version
	GitCommit = "unknown" // Git commit SHA
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (e.g. Ping, SELECT 1).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /healthz/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealth is a lightweight liveness probe — confirms the process is alive.
// Always returns 200. Includes version and build information.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks configured dependencies and returns 200 if all are
// healthy, or 503 if any is down. Each check runs with a 2s timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]CheckResult)
	allOK := true

	if s.DBHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		if err := s.DBHealth.HealthCheck(ctx); err != nil {
			checks["postgres"] = CheckResult{Status: "error", Error: err.Error()}
			allOK = false
		} else {
			checks["postgres"] = CheckResult{Status: "ok"}
		}
		cancel()
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}
