package api_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brook-data/brook/manager/internal/api"
	"github.com/brook-data/brook/manager/internal/domain"
)

// createCompiledProgram creates a program and force-marks it compiled.
func createCompiledProgram(t *testing.T, router http.Handler, programs *memoryProgramStore, name string) uuid.UUID {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/v0/programs", api.CreateProgramRequest{
		Name: name,
		Code: "CREATE TABLE t(c1 INTEGER);",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[api.ProgramVersionResponse](t, rec)
	programs.setStatus(created.ProgramID, domain.ProgramStatusSuccess)
	return created.ProgramID
}

func TestCreatePipeline_Returns201(t *testing.T) {
	srv, programs, _, _ := newTestServer()
	router := api.NewRouter(srv)

	programID := createCompiledProgram(t, router, programs, "demo")

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{
		Name:      "demo-pipeline",
		ProgramID: &programID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeJSON[api.PipelineVersionResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, resp.PipelineID)
	assert.Equal(t, int64(1), resp.Version)
}

func TestCreatePipeline_DefaultsConfig(t *testing.T) {
	srv, _, _, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{Name: "p"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[api.PipelineVersionResponse](t, rec)

	rec = doJSON(t, router, http.MethodGet, "/v0/pipelines/"+created.PipelineID.String()+"/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeJSON[domain.RuntimeConfig](t, rec)
	assert.Equal(t, 1, cfg.Workers)
	assert.Nil(t, cfg.Resources.CPUCoresMax)
}

func TestCreatePipeline_UnknownConnector_Returns404(t *testing.T) {
	srv, _, _, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{
		Name: "p",
		Connectors: []domain.AttachedConnector{{
			Name:         "in",
			ConnectorID:  uuid.New(),
			RelationName: "t1",
			IsInput:      true,
		}},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decodeJSON[api.ErrorResponse](t, rec)
	assert.Equal(t, api.ErrorCodeUnknownConnector, errResp.ErrorCode)
}

func TestGetPipeline_ReportsStatusAndError(t *testing.T) {
	srv, _, pipelines, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{Name: "p"})
	created := decodeJSON[api.PipelineVersionResponse](t, rec)

	rec = doJSON(t, router, http.MethodGet, "/v0/pipelines/"+created.PipelineID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeJSON[domain.Pipeline](t, rec)
	assert.Equal(t, domain.PipelineStatusShutdown, p.CurrentStatus)
	assert.Equal(t, domain.PipelineStatusShutdown, p.DesiredStatus)
	assert.Nil(t, p.Error)

	pipelines.observe(created.PipelineID, domain.PipelineStatusRunning, ptr("127.0.0.1:18080"))

	rec = doJSON(t, router, http.MethodGet, "/v0/pipelines/"+created.PipelineID.String(), nil)
	p = decodeJSON[domain.Pipeline](t, rec)
	assert.Equal(t, domain.PipelineStatusRunning, p.CurrentStatus)
	require.NotNil(t, p.DeploymentLocation)
	assert.Equal(t, "127.0.0.1:18080", *p.DeploymentLocation)
}

func TestPipelineStart_AcceptedBeforeCompile(t *testing.T) {
	srv, _, _, _ := newTestServer()
	router := api.NewRouter(srv)

	// No program attached. The request is still accepted; the supervisor
	// observes the pipeline as Failed(ProgramNotCompiled) when it reconciles.
	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{Name: "p"})
	created := decodeJSON[api.PipelineVersionResponse](t, rec)

	rec = doJSON(t, router, http.MethodPost, "/v0/pipelines/"+created.PipelineID.String()+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v0/pipelines/"+created.PipelineID.String(), nil)
	p := decodeJSON[domain.Pipeline](t, rec)
	assert.Equal(t, domain.PipelineStatusRunning, p.DesiredStatus)
}

func TestPipelineStart_UnknownPipeline_Returns404(t *testing.T) {
	srv, _, _, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines/"+uuid.New().String()+"/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decodeJSON[api.ErrorResponse](t, rec)
	assert.Equal(t, api.ErrorCodeUnknownPipeline, errResp.ErrorCode)
}

func TestPipelineShutdown_AlwaysAccepted(t *testing.T) {
	srv, _, _, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{Name: "p"})
	created := decodeJSON[api.PipelineVersionResponse](t, rec)

	rec = doJSON(t, router, http.MethodPost, "/v0/pipelines/"+created.PipelineID.String()+"/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDeletePipeline_RejectedWhileDeployed(t *testing.T) {
	srv, _, pipelines, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := doJSON(t, router, http.MethodPost, "/v0/pipelines", api.CreatePipelineRequest{Name: "p"})
	created := decodeJSON[api.PipelineVersionResponse](t, rec)

	pipelines.observe(created.PipelineID, domain.PipelineStatusRunning, ptr("127.0.0.1:18080"))

	rec = doJSON(t, router, http.MethodDelete, "/v0/pipelines/"+created.PipelineID.String(), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeJSON[api.ErrorResponse](t, rec)
	assert.Equal(t, api.ErrorCodePipelineNotShutdown, errResp.ErrorCode)

	// Failed pipelines are not deletable either; they go through shutdown
	// first so the supervisor can reap the handle.
	pipelines.observe(created.PipelineID, domain.PipelineStatusFailed, nil)

	rec = doJSON(t, router, http.MethodDelete, "/v0/pipelines/"+created.PipelineID.String(), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp = decodeJSON[api.ErrorResponse](t, rec)
	assert.Equal(t, api.ErrorCodePipelineNotShutdown, errResp.ErrorCode)

	pipelines.observe(created.PipelineID, domain.PipelineStatusShutdown, nil)

	rec = doJSON(t, router, http.MethodDelete, "/v0/pipelines/"+created.PipelineID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func ptr[T any](v T) *T { return &v }
