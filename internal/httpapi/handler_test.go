package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/config"
)

func testRouter(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()
	eng := engine.New(config.New().Engine, nil)
	return NewRouter(eng, system.NewManager(), nil), eng
}

func TestHealthReflectsEngineReadiness(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestUpdateNodeRoundTripsThroughStore(t *testing.T) {
	router, eng := testRouter(t)

	body := nodeRequest{
		InstanceID: "n0",
		Up:         true,
		Capacities: map[string]float64{"cpu": 100},
		Version:    1,
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/v1/nodes", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, eng.ProcessPendingUpdates())
	snap := eng.Store().Snapshot()
	_, ok := snap.Nodes["n0"]
	assert.True(t, ok)
}

func TestUpdateNodeRejectsMissingRequiredFields(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/nodes", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestQueryFilterRequiresAPathOrJSONPath(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/query/filter", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestQueryFilterGJSONPathSelectsNode(t *testing.T) {
	router, eng := testRouter(t)
	require.NoError(t, eng.Store().UpdateNode(model.Node{InstanceID: "n0", Up: true, Version: 1}))
	require.NoError(t, eng.ProcessPendingUpdates())

	req := httptest.NewRequest(http.MethodGet, "/v1/query/filter?path=nodes.0.InstanceID", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, `"n0"`, resp.Body.String())
}

func TestDiagnosticsReportIncludesGoroutineCount(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Greater(t, out["goroutines"], float64(0))
}
