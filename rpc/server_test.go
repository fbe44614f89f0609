package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duxnet/native/capability"
	"duxnet/native/escrow"
	"duxnet/native/registry"
	"duxnet/native/reputation"
	"duxnet/native/tasks"
	"duxnet/storage"
)

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	store, err := storage.Open(":memory:",
		&registry.Node{}, &tasks.Task{}, &tasks.TaskResult{},
		&escrow.Contract{}, &escrow.EscrowTransaction{}, &escrow.EscrowDispute{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index := capability.NewIndex()
	server := NewServer(Options{
		Registry:        registry.NewEngine(store, index, reputation.NewEngine()),
		Index:           index,
		Scheduler:       tasks.NewEngine(store),
		Escrow:          escrow.NewEngine(store),
		AuthTokenSecret: secret,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndMetricsOpen(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegistryEndpoints(t *testing.T) {
	ts := newTestServer(t, "")

	resp, node := doJSON(t, http.MethodPost, ts.URL+"/v1/registry/nodes", map[string]any{
		"node_id": "n1", "address": "10.0.0.1:9000", "capabilities": []string{"python"},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "n1", node["node_id"])
	require.Equal(t, "healthy", node["status"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/registry/nodes", map[string]any{
		"node_id": "", "address": "x",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, got := doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes/n1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "n1", got["node_id"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes/ghost", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, queried := doJSON(t, http.MethodPost, ts.URL+"/v1/registry/nodes/query", map[string]any{
		"capabilities": []string{"python"}, "match_all": true,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, queried["nodes"], 1)

	resp, update := doJSON(t, http.MethodPost, ts.URL+"/v1/registry/nodes/n1/reputation", map[string]any{
		"event": "task_success",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 10.0, update["new"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/registry/nodes/n1/reputation", map[string]any{
		"event": "not_an_event",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, validation := doJSON(t, http.MethodGet, ts.URL+"/v1/registry/capabilities/validate?capability=python", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, validation["well_formed"])
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")

	resp, task := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/", map[string]any{
		"task_type": "render", "submitter_id": "b1", "max_execution_time": 60,
		"required_capabilities": []string{"python"},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	taskID := task["task_id"].(string)

	resp, available := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/available", map[string]any{
		"capabilities": []string{"python", "compute"},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, available["tasks"], 1)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+taskID+"/assign", map[string]any{"node_id": "n1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Losing a second assignment maps to 409.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+taskID+"/assign", map[string]any{"node_id": "n2"}, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+taskID+"/start", map[string]any{"node_id": "n1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, done := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+taskID+"/complete", map[string]any{
		"node_id": "n1", "result": "42", "duration_seconds": 1.5,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", done["status"])

	resp, stats := doJSON(t, http.MethodGet, ts.URL+"/v1/tasks/statistics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1.0, stats["total"])
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")

	resp, contract := doJSON(t, http.MethodPost, ts.URL+"/v1/escrow/", map[string]any{
		"type": "service_payment", "buyer_id": "b1", "seller_id": "s1",
		"amount": "10.00", "currency": "FLOP",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	contractID := contract["contract_id"].(string)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/escrow/"+contractID+"/fund", map[string]any{"tx_hash": "TXF"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/escrow/"+contractID+"/fund", map[string]any{"tx_hash": "TXF"}, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/escrow/"+contractID+"/start", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, completed := doJSON(t, http.MethodPost, ts.URL+"/v1/escrow/"+contractID+"/complete", map[string]any{"tx_hash": "TXC"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", completed["status"])

	resp, movements := doJSON(t, http.MethodGet, ts.URL+"/v1/escrow/"+contractID+"/transactions", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, movements["transactions"], 3)

	resp, listed := doJSON(t, http.MethodGet, ts.URL+"/v1/escrow/?user_id=b1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed["contracts"], 1)
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, secret)

	// Anonymous and garbage tokens are rejected; health stays open.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes", nil, "garbage")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	healthResp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, healthResp.StatusCode)
	healthResp.Body.Close()

	token, err := IssueToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wrong, err := IssueToken("other-secret", "ops", time.Minute)
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/registry/nodes", nil, wrong)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
