package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}

	dataflowSvc, err := dataflow.New(&dataflow.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("dataflow.New: %v", err)
	}

	return NewHandlers(store, nil, v, &config.Config{}, nil, &HandlerOptions{
		Registry:    registry.NewMemoryRegistry(),
		DataflowSvc: dataflowSvc,
	})
}

func TestHandlers_HealthAndReady(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /readyz, got %d", rec.Code)
	}
}

func TestHandlers_CreateRunDryRun(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	body := CreateRunRequest{
		Name: "dry-run-test",
		Plan: &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo", Params: map[string]interface{}{"args": []interface{}{"A"}}}}},
		Options: &CreateRunOptions{
			DryRun: true,
		},
	}
	buf, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for dry run, got %d: %s", rec.Code, rec.Body.String())
	}

	var plan types.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(plan.Nodes) != 1 || plan.Nodes[0].ID != "a" {
		t.Fatalf("expected plan echoed back verbatim, got %+v", plan)
	}
}

func TestHandlers_CreateRunWithoutPlan(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte(`{"name":"no-plan"}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing plan, got %d", rec.Code)
	}
}

func TestHandlers_CreateRunInvalidCycle(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	buf, _ := json.Marshal(CreateRunRequest{Name: "cyclic", Plan: plan})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cyclic plan, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlers_GetRunNotFound(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}
}

func TestHandlers_CreateThenGetRun(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo", Params: map[string]interface{}{"args": []interface{}{"A"}}}}}
	buf, _ := json.Marshal(CreateRunRequest{Name: "get-me", Plan: plan})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating run, got %d: %s", rec.Code, rec.Body.String())
	}

	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	runID := created["runId"]
	if runID == "" {
		t.Fatalf("expected runId in response, got %v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID, nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 getting run, got %d: %s", rec.Code, rec.Body.String())
	}

	var proj runProjection
	if err := json.Unmarshal(rec.Body.Bytes(), &proj); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if proj.RunID != runID {
		t.Fatalf("expected runId %s, got %s", runID, proj.RunID)
	}
}

func TestHandlers_RegisterAndGetAgent(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	manifest := types.AgentManifest{
		ID:      "agent-1",
		Name:    "Test Agent",
		Version: "1.0.0",
		Image:   "example/agent:latest",
	}
	buf, _ := json.Marshal(manifest)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 registering agent, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-1", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 getting agent, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlers_StoreAndGetArtifact(t *testing.T) {
	h := newTestHandlers(t)
	srv := NewServer(h, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "result.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte("artifact contents")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/nodes/node-1/artifacts", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 storing artifact, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/nodes/node-1/artifacts/result.txt", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching artifact, got %d: %s", rec.Code, rec.Body.String())
	}
	data, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read artifact body: %v", err)
	}
	if string(data) != "artifact contents" {
		t.Fatalf("expected artifact contents round-tripped, got %q", string(data))
	}
}
