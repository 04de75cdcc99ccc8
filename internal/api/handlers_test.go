package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/l1x/crabitat/internal/burrow"
	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/engine"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	wfDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatal(err)
	}
	registry, err := workflow.Load(wfDir, logger)
	if err != nil {
		t.Fatalf("load workflows: %v", err)
	}

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)
	burrows := burrow.NewManager(filepath.Join(dir, "burrows"))
	eng := engine.New(st, registry, eventBus, burrows, nil, 90*time.Second, logger)

	return NewServer(":0", "", st, eng, eventBus, logger)
}

func doJSON(t *testing.T, server *Server, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestColonyAndMissionFlow(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/v1/colonies", map[string]string{"name": "reef"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create colony status = %d body=%s", rec.Code, rec.Body.String())
	}
	colony := decodeBody[colonyResponse](t, rec)

	rec = doJSON(t, server, http.MethodPost, "/v1/missions", map[string]string{
		"colony_id": colony.ID,
		"prompt":    "ship the widget",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create mission status = %d body=%s", rec.Code, rec.Body.String())
	}
	mission := decodeBody[missionResponse](t, rec)
	if mission.Status != "pending" || mission.BurrowPath == "" {
		t.Errorf("mission = %+v", mission)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/missions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list missions status = %d", rec.Code)
	}
	missions := decodeBody[[]missionResponse](t, rec)
	if len(missions) != 1 {
		t.Errorf("missions = %d, want 1", len(missions))
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/missions", map[string]string{
		"colony_id": colony.ID,
		"prompt":    "with unknown workflow",
		"workflow_name": "ghost",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown workflow status = %d, want 400", rec.Code)
	}
}

func TestRegisterCrabConflictStatus(t *testing.T) {
	server := newTestServer(t)
	colony := decodeBody[colonyResponse](t, doJSON(t, server, http.MethodPost, "/v1/colonies", map[string]string{"name": "reef"}))

	rec := doJSON(t, server, http.MethodPost, "/v1/crabs/register", map[string]string{
		"crab_id": "c1", "colony_id": colony.ID, "name": "one", "role": "worker",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/crabs/register", map[string]string{
		"crab_id": "c2", "colony_id": colony.ID, "name": "two", "role": "worker",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("conflicting register status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/crabs/register", map[string]string{
		"crab_id": "c2", "colony_id": colony.ID, "name": "two", "role": "wizard",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", rec.Code)
	}
}

func TestStatusAndWorkflowEndpoints(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	snapshot := decodeBody[map[string]any](t, rec)
	if _, ok := snapshot["summary"]; !ok {
		t.Error("snapshot missing summary")
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/workflows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("workflows = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/scheduler/tick", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tick = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	base := newTestServer(t)
	server := NewServer(":0", "secret", base.store, base.engine, base.bus, base.logger)

	req := httptest.NewRequest(http.MethodGet, "/v1/colonies", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/colonies", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}
