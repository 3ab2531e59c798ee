package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/scheduler"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/worker"
	"github.com/schrodinger-ai/imagegen-scheduler/pkg/genapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// inertResolver resolves every child to a worker that does nothing, so
// ticks in these tests never race callbacks from a real generation.
type inertResolver struct{}

func (inertResolver) Worker(string) (scheduler.Worker, bool) { return inertWorker{}, true }

type inertWorker struct{}

func (inertWorker) SetAPIKey(context.Context, string, state.APIKeyRecord) {}

func newTestServer(t *testing.T) (*gin.Engine, *scheduler.Engine, *clock.Fake) {
	t.Helper()
	clk := &clock.Fake{Current: 1000}
	pool := worker.NewPool(worker.PoolOptions{Clock: clk})
	engine := scheduler.NewEngine(scheduler.Options{
		Clock:   clk,
		Store:   state.NewMemoryStore(),
		Workers: inertResolver{},
	})
	pool.SetReceiver(engine)
	return NewServer(engine, pool, clk).Router(), engine, clk
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAdmitRequest(t *testing.T) {
	router, engine, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/requests", genapi.AdmitRequestRequest{
		RequestID: "parent-1",
		Prompt:    "a red fox",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[genapi.AdmitRequestResponse](t, w)
	if resp.RequestID != "parent-1" || resp.ChildID == "" {
		t.Fatalf("response = %+v", resp)
	}

	started := engine.Requests(scheduler.PartitionStarted)
	if len(started) != 1 || started[0].ChildID != resp.ChildID {
		t.Fatalf("started partition = %+v", started)
	}
}

func TestAdmitRequestValidation(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/requests", genapi.AdmitRequestRequest{Prompt: "no parent"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListRequestsUnknownPartition(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/api/requests/bogus", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	router, _, _ := newTestServer(t)
	payload := genapi.APIKeyPayload{Provider: "prov", Key: "k1", URL: "https://api.example.com", MaxQuota: 2}

	w := doJSON(t, router, http.MethodPost, "/api/keys", genapi.AddAPIKeysRequest{Keys: []genapi.APIKeyPayload{payload}})
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d, body = %s", w.Code, w.Body.String())
	}
	added := decode[genapi.AddAPIKeysResponse](t, w)
	if len(added.Added) != 1 || len(added.Duplicates) != 0 {
		t.Fatalf("add response = %+v", added)
	}

	// Re-adding the same key is a conflict.
	w = doJSON(t, router, http.MethodPost, "/api/keys", genapi.AddAPIKeysRequest{Keys: []genapi.APIKeyPayload{payload}})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/keys", nil)
	listed := decode[genapi.ListAPIKeysResponse](t, w)
	if len(listed.Keys) != 1 || listed.Keys[0].Key != "k1" {
		t.Fatalf("list response = %+v", listed)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/keys", genapi.RemoveAPIKeysRequest{Keys: []genapi.APIKeyPayload{payload}})
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}
	removed := decode[genapi.RemoveAPIKeysResponse](t, w)
	if len(removed.Removed) != 1 {
		t.Fatalf("remove response = %+v", removed)
	}

	w = doJSON(t, router, http.MethodGet, "/api/keys", nil)
	listed = decode[genapi.ListAPIKeysResponse](t, w)
	if len(listed.Keys) != 0 {
		t.Fatalf("keys remain after removal: %+v", listed)
	}
}

func TestForceExecutionEndpoint(t *testing.T) {
	router, engine, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/requests/ghost/force", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown child, want 404", w.Code)
	}

	// Admit and schedule a request, then push it into the blocked
	// partition by reporting a content policy violation.
	doJSON(t, router, http.MethodPost, "/api/requests", genapi.AdmitRequestRequest{
		RequestID: "parent-1",
		ChildID:   "child-1",
		Prompt:    "a red fox",
	})
	doJSON(t, router, http.MethodPost, "/api/keys", genapi.AddAPIKeysRequest{
		Keys: []genapi.APIKeyPayload{{Provider: "prov", Key: "k1", URL: "https://api.example.com", MaxQuota: 1}},
	})
	ctx := context.Background()
	engine.Tick(ctx)
	engine.ReportBlocked(ctx, scheduler.RequestStatus{ChildID: "child-1"})

	w = doJSON(t, router, http.MethodPost, "/api/requests/child-1/force", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !decode[genapi.ForceExecutionResponse](t, w).Moved {
		t.Fatalf("force execution reported not moved")
	}
}

func TestOverloadedEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/api/overloaded", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// No keys registered: the pool cannot absorb anything.
	if !decode[genapi.OverloadedResponse](t, w).Overloaded {
		t.Fatalf("empty registry not reported as overloaded")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	router, _, _ := newTestServer(t)
	if w := doJSON(t, router, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	w := doJSON(t, router, http.MethodGet, "/metrics/prometheus", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prometheus status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("prometheus render missing content type")
	}
}
