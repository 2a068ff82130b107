package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	"docsync/internal/docmanager"
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeCompactor struct {
	compactFn func(context.Context, string, string) (docmanager.CompactResult, error)
}

func (f *fakeCompactor) Compact(ctx context.Context, workspaceID, guid string) (docmanager.CompactResult, error) {
	if f.compactFn != nil {
		return f.compactFn(ctx, workspaceID, guid)
	}
	return docmanager.CompactResult{}, nil
}

func newTestServer(docs compactor, checks map[string]Pinger) *HTTPServer {
	svc := New(docs, "admin-secret", checks)
	sync := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewHTTPServer(svc, sync, nil, "*", logr.Discard())
}

func serve(server *HTTPServer, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, nil)
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := decode(t, rr)["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if id := rr.Header().Get("X-Request-ID"); id == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, map[string]Pinger{
		"database": &fakePinger{},
		"fabric":   &fakePinger{},
	})
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decode(t, rr)
	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	for _, name := range []string{"database", "fabric"} {
		check, exists := checks[name].(map[string]any)
		if !exists {
			t.Fatalf("expected %s check, got %v", name, checks[name])
		}
		if status := check["status"]; status != "ok" {
			t.Errorf("expected %s status=ok, got %v", name, status)
		}
	}
}

func TestReadyEndpoint_FabricFailure(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, map[string]Pinger{
		"database": &fakePinger{},
		"fabric": &fakePinger{pingFn: func(context.Context) error {
			return errors.New("connection refused")
		}},
	})
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	response := decode(t, rr)
	if ok, exists := response["ok"]; !exists || ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	checks := response["checks"].(map[string]any)
	fabric := checks["fabric"].(map[string]any)
	if fabric["status"] != "error" || fabric["error"] != "connection refused" {
		t.Errorf("unexpected fabric check %v", fabric)
	}
	if database := checks["database"].(map[string]any); database["status"] != "ok" {
		t.Errorf("expected database status=ok, got %v", database["status"])
	}
}

func TestOptionsRequest(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, nil)
	rr := serve(server, httptest.NewRequest(http.MethodOptions, "/api/health", nil))

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}

func TestSyncRouteIsDelegated(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, nil)
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("expected sync handler to serve /ws, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(&fakeCompactor{}, nil)
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	if code := decode(t, rr)["code"]; code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %v", code)
	}
}
