package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

func TestOpsRouter_Endpoints(t *testing.T) {
	h := health.NewHandler(version.GetVersion())
	h.RegisterChecker("postgres", health.NewSimpleChecker("postgres", func(context.Context) error { return nil }))
	router := newOpsRouter(h)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/metrics", wantCode: http.StatusOK},
		{path: "/healthz", wantCode: http.StatusOK},
		{path: "/livez", wantCode: http.StatusOK, wantBody: "ok"},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
		{path: "/unknown", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d for %s, got %d", tt.wantCode, tt.path, w.Code)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Fatalf("expected body %q for %s, got %q", tt.wantBody, tt.path, w.Body.String())
			}
		})
	}
}

func TestOpsRouter_ReadinessFollowsDependencies(t *testing.T) {
	h := health.NewHandler("test")
	h.RegisterChecker("postgres", health.NewSimpleChecker("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))
	router := newOpsRouter(h)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for %s, got %d", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on dependencies, got %d", w.Code)
	}
}

func TestServeHTTP_ShutdownStopsServing(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &http.Server{Handler: newOpsRouter(health.NewHandler("test"))}
	done := make(chan error, 1)
	go func() { done <- serveHTTP(srv, lis, testLogger("http")) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/livez")
	if err != nil {
		t.Fatalf("GET /livez: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("expected 'ok', got %q", body)
	}

	shutdownHTTP(srv, testLogger("http"))
	shutdownHTTP(nil, testLogger("http"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveHTTP must return nil after shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serveHTTP did not return after shutdown")
	}
}
