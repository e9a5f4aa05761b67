package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

func TestServer_HealthEndpoint(t *testing.T) {
	m, _, _ := newTestMonitor()
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != string(StatusHealthy) {
		t.Errorf("expected healthy, got %s", body["status"])
	}
}

func TestServer_CriticalReturns503(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.RecordError(context.Background(), mkErr(classify.ConfigurationError, "bad"))
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/health/detailed"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestServer_RecentErrors(t *testing.T) {
	m, _, _ := newTestMonitor()
	for range 3 {
		m.RecordError(context.Background(), mkErr(classify.NetworkError, "dial"))
	}
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/errors/recent?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []classify.Error
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 errors, got %d", len(got))
	}

	bad, err := http.Get(srv.URL + "/health/errors/recent?limit=x")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", bad.StatusCode)
	}
}

func TestServer_StatsEndpoints(t *testing.T) {
	m, _, _ := newTestMonitor()
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	for _, path := range []string{"/health/errors", "/health/retries", "/health/operations", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
