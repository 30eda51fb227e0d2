package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	running bool
}

func (f *fakeProvider) Running() bool { return f.running }
func (f *fakeProvider) Status() map[string]any {
	return map[string]any{
		"status":       "🟢 Excellent",
		"health_score": 100.0,
		"running":      f.running,
	}
}

func newTestServer(t *testing.T, running bool) *httptest.Server {
	t.Helper()
	s := NewServer(":0", &fakeProvider{running: running}, zerolog.Nop())
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, true)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthz_NotRunning(t *testing.T) {
	ts := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, true)
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if doc["status"] != "🟢 Excellent" {
		t.Errorf("status = %v, want banner", doc["status"])
	}
	if doc["health_score"].(float64) != 100 {
		t.Errorf("health_score = %v, want 100", doc["health_score"])
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, true)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
