package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/visiona/meshcam/internal/config"
)

func testServer(t *testing.T) (*Server, *Board, *Hub) {
	t.Helper()
	board := NewBoard("meshcam-test")
	hub := NewHub(80)
	srv := NewServer(config.ViewerConfig{Addr: "127.0.0.1:0", JPEGQuality: 80}, board, hub)
	return srv, board, hub
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// TestStatusEndpoint verifies /api/status serves the board snapshot.
func TestStatusEndpoint(t *testing.T) {
	srv, board, _ := testServer(t)
	board.Fail(PhaseHalted, "Detection failed: worker died")

	w := doRequest(t, srv, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var snap Status
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Invalid status JSON: %v", err)
	}
	if snap.Phase != PhaseHalted {
		t.Errorf("Expected halted phase, got %q", snap.Phase)
	}
	if snap.Message != "Detection failed: worker died" {
		t.Errorf("Unexpected message %q", snap.Message)
	}
	if snap.InstanceID != "meshcam-test" {
		t.Errorf("Unexpected instance id %q", snap.InstanceID)
	}
}

// TestReadinessFollowsPhase verifies readiness is tied to the running phase.
func TestReadinessFollowsPhase(t *testing.T) {
	srv, board, _ := testServer(t)

	if w := doRequest(t, srv, "/health/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while initializing, got %d", w.Code)
	}

	board.SetPhase(PhaseRunning)
	if w := doRequest(t, srv, "/health/ready"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 while running, got %d", w.Code)
	}

	board.Fail(PhaseHalted, "Detection failed: x")
	if w := doRequest(t, srv, "/health/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after halt, got %d", w.Code)
	}
}

// TestLivenessAlwaysOK verifies liveness reports alive regardless of phase.
func TestLivenessAlwaysOK(t *testing.T) {
	srv, board, _ := testServer(t)
	board.Fail(PhaseFailed, "Failed to initialize: no camera")

	w := doRequest(t, srv, "/health/live")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "alive") {
		t.Errorf("Expected alive status, got %s", w.Body.String())
	}
}

// TestMetricsMergesSources verifies attached providers appear in /metrics.
func TestMetricsMergesSources(t *testing.T) {
	srv, board, _ := testServer(t)
	board.RecordTick(1, 12)
	srv.AttachStatsSource("stream", func() any {
		return map[string]any{"frames": 42}
	})

	w := doRequest(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Invalid metrics JSON: %v", err)
	}
	for _, key := range []string{"loop", "hub", "stream"} {
		if _, ok := out[key]; !ok {
			t.Errorf("Expected %q section in metrics", key)
		}
	}

	var loop Counters
	if err := json.Unmarshal(out["loop"], &loop); err != nil {
		t.Fatalf("Invalid loop counters: %v", err)
	}
	if loop.Ticks != 1 {
		t.Errorf("Expected 1 tick in metrics, got %d", loop.Ticks)
	}
}

// TestPageServed verifies the embedded page renders the stream box and banner.
func TestPageServed(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "/stream.mjpeg") {
		t.Error("Expected page to reference the MJPEG stream")
	}
	if !strings.Contains(body, `id="banner"`) {
		t.Error("Expected page to carry the error banner element")
	}
}
