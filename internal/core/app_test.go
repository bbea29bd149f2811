package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visiona/meshcam/internal/config"
	"github.com/visiona/meshcam/internal/mesh"
	"github.com/visiona/meshcam/internal/stream"
	"github.com/visiona/meshcam/internal/types"
	"github.com/visiona/meshcam/internal/viewer"
)

// stubModel is a modelRuntime double with a scriptable lifecycle
type stubModel struct {
	fakeModel
	lifeMu   sync.Mutex
	startErr error
	stopped  bool
}

func (s *stubModel) Start(ctx context.Context) error {
	return s.startErr
}

func (s *stubModel) Stop() error {
	s.lifeMu.Lock()
	s.stopped = true
	s.lifeMu.Unlock()
	return nil
}

func (s *stubModel) wasStopped() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.stopped
}

func (s *stubModel) Metrics() mesh.Metrics {
	return mesh.Metrics{Backend: s.Backend()}
}

func testAppConfig() *config.Config {
	return &config.Config{
		InstanceID:       "meshcam-test",
		ShutdownTimeoutS: 5,
		Camera:           config.CameraConfig{Width: 640, Height: 480, FPS: 30, WarmupS: 1},
		Model:            config.ModelConfig{WorkerCmd: "unused", MaxFaces: 1, CallTimeoutMS: 1000, StartTimeoutS: 1},
		Viewer:           config.ViewerConfig{Addr: "127.0.0.1:0", JPEGQuality: 80},
	}
}

// TestAppRunsToAnnotating drives the full startup path with the mock source
// and a fake model: viewer up, warmup, loop annotating, clean shutdown.
func TestAppRunsToAnnotating(t *testing.T) {
	cfg := testAppConfig()
	app := NewApp(cfg)
	model := &stubModel{fakeModel: fakeModel{backend: types.BackendGPU, meshes: singleFaceMesh()}}
	app.modelFactory = func(*config.Config) (modelRuntime, error) { return model, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if app.board.Phase() == viewer.PhaseRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if app.board.Phase() != viewer.PhaseRunning {
		t.Fatalf("Service never reached running phase, stuck at %q", app.board.Phase())
	}

	waitFor(t, "annotated frame in hub", func() bool {
		_, _, ok := app.hub.Latest()
		return ok
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/api/status", app.server.Addr()))
	if err != nil {
		t.Fatalf("Status request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from status endpoint, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	if !model.wasStopped() {
		t.Error("Expected model worker to be stopped on shutdown")
	}
}

// TestAppSetupFailureKeepsServing verifies a capture failure posts the
// banner and leaves the process alive serving it.
func TestAppSetupFailureKeepsServing(t *testing.T) {
	cfg := testAppConfig()
	app := NewApp(cfg)
	model := &stubModel{fakeModel: fakeModel{backend: types.BackendGPU}}
	app.modelFactory = func(*config.Config) (modelRuntime, error) { return model, nil }
	app.sourceFactory = func(*config.Config) (stream.Provider, error) {
		return nil, fmt.Errorf("%w: device /dev/video9 missing", stream.ErrCaptureUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	waitFor(t, "failed phase", func() bool {
		return app.board.Phase() == viewer.PhaseFailed
	})

	msg := app.board.Message()
	if !strings.HasPrefix(msg, "Failed to initialize: ") {
		t.Errorf("Unexpected banner %q", msg)
	}
	if !strings.Contains(msg, "/dev/video9") {
		t.Errorf("Expected banner to carry the cause, got %q", msg)
	}

	if got := model.callCount(); got != 0 {
		t.Errorf("Expected no inference after setup failure, got %d calls", got)
	}
	if _, _, ok := app.hub.Latest(); ok {
		t.Error("Expected no frames after setup failure")
	}
	if !model.wasStopped() {
		t.Error("Expected started components to be released")
	}

	// The process keeps serving the banner; Run must still be blocked.
	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health/ready", app.server.Addr()))
	if err != nil {
		t.Fatalf("Readiness request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after setup failure, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil from Run after setup failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

// TestAppModelHandshakeFailure verifies a worker handshake failure posts
// the setup banner with the model's cause.
func TestAppModelHandshakeFailure(t *testing.T) {
	cfg := testAppConfig()
	app := NewApp(cfg)
	model := &stubModel{startErr: fmt.Errorf("%w: no delegate found", mesh.ErrBackendUnavailable)}
	app.modelFactory = func(*config.Config) (modelRuntime, error) { return model, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	waitFor(t, "failed phase", func() bool {
		return app.board.Phase() == viewer.PhaseFailed
	})

	msg := app.board.Message()
	if !strings.HasPrefix(msg, "Failed to initialize: ") {
		t.Errorf("Unexpected banner %q", msg)
	}
	if !strings.Contains(msg, "no delegate found") {
		t.Errorf("Expected banner to carry the handshake cause, got %q", msg)
	}

	cancel()
	<-done
	if err := app.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

// TestAppShutdownTimeout verifies the configured timeout is surfaced.
func TestAppShutdownTimeout(t *testing.T) {
	cfg := testAppConfig()
	cfg.ShutdownTimeoutS = 7
	app := NewApp(cfg)
	if got := app.ShutdownTimeout(); got != 7*time.Second {
		t.Errorf("Expected 7s shutdown timeout, got %s", got)
	}
}
