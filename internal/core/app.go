// Package core wires capture, inference, overlay rendering and the viewer
// into the annotation service and drives its lifecycle.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/meshcam/internal/config"
	"github.com/visiona/meshcam/internal/emitter"
	"github.com/visiona/meshcam/internal/mesh"
	"github.com/visiona/meshcam/internal/overlay"
	"github.com/visiona/meshcam/internal/stream"
	"github.com/visiona/meshcam/internal/types"
	"github.com/visiona/meshcam/internal/viewer"
)

// modelRuntime is the full worker lifecycle the orchestrator manages.
// The sidecar satisfies it; tests substitute a double.
type modelRuntime interface {
	mesh.Model
	Start(ctx context.Context) error
	Stop() error
	Metrics() mesh.Metrics
}

// App is the main service orchestrator
type App struct {
	cfg *config.Config

	board  *viewer.Board
	hub    *viewer.Hub
	server *viewer.Server

	model    modelRuntime
	source   stream.Provider
	frames   <-chan types.Frame
	renderer *overlay.Renderer
	emitter  *emitter.MQTTEmitter
	loop     *Loop

	// Component factories, overridable in tests
	modelFactory  func(cfg *config.Config) (modelRuntime, error)
	sourceFactory func(cfg *config.Config) (stream.Provider, error)

	// Lifecycle management
	started   time.Time
	mu        sync.Mutex
	wg        sync.WaitGroup
	isRunning bool
}

// NewApp creates the service from a validated configuration
func NewApp(cfg *config.Config) *App {
	board := viewer.NewBoard(cfg.InstanceID)
	hub := viewer.NewHub(cfg.Viewer.JPEGQuality)

	return &App{
		cfg:           cfg,
		board:         board,
		hub:           hub,
		server:        viewer.NewServer(cfg.Viewer, board, hub),
		modelFactory:  defaultModelFactory,
		sourceFactory: defaultSourceFactory,
	}
}

func defaultModelFactory(cfg *config.Config) (modelRuntime, error) {
	return mesh.NewSidecar(mesh.SidecarConfig{
		WorkerCmd:    cfg.Model.WorkerCmd,
		ModelPath:    cfg.Model.ModelPath,
		MaxFaces:     cfg.Model.MaxFaces,
		Refine:       cfg.Model.Refine(),
		CallTimeout:  time.Duration(cfg.Model.CallTimeoutMS) * time.Millisecond,
		StartTimeout: time.Duration(cfg.Model.StartTimeoutS) * time.Second,
	})
}

func defaultSourceFactory(cfg *config.Config) (stream.Provider, error) {
	if cfg.Camera.Device != "" {
		return stream.NewCameraStream(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	}
	slog.Info("using mock source (no camera device configured)")
	return stream.NewMockStream(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS), nil
}

// Run starts the service and blocks until the context is cancelled.
//
// The viewer comes up first so the page exists before anything can fail.
// If setup fails after that, the failure banner is posted and the process
// keeps serving it until shutdown; only a viewer bind failure is returned
// as a hard error, since without the page there is nowhere to report.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	a.isRunning = true
	a.started = time.Now()
	a.mu.Unlock()

	slog.Info("meshcam service starting",
		"instance_id", a.cfg.InstanceID,
	)

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("failed to start viewer: %w", err)
	}
	slog.Info("viewer listening", "addr", a.server.Addr())

	if err := a.initialize(ctx); err != nil {
		a.failSetup(err)
		a.releaseComponents()
		<-ctx.Done()
		return nil
	}

	a.server.AttachStatsSource("stream", func() any { return a.source.Stats() })
	a.server.AttachStatsSource("worker", func() any { return a.model.Metrics() })
	if a.emitter != nil {
		a.server.AttachStatsSource("emitter", func() any { return a.emitter.Stats() })
	}

	var pub AnnotationPublisher
	if a.emitter != nil {
		pub = a.emitter
	}
	a.loop = NewLoop(LoopConfig{
		InstanceID: a.cfg.InstanceID,
		Model:      a.model,
		Frames:     a.frames,
		Renderer:   a.renderer,
		Hub:        a.hub,
		Board:      a.board,
		Emitter:    pub,
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.loop.Run(ctx); err != nil {
			// The loop already posted the banner; the viewer keeps
			// serving the halted state until shutdown.
			slog.Error("annotation loop exited", "error", err)
		}
	}()

	if a.emitter != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.heartbeat(ctx)
		}()
	}

	slog.Info("meshcam service running",
		"viewer", a.server.Addr(),
		"emitter_enabled", a.emitter != nil,
	)

	<-ctx.Done()

	slog.Info("meshcam service run loop exiting")
	return nil
}

// initialize brings up the pipeline in dependency order: model worker
// handshake, capture source, warmup (binds the render surface to the
// resolution the source actually delivers), then the optional emitter.
func (a *App) initialize(ctx context.Context) error {
	model, err := a.modelFactory(a.cfg)
	if err != nil {
		return err
	}
	a.model = model
	if err := model.Start(ctx); err != nil {
		return err
	}
	a.board.SetBackend(model.Backend())

	source, err := a.sourceFactory(a.cfg)
	if err != nil {
		return err
	}
	a.source = source
	frames, err := source.Start(ctx)
	if err != nil {
		return err
	}
	a.frames = frames

	warmup := time.Duration(a.cfg.Camera.WarmupS) * time.Second
	ws, err := source.Warmup(ctx, warmup)
	if err != nil {
		return err
	}
	slog.Info("capture warmed up",
		"frames", ws.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", ws.FPSMean),
		"resolution", fmt.Sprintf("%dx%d", ws.Width, ws.Height),
	)

	renderer, err := overlay.NewRenderer(ws.Width, ws.Height)
	if err != nil {
		return err
	}
	a.renderer = renderer

	if a.cfg.MQTT.Enabled() {
		a.emitter = emitter.NewMQTTEmitter(a.cfg)
		if err := a.emitter.Connect(ctx); err != nil {
			return err
		}
	}

	return nil
}

// failSetup posts the setup failure banner and logs the categorized cause
func (a *App) failSetup(err error) {
	message := fmt.Sprintf("Failed to initialize: %v", err)
	a.board.Fail(viewer.PhaseFailed, message)

	switch {
	case errors.Is(err, mesh.ErrBackendUnavailable):
		slog.Error("setup failed: no usable inference backend", "error", err)
	case errors.Is(err, mesh.ErrModelLoad):
		slog.Error("setup failed: face mesh model did not load", "error", err)
	case errors.Is(err, stream.ErrCaptureUnavailable):
		slog.Error("setup failed: capture unavailable", "error", err)
	default:
		slog.Error("setup failed", "error", err)
	}
}

// releaseComponents stops whatever came up during a failed setup
func (a *App) releaseComponents() {
	if a.source != nil {
		if err := a.source.Stop(); err != nil {
			slog.Error("failed to stop source", "error", err)
		}
	}
	if a.model != nil {
		if err := a.model.Stop(); err != nil {
			slog.Error("failed to stop model worker", "error", err)
		}
	}
	if a.emitter != nil {
		if err := a.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
}

// heartbeat publishes a periodic health document while the emitter is up
func (a *App) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.board.Snapshot()
			doc := healthDoc{
				InstanceID: snap.InstanceID,
				Phase:      string(snap.Phase),
				Backend:    snap.Backend,
				UptimeS:    snap.UptimeS,
				Ticks:      snap.Counters.Ticks,
				Skips:      snap.Counters.Skips,
				Stream:     a.source.Stats(),
			}
			payload, err := json.Marshal(doc)
			if err != nil {
				slog.Error("failed to marshal health doc", "error", err)
				continue
			}
			if err := a.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}

// healthDoc is the periodic health payload
type healthDoc struct {
	InstanceID string            `json:"instance_id"`
	Phase      string            `json:"phase"`
	Backend    types.Backend     `json:"backend"`
	UptimeS    float64           `json:"uptime_s"`
	Ticks      uint64            `json:"ticks"`
	Skips      uint64            `json:"skips"`
	Stream     types.StreamStats `json:"stream"`
}

// Shutdown performs graceful shutdown of all components
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	slog.Info("shutting down meshcam service")

	// Stop the source first: closing the frame channel drains the loop.
	if a.source != nil {
		if err := a.source.Stop(); err != nil {
			slog.Error("failed to stop source", "error", err)
		}
	}

	a.wg.Wait()

	if a.model != nil {
		if err := a.model.Stop(); err != nil {
			slog.Error("failed to stop model worker", "error", err)
		}
	}

	if a.emitter != nil {
		if err := a.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// Viewer goes down last so status stays observable through the drain.
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			slog.Error("failed to stop viewer", "error", err)
		}
	}

	a.mu.Lock()
	uptime := time.Since(a.started)
	a.isRunning = false
	a.mu.Unlock()

	slog.Info("meshcam service shutdown complete",
		"uptime", uptime,
	)

	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (a *App) ShutdownTimeout() time.Duration {
	return time.Duration(a.cfg.ShutdownTimeoutS) * time.Second
}
