package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/meshcam/internal/types"
)

// CameraStream implements Provider using GStreamer for a local V4L2 camera
type CameraStream struct {
	// Configuration
	device    string
	width     int
	height    int
	targetFPS int

	// GStreamer pipeline elements
	elements *pipelineElements

	// Frame output
	frames chan types.Frame
	mu     sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics (atomic for thread-safety)
	frameCount    uint64
	framesDropped uint64
	bytesRead     uint64
	errors        uint64
	started       time.Time

	// Shutdown protection
	framesClosed atomic.Bool
}

// NewCameraStream creates a new camera stream with fail-fast validation
//
// Validates configuration at construction time:
//   - device path must not be empty
//   - fps must be between 1 and 60
//   - GStreamer must be available
//
// Returns an error wrapping ErrCaptureUnavailable if validation fails.
func NewCameraStream(device string, width, height, fps int) (*CameraStream, error) {
	if device == "" {
		return nil, fmt.Errorf("%w: device path is required", ErrCaptureUnavailable)
	}
	if fps < 1 || fps > 60 {
		return nil, fmt.Errorf("%w: invalid fps %d (must be 1-60)", ErrCaptureUnavailable, fps)
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	s := &CameraStream{
		device:    device,
		width:     width,
		height:    height,
		targetFPS: fps,
		frames:    make(chan types.Frame, 10), // Buffer 10 frames
	}

	slog.Info("stream: camera stream created",
		"device", device,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"target_fps", fps,
	)

	return s, nil
}

// Start initializes the camera and returns a read-only channel of frames
//
// Returns quickly; frames arrive asynchronously once the pipeline reaches
// PLAYING state. A pipeline that cannot start (device missing, busy,
// permission denied) surfaces as ErrCaptureUnavailable.
func (s *CameraStream) Start(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("stream: camera already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	slog.Info("stream: starting camera",
		"device", s.device,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"target_fps", s.targetFPS,
	)

	elements, err := createPipeline(pipelineConfig{
		Device:    s.device,
		Width:     s.width,
		Height:    s.height,
		TargetFPS: s.targetFPS,
	})
	if err != nil {
		s.cancel = nil
		s.ctx = nil
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	s.elements = elements

	callbackCtx := &callbackContext{
		FrameChan:     s.frames,
		FrameCounter:  &s.frameCount,
		BytesRead:     &s.bytesRead,
		FramesDropped: &s.framesDropped,
		Width:         s.width,
		Height:        s.height,
		Source:        "camera",
	}

	s.elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, callbackCtx)
		},
	})

	if err := s.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(s.elements)
		s.elements = nil
		s.cancel = nil
		s.ctx = nil
		return nil, fmt.Errorf("%w: failed to start pipeline: %v", ErrCaptureUnavailable, err)
	}

	// Launch background goroutine for pipeline bus monitoring
	s.wg.Add(1)
	go s.monitorPipeline()

	slog.Info("stream: camera started",
		"device", s.device,
		"note", "frames will arrive once pipeline reaches PLAYING state",
	)

	return s.frames, nil
}

// monitorPipeline watches the GStreamer bus for errors and EOS
//
// There is no reconnection: a dead camera stays dead until the process is
// restarted. Errors are counted and logged.
func (s *CameraStream) monitorPipeline() {
	defer s.wg.Done()

	bus := s.elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-s.ctx.Done():
			slog.Debug("stream: context cancelled, stopping pipeline monitor")
			return

		default:
			// Poll with short timeout for responsive shutdown
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				atomic.AddUint64(&s.errors, 1)
				slog.Error("stream: camera delivered end of stream",
					"device", s.device,
					"uptime", time.Since(s.started),
					"frames_captured", atomic.LoadUint64(&s.frameCount),
				)
				return

			case gst.MessageError:
				gerr := msg.ParseError()
				atomic.AddUint64(&s.errors, 1)
				slog.Error("stream: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"device", s.device,
					"uptime", time.Since(s.started),
					"frames_captured", atomic.LoadUint64(&s.frameCount),
				)
				return

			case gst.MessageStateChanged:
				if msg.Source() == s.elements.Pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					slog.Debug("stream: pipeline state changed", "from", old, "to", new)
				}
			}
		}
	}
}

// Stop gracefully shuts down the camera. Idempotent.
func (s *CameraStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		slog.Debug("stream: camera not started, nothing to stop")
		return nil
	}

	slog.Info("stream: stopping camera")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("stream: goroutines stopped cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("stream: stop timeout exceeded, some goroutines may still be running")
	}

	if s.elements != nil {
		if err := destroyPipeline(s.elements); err != nil {
			slog.Error("stream: failed to destroy pipeline", "error", err)
		}
		s.elements = nil
	}

	// Close frame channel exactly once
	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}

	slog.Info("stream: camera stopped",
		"frames_captured", atomic.LoadUint64(&s.frameCount),
		"frames_dropped", atomic.LoadUint64(&s.framesDropped),
		"uptime", time.Since(s.started),
	)

	s.cancel = nil
	s.ctx = nil

	return nil
}

// Stats returns current camera statistics
func (s *CameraStream) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frameCount := atomic.LoadUint64(&s.frameCount)

	var fpsReal float64
	if !s.started.IsZero() {
		uptime := time.Since(s.started).Seconds()
		if uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		FPSTarget:     s.targetFPS,
		FPSReal:       fpsReal,
		Source:        "camera",
		Resolution:    fmt.Sprintf("%dx%d", s.width, s.height),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		IsRunning:     s.elements != nil && s.cancel != nil,
		Errors:        atomic.LoadUint64(&s.errors),
	}
}

// Warmup consumes frames for the given duration and reports resolution and cadence
func (s *CameraStream) Warmup(ctx context.Context, duration time.Duration) (*WarmupStats, error) {
	s.mu.RLock()
	if s.cancel == nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("stream: camera not started")
	}
	s.mu.RUnlock()

	slog.Info("stream: starting warmup", "duration", duration)

	stats, err := warmupFrames(ctx, s.frames, duration)
	if err != nil {
		return nil, err
	}

	slog.Info("stream: warmup complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"resolution", fmt.Sprintf("%dx%d", stats.Width, stats.Height),
	)

	return stats, nil
}

// checkGStreamerAvailable checks if GStreamer is available
//
// This is a fail-fast validation that runs at construction time.
func checkGStreamerAvailable() error {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)

	return nil
}
