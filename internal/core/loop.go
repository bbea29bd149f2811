package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/meshcam/internal/mesh"
	"github.com/visiona/meshcam/internal/overlay"
	"github.com/visiona/meshcam/internal/types"
	"github.com/visiona/meshcam/internal/viewer"
)

// State is the annotation loop's lifecycle state
type State string

const (
	// StateWaitingBackend means frames are consumed but inference is gated
	// off because the model is not on the accelerated backend.
	StateWaitingBackend State = "waiting_backend"
	// StateRunning means ticks are annotating frames.
	StateRunning State = "running"
	// StateHalted means a tick failed and the loop stopped for good. The
	// viewer keeps serving the last composed frame and the failure banner.
	StateHalted State = "halted"
)

// AnnotationPublisher is the sink for annotation and state events. Nil
// disables emission; publish failures are logged, never fatal.
type AnnotationPublisher interface {
	Publish(annotation types.Annotation) error
}

// LoopConfig wires the annotation loop's collaborators
type LoopConfig struct {
	InstanceID string
	Model      mesh.Model
	Frames     <-chan types.Frame
	Renderer   *overlay.Renderer
	Hub        *viewer.Hub
	Board      *viewer.Board
	Emitter    AnnotationPublisher // nil when emission is disabled
}

// Loop drives the per-frame annotation cycle: take the freshest frame,
// run inference, compose the overlay, publish to the viewer.
//
// Two rules shape every tick:
//   - latest wins: frames queued behind the one in hand are drained and
//     dropped, never processed late
//   - any tick error halts the loop permanently; there is no retry and no
//     reschedule, only the failure banner
type Loop struct {
	cfg LoopConfig

	mu    sync.Mutex
	state State
}

// NewLoop creates the loop driver. Run starts consuming frames.
func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		cfg:   cfg,
		state: StateWaitingBackend,
	}
}

// State returns the current loop state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run consumes frames until the context is cancelled, the frame channel
// closes, or a tick fails. A tick failure returns the error after the
// board and emitter have been told about the halt.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("annotation loop started", "state", l.state)
	l.cfg.Board.SetPhase(viewer.PhaseWaitingBackend)

	lastLog := time.Now()
	logInterval := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("annotation loop stopping", "reason", "context cancelled")
			return nil

		case frame, ok := <-l.cfg.Frames:
			if !ok {
				slog.Info("annotation loop stopping", "reason", "frame channel closed")
				return nil
			}

			// Latest wins: drop everything queued behind this frame.
			frame = l.drainToLatest(frame)

			if err := l.tick(ctx, frame); err != nil {
				l.halt(err)
				return err
			}

			if time.Since(lastLog) >= logInterval {
				snap := l.cfg.Board.Snapshot()
				slog.Debug("loop stats",
					"state", l.State(),
					"ticks", snap.Counters.Ticks,
					"skips", snap.Counters.Skips,
					"faces", snap.Counters.Faces,
					"frames_dropped", snap.Counters.FramesDropped,
					"avg_inference_ms", snap.AvgInferenceMS,
					"last_seq", frame.Seq,
				)
				lastLog = time.Now()
			}
		}
	}
}

// drainToLatest empties the frame channel and returns the newest frame,
// counting everything older as dropped.
func (l *Loop) drainToLatest(frame types.Frame) types.Frame {
	dropped := 0
drain:
	for {
		select {
		case newer, more := <-l.cfg.Frames:
			if !more {
				break drain
			}
			frame = newer
			dropped++
		default:
			break drain
		}
	}
	if dropped > 0 {
		l.cfg.Board.AddDropped(uint64(dropped))
	}
	return frame
}

// tick runs one annotation cycle on the given frame. Inference is gated on
// the accelerated backend: while the model sits on a fallback, the tick is
// recorded as a skip and nothing is composed.
func (l *Loop) tick(ctx context.Context, frame types.Frame) error {
	backend := l.cfg.Model.Backend()

	if !backend.Accelerated() {
		if l.State() == StateRunning {
			l.setState(StateWaitingBackend)
			l.cfg.Board.SetPhase(viewer.PhaseWaitingBackend)
			l.cfg.Board.SetBackend(backend)
			slog.Warn("backend no longer accelerated, pausing inference",
				"backend", backend,
			)
			l.emitState("waiting_backend", "", backend)
		}
		l.cfg.Board.RecordSkip()
		return nil
	}

	if l.State() != StateRunning {
		l.setState(StateRunning)
		l.cfg.Board.SetPhase(viewer.PhaseRunning)
		l.cfg.Board.SetBackend(backend)
		slog.Info("annotation loop running", "backend", backend)
		l.emitState("running", "", backend)
	}

	start := time.Now()
	meshes, err := l.cfg.Model.EstimateFaces(ctx, frame)
	if err != nil {
		return err
	}
	inferenceMS := float64(time.Since(start).Microseconds()) / 1000.0

	var face *types.FaceMesh
	if len(meshes) > 0 {
		face = &meshes[0]
	}

	img, err := l.cfg.Renderer.Compose(frame, face)
	if err != nil {
		return fmt.Errorf("compose overlay: %w", err)
	}

	if err := l.cfg.Hub.Publish(img, frame.Seq); err != nil {
		return fmt.Errorf("publish to viewer: %w", err)
	}

	l.cfg.Board.RecordTick(len(meshes), inferenceMS)

	if face != nil && l.cfg.Emitter != nil {
		event := types.NewFaceAnnotation(l.cfg.InstanceID, frame, face, backend, inferenceMS)
		if err := l.cfg.Emitter.Publish(event); err != nil {
			slog.Error("failed to publish face annotation",
				"seq", frame.Seq,
				"error", err,
			)
		}
	}

	return nil
}

// halt records the permanent failure: banner on the board, state event on
// the wire, error in the log. The loop does not run again.
func (l *Loop) halt(err error) {
	l.setState(StateHalted)
	message := fmt.Sprintf("Detection failed: %v", err)
	l.cfg.Board.Fail(viewer.PhaseHalted, message)
	slog.Error("annotation loop halted",
		"error", err,
	)
	l.emitState("halted", message, l.cfg.Model.Backend())
}

// emitState publishes a loop state transition, best effort
func (l *Loop) emitState(state, message string, backend types.Backend) {
	if l.cfg.Emitter == nil {
		return
	}
	event := types.NewStateEvent(l.cfg.InstanceID, state, message, backend)
	if err := l.cfg.Emitter.Publish(event); err != nil {
		slog.Error("failed to publish state event",
			"state", state,
			"error", err,
		)
	}
}
