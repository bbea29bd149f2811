/*
Package mesh hosts the face mesh model behind a worker subprocess.

ARCHITECTURE:

	Go (this package)                    Worker process (models/run_facemesh.sh)
	─────────────────                    ───────────────────────────────────────
	Start() ──spawn──────────────────▶   select delegate (GPU → CPU fallback)
	         ◀──handshake────────────    load landmarker model (1 face, refined)
	EstimateFaces(frame)
	         ──request (seq, RGB)────▶   run inference
	         ◀──result (faces)───────
	         ◀──backend (demotion)───    delegate lost mid-run (unsolicited)
	Stop()   ──stdin close / kill────▶   exit

TRANSPORT:

	stdin/stdout, length-prefixed msgpack (4 bytes big-endian + payload).
	stderr carries worker log lines, relayed into slog.

CALL MODEL:

	EstimateFaces is a synchronous round-trip: the caller waits for the
	worker's answer (or the per-call timeout). Calls are serialized; the
	annotation loop issues one at a time by construction.

FAILURE MODEL:

	Handshake failures classify as ErrBackendUnavailable or ErrModelLoad.
	After startup there is no recovery: a dead or desynced worker fails the
	in-flight call and stays failed until the process is restarted.
*/
package mesh

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/meshcam/internal/types"
)

// Sidecar runs the face mesh worker subprocess and exposes it as a Model
type Sidecar struct {
	workerCmd    string
	modelPath    string
	maxFaces     int
	refine       bool
	callTimeout  time.Duration
	startTimeout time.Duration

	// Worker process
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Reply routing: the reader goroutine forwards handshake and result
	// messages here; backend messages are handled inline.
	replies chan *message

	// Serializes inference round-trips
	callMu sync.Mutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	// Handshake results
	backend   atomic.Value // types.Backend
	modelName string
	version   string

	// Stats
	callCount      uint64
	errorCount     uint64
	facesFound     uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// SidecarConfig contains configuration for the worker subprocess
type SidecarConfig struct {
	WorkerCmd    string
	ModelPath    string
	MaxFaces     int
	Refine       bool
	CallTimeout  time.Duration
	StartTimeout time.Duration
}

// Metrics reports worker health counters
type Metrics struct {
	Calls        uint64
	Errors       uint64
	FacesFound   uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
	Backend      types.Backend
	Model        string
}

// NewSidecar creates the worker wrapper. The process is not spawned until
// Start.
func NewSidecar(cfg SidecarConfig) (*Sidecar, error) {
	if cfg.WorkerCmd == "" {
		return nil, fmt.Errorf("mesh: worker_cmd is required")
	}
	if cfg.MaxFaces != 1 {
		return nil, fmt.Errorf("mesh: max_faces must be 1, got %d", cfg.MaxFaces)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}

	s := &Sidecar{
		workerCmd:    cfg.WorkerCmd,
		modelPath:    cfg.ModelPath,
		maxFaces:     cfg.MaxFaces,
		refine:       cfg.Refine,
		callTimeout:  cfg.CallTimeout,
		startTimeout: cfg.StartTimeout,
		replies:      make(chan *message, 1),
	}
	s.backend.Store(types.BackendUnset)

	slog.Info("mesh: worker created",
		"cmd", cfg.WorkerCmd,
		"model", cfg.ModelPath,
		"max_faces", cfg.MaxFaces,
		"refine_landmarks", cfg.Refine,
	)

	return s, nil
}

// Start spawns the worker process and performs the handshake. The worker
// reports which backend it activated and whether the model loaded; failures
// classify as ErrBackendUnavailable or ErrModelLoad.
func (s *Sidecar) Start(ctx context.Context) error {
	if s.isActive.Load() {
		return fmt.Errorf("mesh: worker already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.spawnProcess(); err != nil {
		s.cancel()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Handshake: the worker speaks first once its delegate and model are up
	select {
	case msg, ok := <-s.replies:
		if !ok {
			s.teardown()
			return fmt.Errorf("%w: worker exited before handshake", ErrBackendUnavailable)
		}
		switch msg.Type {
		case msgTypeReady:
			backend := types.Backend(msg.Backend)
			if backend != types.BackendGPU && backend != types.BackendCPU {
				s.teardown()
				return fmt.Errorf("%w: worker reported unknown backend %q", ErrBackendUnavailable, msg.Backend)
			}
			s.backend.Store(backend)
			s.modelName = msg.Model
			s.version = msg.Version
		case msgTypeError:
			s.teardown()
			if msg.Stage == "model" {
				return fmt.Errorf("%w: %s", ErrModelLoad, msg.Error)
			}
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, msg.Error)
		default:
			s.teardown()
			return fmt.Errorf("%w: unexpected handshake message %q", ErrBackendUnavailable, msg.Type)
		}

	case <-time.After(s.startTimeout):
		s.teardown()
		return fmt.Errorf("%w: no handshake within %s", ErrBackendUnavailable, s.startTimeout)

	case <-ctx.Done():
		s.teardown()
		return fmt.Errorf("%w: cancelled during handshake: %v", ErrBackendUnavailable, ctx.Err())
	}

	s.isActive.Store(true)
	s.lastSeenAt.Store(time.Now())

	slog.Info("mesh: worker ready",
		"backend", s.Backend(),
		"model", s.modelName,
		"version", s.version,
		"pid", s.cmd.Process.Pid,
	)

	return nil
}

// spawnProcess starts the worker subprocess and its reader goroutines
func (s *Sidecar) spawnProcess() error {
	args := []string{
		"--model", s.modelPath,
		"--max-faces", fmt.Sprintf("%d", s.maxFaces),
	}
	if s.refine {
		args = append(args, "--refine-landmarks")
	}

	s.cmd = exec.CommandContext(s.ctx, s.workerCmd, args...)

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	s.stdin = stdin

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	s.stdout = stdout

	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	s.stderr = stderr

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	slog.Info("mesh: worker process spawned", "pid", s.cmd.Process.Pid)

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.logStderr()

	s.wg.Add(1)
	go s.waitProcess()

	return nil
}

// EstimateFaces runs one inference round-trip against the worker.
//
// The frame must be RGB24 at the size it declares. The call waits for the
// worker's answer or the per-call timeout; transport failures, timeouts and
// worker-reported errors all fail the call. The frame is never mutated.
func (s *Sidecar) EstimateFaces(ctx context.Context, frame types.Frame) ([]types.FaceMesh, error) {
	if !s.isActive.Load() {
		return nil, fmt.Errorf("mesh: worker not active")
	}
	if want := frame.Width * frame.Height * 3; len(frame.Data) != want {
		return nil, fmt.Errorf("mesh: invalid frame size: got %d bytes, want %d (RGB24 %dx%d)",
			len(frame.Data), want, frame.Width, frame.Height)
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	atomic.AddUint64(&s.callCount, 1)

	req := &request{
		Seq:     frame.Seq,
		TraceID: frame.TraceID,
		Width:   frame.Width,
		Height:  frame.Height,
		Frame:   frame.Data,
	}
	if err := s.writeRequest(callCtx, req); err != nil {
		atomic.AddUint64(&s.errorCount, 1)
		return nil, err
	}

	select {
	case msg, ok := <-s.replies:
		if !ok {
			atomic.AddUint64(&s.errorCount, 1)
			return nil, fmt.Errorf("mesh: worker exited during inference")
		}

		switch msg.Type {
		case msgTypeResult:
			if msg.Seq != frame.Seq {
				atomic.AddUint64(&s.errorCount, 1)
				return nil, fmt.Errorf("mesh: result out of sync: got seq %d, want %d", msg.Seq, frame.Seq)
			}
			if msg.Backend != "" {
				s.backend.Store(types.Backend(msg.Backend))
			}
			s.lastSeenAt.Store(time.Now())
			atomic.AddUint64(&s.totalLatencyMS, uint64(msg.InferenceMS))

			faces := make([]types.FaceMesh, 0, len(msg.Faces))
			for i := range msg.Faces {
				faces = append(faces, msg.Faces[i].toFaceMesh())
			}
			atomic.AddUint64(&s.facesFound, uint64(len(faces)))

			slog.Debug("mesh: inference complete",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"faces", len(faces),
				"inference_ms", msg.InferenceMS,
			)
			return faces, nil

		case msgTypeError:
			atomic.AddUint64(&s.errorCount, 1)
			return nil, fmt.Errorf("mesh: worker error: %s", msg.Error)

		default:
			atomic.AddUint64(&s.errorCount, 1)
			return nil, fmt.Errorf("mesh: unexpected %q message during inference", msg.Type)
		}

	case <-callCtx.Done():
		atomic.AddUint64(&s.errorCount, 1)
		return nil, fmt.Errorf("mesh: inference timed out after %s (worker may be hung)", s.callTimeout)

	case <-s.ctx.Done():
		atomic.AddUint64(&s.errorCount, 1)
		return nil, fmt.Errorf("mesh: worker shutting down")
	}
}

// writeRequest writes one framed request to the worker's stdin. The write
// runs in a goroutine so a hung pipe cannot block past the call deadline.
func (s *Sidecar) writeRequest(ctx context.Context, req *request) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrame(s.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("mesh: failed to write request: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mesh: request write timed out (worker may be hung)")
	case <-s.ctx.Done():
		return fmt.Errorf("mesh: worker shutting down during write")
	}
}

// Backend returns the numeric backend the worker currently runs on
func (s *Sidecar) Backend() types.Backend {
	if b, ok := s.backend.Load().(types.Backend); ok {
		return b
	}
	return types.BackendUnset
}

// readLoop reads every framed message from the worker's stdout and routes
// it: backend demotions are applied inline, everything else goes to the
// caller waiting in Start or EstimateFaces.
func (s *Sidecar) readLoop() {
	defer s.wg.Done()
	defer close(s.replies)

	for {
		msg, err := readFrame(s.stdout)
		if err != nil {
			if err == io.EOF {
				slog.Debug("mesh: worker stdout closed")
			} else {
				select {
				case <-s.ctx.Done():
					// Expected during shutdown
				default:
					slog.Error("mesh: failed to read worker message", "error", err)
				}
			}
			return
		}

		if msg.Type == msgTypeBackend {
			old := s.Backend()
			s.backend.Store(types.Backend(msg.Backend))
			slog.Warn("mesh: worker backend changed",
				"from", old,
				"to", msg.Backend,
				"reason", msg.Reason,
			)
			continue
		}

		select {
		case s.replies <- msg:
		case <-s.ctx.Done():
			return
		default:
			// No caller waiting and the slot is full; the message belongs
			// to an abandoned (timed out) call.
			slog.Warn("mesh: dropping unclaimed worker message", "type", msg.Type, "seq", msg.Seq)
		}
	}
}

// logStderr relays worker stderr lines into slog, mapping worker log levels
func (s *Sidecar) logStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("mesh: worker log", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("mesh: worker log", "log", line)
		default:
			slog.Debug("mesh: worker log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("mesh: error reading worker stderr", "error", err)
	}
}

// waitProcess reaps the worker process so it never becomes a zombie
func (s *Sidecar) waitProcess() {
	defer s.wg.Done()

	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	err := s.cmd.Wait()
	if err != nil {
		select {
		case <-s.ctx.Done():
			slog.Debug("mesh: worker process exited (shutdown)", "pid", s.cmd.Process.Pid)
		default:
			slog.Error("mesh: worker process exited unexpectedly",
				"pid", s.cmd.Process.Pid,
				"error", err,
			)
		}
		return
	}

	slog.Info("mesh: worker process exited cleanly", "pid", s.cmd.Process.Pid)
}

// teardown aborts a half-started worker during a failed handshake
func (s *Sidecar) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}
}

// Metrics returns current worker health counters
func (s *Sidecar) Metrics() Metrics {
	calls := atomic.LoadUint64(&s.callCount)
	totalLatency := atomic.LoadUint64(&s.totalLatencyMS)

	var avgLatency float64
	if calls > 0 {
		avgLatency = float64(totalLatency) / float64(calls)
	}

	var lastSeen time.Time
	if v := s.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return Metrics{
		Calls:        calls,
		Errors:       atomic.LoadUint64(&s.errorCount),
		FacesFound:   atomic.LoadUint64(&s.facesFound),
		AvgLatencyMS: avgLatency,
		LastSeenAt:   lastSeen,
		Backend:      s.Backend(),
		Model:        s.modelName,
	}
}

// Stop stops the worker and kills the process if it does not exit in time.
// Idempotent.
func (s *Sidecar) Stop() error {
	if !s.isActive.CompareAndSwap(true, false) {
		return nil
	}

	slog.Info("mesh: stopping worker")

	if s.cancel != nil {
		s.cancel()
	}

	// Closing stdin asks the worker to exit gracefully
	if s.stdin != nil {
		s.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("mesh: worker goroutines stopped cleanly")
	case <-time.After(2 * time.Second):
		slog.Warn("mesh: worker stop timeout, force killing process")
		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil {
				slog.Error("mesh: failed to kill worker process", "error", err)
			}
		}
	}

	slog.Info("mesh: worker stopped",
		"calls", atomic.LoadUint64(&s.callCount),
		"errors", atomic.LoadUint64(&s.errorCount),
	)

	return nil
}
