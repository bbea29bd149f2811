package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/meshcam/internal/types"
)

// MockStream generates synthetic frames for development and tests
type MockStream struct {
	width  int
	height int
	fps    int

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockStream creates a new mock frame source
func NewMockStream(width, height, fps int) *MockStream {
	return &MockStream{
		width:    width,
		height:   height,
		fps:      fps,
		framesCh: make(chan types.Frame, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockStream) Start(ctx context.Context) (<-chan types.Frame, error) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream: mock already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("stream: mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return m.framesCh, nil
}

// Stop stops the source. Idempotent.
func (m *MockStream) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	slog.Info("stream: mock source stopping")

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	m.mu.RLock()
	defer m.mu.RUnlock()
	slog.Info("stream: mock source stopped",
		"frames_emitted", m.framesEmitted,
		"duration", time.Since(m.startTime),
	)

	return nil
}

// Stats returns source statistics
func (m *MockStream) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount: m.framesEmitted,
		FPSTarget:  m.fps,
		FPSReal:    fpsReal,
		Source:     "mock",
		Resolution: fmt.Sprintf("%dx%d", m.width, m.height),
		IsRunning:  m.isRunning,
	}
}

// Warmup consumes frames for the given duration and reports resolution and cadence
func (m *MockStream) Warmup(ctx context.Context, duration time.Duration) (*WarmupStats, error) {
	m.mu.RLock()
	running := m.isRunning
	m.mu.RUnlock()
	if !running {
		return nil, fmt.Errorf("stream: mock not started")
	}

	return warmupFrames(ctx, m.framesCh, duration)
}

// generateFrames generates frames at the target FPS
func (m *MockStream) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	frameDuration := time.Second / time.Duration(m.fps)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	slog.Debug("stream: mock frame generator started", "frame_duration", frameDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame := m.createFrame()
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}
}

// createFrame creates a synthetic RGB24 frame with a slowly drifting gradient
// so that viewers show visible motion
func (m *MockStream) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)
	shift := int(seq % 256)
	for y := 0; y < m.height; y++ {
		row := y * m.width * 3
		for x := 0; x < m.width; x++ {
			i := row + x*3
			data[i] = byte((x + shift) % 256)   // R drifts horizontally
			data[i+1] = byte((y + shift) % 256) // G drifts vertically
			data[i+2] = 0x30                    // B constant
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		Source:    "mock",
		TraceID:   uuid.New().String(),
	}
}
