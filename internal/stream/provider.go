package stream

import (
	"context"
	"errors"
	"time"

	"github.com/visiona/meshcam/internal/types"
)

// ErrCaptureUnavailable marks capture setup failures (no device, permission
// denied, pipeline refused). Wrapped errors carry the concrete cause.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Provider defines the contract for video frame acquisition
//
// Implementations must guarantee:
//   - Start() returns quickly; frames arrive asynchronously on the channel
//   - the returned channel stays open until Stop()
//   - frames are sent non-blocking: when the consumer lags, frames are
//     dropped rather than queued (latency over completeness)
//   - Stop() is idempotent
//   - Stats() is safe to call from any goroutine
type Provider interface {
	// Start initializes the source and returns a read-only channel of frames.
	//
	// Returns an error wrapping ErrCaptureUnavailable if the source cannot be
	// established (device missing, pipeline creation failed).
	Start(ctx context.Context) (<-chan types.Frame, error)

	// Stop gracefully shuts down the source. Safe to call multiple times.
	Stop() error

	// Stats returns current source statistics.
	Stats() types.StreamStats

	// Warmup consumes frames for the given duration after Start and reports
	// the observed resolution and cadence. Callers use it to bind downstream
	// surfaces to the resolution the device actually delivers.
	//
	// Returns an error if no frame arrives within the duration.
	Warmup(ctx context.Context, duration time.Duration) (*WarmupStats, error)
}

// WarmupStats reports what the source delivered during warmup
type WarmupStats struct {
	// FramesReceived is the number of frames consumed during warmup
	FramesReceived int
	// Duration is the elapsed warmup time
	Duration time.Duration
	// FPSMean is the observed frame rate
	FPSMean float64
	// Width and Height are the resolution reported by the first frame
	Width  int
	Height int
	// FirstFrame carries the first frame's metadata
	FirstFrame types.FrameMeta
}
