package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/visiona/meshcam/internal/types"
)

// warmupFrames consumes frames from ch for the given duration and reports the
// observed resolution and cadence. Shared by all providers.
//
// The first frame is mandatory: downstream surfaces bind their dimensions to
// its metadata, so a source that delivers nothing during warmup is a setup
// failure.
func warmupFrames(ctx context.Context, ch <-chan types.Frame, duration time.Duration) (*WarmupStats, error) {
	startTime := time.Now()
	warmupCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		received int
		first    types.FrameMeta
	)

	for {
		select {
		case <-warmupCtx.Done():
			elapsed := time.Since(startTime)
			if received == 0 {
				return nil, fmt.Errorf("%w: no frames received within %s", ErrCaptureUnavailable, duration)
			}

			var fps float64
			if elapsed.Seconds() > 0 {
				fps = float64(received) / elapsed.Seconds()
			}

			return &WarmupStats{
				FramesReceived: received,
				Duration:       elapsed,
				FPSMean:        fps,
				Width:          first.Width,
				Height:         first.Height,
				FirstFrame:     first,
			}, nil

		case frame, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: source closed during warmup", ErrCaptureUnavailable)
			}
			if received == 0 {
				first = frame.Meta()
			}
			received++
		}
	}
}
