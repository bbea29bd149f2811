package stream

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/meshcam/internal/types"
)

// pipelineConfig contains configuration for GStreamer pipeline creation
type pipelineConfig struct {
	Device    string
	Width     int
	Height    int
	TargetFPS int
}

// pipelineElements holds references to GStreamer pipeline elements
type pipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
	Source     *gst.Element
}

// createPipeline creates and configures a GStreamer pipeline for a V4L2 camera
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink
//
// The pipeline is configured but NOT started (state remains NULL).
// Caller must call pipeline.SetState(gst.StatePlaying) to start.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)     // Only drop frames, never duplicate
	videorate.SetProperty("skip-to-first", true) // Skip to first frame on start

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := buildCameraCaps(cfg.Width, cfg.Height, cfg.TargetFPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames
	appsink.SetProperty("qos", true)

	pipeline.AddMany(
		src,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	)

	if err := gst.ElementLinkMany(
		src,
		converter,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("stream: camera pipeline created",
		"device", cfg.Device,
		"caps", capsStr,
	)

	return &pipelineElements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		CapsFilter: capsfilter,
		Source:     src,
	}, nil
}

// destroyPipeline cleans up GStreamer pipeline resources
//
// Safe to call even if the pipeline is already destroyed.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}

	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}

	return nil
}

// callbackContext holds state needed by GStreamer callbacks
type callbackContext struct {
	FrameChan     chan<- types.Frame
	FrameCounter  *uint64 // Atomic counter for sequence numbers
	BytesRead     *uint64 // Atomic counter for bytes read
	FramesDropped *uint64 // Atomic counter for dropped frames (channel full)
	Width         int
	Height        int
	Source        string
}

// onNewSample is called by GStreamer when a new frame is available
//
// The buffer is copied before the sample is released (GStreamer reuses it)
// and sent non-blocking; when the consumer lags the frame is dropped and
// counted, never queued.
func onNewSample(sink *app.Sink, ctx *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample should not kill the capture
		slog.Warn("stream: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("stream: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesRead, uint64(len(frameData)))

	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
		Source:    ctx.Source,
		TraceID:   uuid.New().String(),
	}

	select {
	case ctx.FrameChan <- frame:
		slog.Debug("stream: frame sent",
			"seq", frame.Seq,
			"size_bytes", len(frameData),
			"trace_id", frame.TraceID,
		)
	default:
		atomic.AddUint64(ctx.FramesDropped, 1)
		slog.Debug("stream: dropping frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// buildCameraCaps builds the caps string that pins format, resolution and
// framerate at the end of the pipeline
func buildCameraCaps(width, height, fps int) string {
	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		width, height, fps,
	)
}
