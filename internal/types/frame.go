package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (RGB24 format)
	Data []byte
	// Source identifies the capture source ("camera", "mock")
	Source string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    string // "RGB24", "JPEG", etc.
	Source    string
}

// Meta returns the metadata of the frame without the pixel payload
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    "RGB24",
		Source:    f.Source,
	}
}

// StreamStats contains capture source statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     int
	FPSReal       float64
	Source        string
	Resolution    string
	BytesRead     uint64
	IsRunning     bool
	Errors        uint64
}
