package viewer

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// Hub holds the latest composited frame, JPEG-encoded, for the MJPEG stream.
//
// Latest-wins: Publish replaces the held frame unconditionally; a slow client
// that misses intermediate frames simply sees the newest one on its next
// read. Frames are never queued per client. Late joiners get the most recent
// frame immediately via Latest.
type Hub struct {
	quality int

	mu   sync.RWMutex
	cond *sync.Cond

	frame     []byte // encoded JPEG
	seq       uint64 // hub publish sequence, monotonic from 1
	frameSeq  uint64 // source frame sequence of the held image
	updatedAt time.Time
	closed    bool

	published uint64
}

// HubStats reports hub counters
type HubStats struct {
	Published uint64    `json:"published"`
	LastSeq   uint64    `json:"last_seq"`
	FrameSeq  uint64    `json:"frame_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewHub creates a hub encoding at the given JPEG quality (1-100)
func NewHub(jpegQuality int) *Hub {
	h := &Hub{quality: jpegQuality}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish encodes the composited image and installs it as the latest frame,
// waking every waiting client. The swap is atomic: clients observe either
// the previous complete frame or this one, never a partial surface.
//
// An encode failure is returned to the caller; it counts as a tick failure.
func (h *Hub) Publish(img *image.RGBA, frameSeq uint64) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		return fmt.Errorf("viewer: jpeg encode failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("viewer: hub closed")
	}

	h.frame = buf.Bytes()
	h.seq++
	h.frameSeq = frameSeq
	h.updatedAt = time.Now()
	h.published++
	h.cond.Broadcast()

	return nil
}

// Latest returns the held frame without blocking. ok is false when nothing
// has been published yet or the hub is closed.
func (h *Hub) Latest() (data []byte, seq uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed || h.frame == nil {
		return nil, 0, false
	}
	return h.frame, h.seq, true
}

// Next blocks until a frame newer than afterSeq is available and returns it.
// ok is false when the hub closes; clients stop then. A client that was slow
// skips straight to the newest frame.
func (h *Hub) Next(afterSeq uint64) (data []byte, seq uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.seq <= afterSeq && !h.closed {
		h.cond.Wait()
	}

	if h.closed {
		return nil, 0, false
	}
	return h.frame, h.seq, true
}

// Close shuts the hub down and releases every waiting client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.cond.Broadcast()
}

// Stats returns hub counters
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Published: h.published,
		LastSeq:   h.seq,
		FrameSeq:  h.frameSeq,
		UpdatedAt: h.updatedAt,
	}
}
