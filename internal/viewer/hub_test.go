package viewer

import (
	"bytes"
	"image"
	"testing"
	"time"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i % 251)
	}
	return img
}

// TestHubPublishAndLatest verifies late joiners get the newest frame
// immediately and that it is valid JPEG.
func TestHubPublishAndLatest(t *testing.T) {
	h := NewHub(80)

	if _, _, ok := h.Latest(); ok {
		t.Error("Expected no frame before first publish")
	}

	if err := h.Publish(testImage(64, 48), 7); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	data, seq, ok := h.Latest()
	if !ok {
		t.Fatal("Expected a frame after publish")
	}
	if seq != 1 {
		t.Errorf("Expected hub seq 1, got %d", seq)
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		t.Error("Expected JPEG magic bytes")
	}

	stats := h.Stats()
	if stats.Published != 1 || stats.FrameSeq != 7 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

// TestHubLatestWins verifies a slow reader skips straight to the newest
// frame; intermediate frames are replaced, never queued.
func TestHubLatestWins(t *testing.T) {
	h := NewHub(80)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := h.Publish(testImage(32, 32), seq); err != nil {
			t.Fatalf("Publish %d failed: %v", seq, err)
		}
	}

	_, seq, ok := h.Next(0) // reader last saw nothing
	if !ok {
		t.Fatal("Expected a frame")
	}
	if seq != 5 {
		t.Errorf("Expected newest hub seq 5, got %d", seq)
	}
	if h.Stats().FrameSeq != 5 {
		t.Errorf("Expected held frame seq 5, got %d", h.Stats().FrameSeq)
	}
}

// TestHubNextBlocksUntilNewer verifies Next waits for a frame newer than the
// caller's position.
func TestHubNextBlocksUntilNewer(t *testing.T) {
	h := NewHub(80)
	if err := h.Publish(testImage(32, 32), 1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := make(chan uint64, 1)
	go func() {
		_, seq, ok := h.Next(1) // already saw seq 1
		if ok {
			got <- seq
		}
	}()

	select {
	case seq := <-got:
		t.Fatalf("Next returned %d before a newer frame existed", seq)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Publish(testImage(32, 32), 2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case seq := <-got:
		if seq != 2 {
			t.Errorf("Expected hub seq 2, got %d", seq)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for Next to wake")
	}
}

// TestHubCloseReleasesWaiters verifies Close unblocks clients and further
// publishes fail.
func TestHubCloseReleasesWaiters(t *testing.T) {
	h := NewHub(80)

	released := make(chan bool, 1)
	go func() {
		_, _, ok := h.Next(0)
		released <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	h.Close()

	select {
	case ok := <-released:
		if ok {
			t.Error("Expected ok=false from Next after Close")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for Next to release on Close")
	}

	if err := h.Publish(testImage(16, 16), 1); err == nil {
		t.Error("Expected Publish to fail after Close")
	}

	// Close is idempotent
	h.Close()
}
