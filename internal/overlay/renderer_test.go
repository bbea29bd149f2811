package overlay

import (
	"bytes"
	"image/color"
	"testing"
	"time"

	"github.com/visiona/meshcam/internal/types"
)

func testFrame(w, h int) types.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		data[i*3+0] = 0x10
		data[i*3+1] = 0x20
		data[i*3+2] = 0x30
	}
	return types.Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      data,
		Source:    "mock",
		TraceID:   "test-trace",
	}
}

// TestComposeClearWithoutResult verifies composing with no result yields a
// pure copy of the frame: no artifacts survive from prior ticks because every
// tick starts from a fresh copy.
func TestComposeClearWithoutResult(t *testing.T) {
	r, err := NewRenderer(64, 48)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	frame := testFrame(64, 48)

	// A previous tick drew markers; this must leave no trace in the next
	// compose because the surface is a fresh copy each time.
	mesh := &types.FaceMesh{Keypoints: []types.Keypoint{{X: 10, Y: 10}, {X: 20, Y: 20}}}
	if _, err := r.Compose(frame, mesh); err != nil {
		t.Fatalf("Compose with mesh failed: %v", err)
	}

	img, err := r.Compose(frame, nil)
	if err != nil {
		t.Fatalf("Compose without mesh failed: %v", err)
	}

	want, err := rgbToRGBA(frame)
	if err != nil {
		t.Fatalf("rgbToRGBA failed: %v", err)
	}
	if !bytes.Equal(img.Pix, want.Pix) {
		t.Error("Expected pixel-identical fresh copy when no result is present")
	}
}

// TestComposeDrawsMarkers verifies keypoints change pixels at their location.
func TestComposeDrawsMarkers(t *testing.T) {
	r, err := NewRenderer(64, 48)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	frame := testFrame(64, 48)

	mesh := &types.FaceMesh{
		Keypoints: []types.Keypoint{{X: 32, Y: 24}},
		Annotations: map[string][]types.Keypoint{
			"leftEyeUpper0": {{X: 32, Y: 24}},
		},
	}

	img, err := r.Compose(frame, mesh)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	got := img.RGBAAt(32, 24)
	background := color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}
	if got == background {
		t.Errorf("Expected a marker at (32,24), pixel still background %v", got)
	}
}

// TestComposeDoesNotMutateFrame verifies the frame buffer is read-only input.
func TestComposeDoesNotMutateFrame(t *testing.T) {
	r, err := NewRenderer(64, 48)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	frame := testFrame(64, 48)
	original := make([]byte, len(frame.Data))
	copy(original, frame.Data)

	mesh := &types.FaceMesh{Keypoints: []types.Keypoint{{X: 5, Y: 5}}}
	if _, err := r.Compose(frame, mesh); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	if !bytes.Equal(frame.Data, original) {
		t.Error("Compose mutated the input frame")
	}
}

// TestComposeRejectsMismatchedFrame verifies dimension binding is enforced.
func TestComposeRejectsMismatchedFrame(t *testing.T) {
	r, err := NewRenderer(640, 480)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	if _, err := r.Compose(testFrame(64, 48), nil); err == nil {
		t.Error("Expected error for frame not matching bound surface")
	}

	// Truncated pixel data must fail, not index out of range.
	bad := testFrame(640, 480)
	bad.Data = bad.Data[:100]
	if _, err := r.Compose(bad, nil); err == nil {
		t.Error("Expected error for truncated frame data")
	}
}

// TestLabelPlacements verifies the four group labels and their vertical
// offsets: eyes above the cluster, nose and mouth below it.
func TestLabelPlacements(t *testing.T) {
	mesh := &types.FaceMesh{
		Annotations: map[string][]types.Keypoint{
			"leftEyeUpper0":  {{X: 100, Y: 80}, {X: 120, Y: 80}},
			"rightEyeUpper0": {{X: 200, Y: 82}},
			"noseBottom":     {{X: 160, Y: 150}},
			"lipsUpperOuter": {{X: 150, Y: 200}, {X: 170, Y: 200}},
		},
	}

	placements := labelPlacements(mesh)
	if len(placements) != 4 {
		t.Fatalf("Expected 4 placements, got %d", len(placements))
	}

	tests := []struct {
		text string
		x, y float64
	}{
		{"left eye", 110, 60},   // centroid (110,80), offset -20
		{"right eye", 200, 62},  // centroid (200,82), offset -20
		{"nose", 160, 160},      // centroid (160,150), offset +10
		{"mouth", 160, 220},     // centroid (160,200), offset +20
	}

	for i, want := range tests {
		t.Run(want.text, func(t *testing.T) {
			got := placements[i]
			if got.Text != want.text {
				t.Errorf("Expected label %q, got %q", want.text, got.Text)
			}
			if got.X != want.x || got.Y != want.y {
				t.Errorf("Expected %q at (%v, %v), got (%v, %v)",
					want.text, want.x, want.y, got.X, got.Y)
			}
		})
	}
}

// TestLabelPlacementsPartialResult verifies a missing group degrades to the
// (0,0) centroid instead of failing the tick.
func TestLabelPlacementsPartialResult(t *testing.T) {
	mesh := &types.FaceMesh{
		Annotations: map[string][]types.Keypoint{
			"noseBottom": {{X: 160, Y: 150}},
		},
	}

	placements := labelPlacements(mesh)
	if len(placements) != 4 {
		t.Fatalf("Expected 4 placements even on partial result, got %d", len(placements))
	}

	// leftEyeUpper0 is absent: centroid (0,0), eye offset -20
	if placements[0].X != 0 || placements[0].Y != -20 {
		t.Errorf("Expected degraded left eye label at (0,-20), got (%v, %v)",
			placements[0].X, placements[0].Y)
	}
}

// TestRGBToRGBA verifies channel layout of the conversion.
func TestRGBToRGBA(t *testing.T) {
	frame := types.Frame{
		Width:  2,
		Height: 1,
		Data:   []byte{1, 2, 3, 4, 5, 6},
	}

	img, err := rgbToRGBA(frame)
	if err != nil {
		t.Fatalf("rgbToRGBA failed: %v", err)
	}

	want := []byte{1, 2, 3, 255, 4, 5, 6, 255}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("Expected pixels %v, got %v", want, img.Pix)
	}
}

// TestNewRendererRejectsBadDimensions verifies fail-fast construction.
func TestNewRendererRejectsBadDimensions(t *testing.T) {
	if _, err := NewRenderer(0, 480); err == nil {
		t.Error("Expected error for zero width")
	}
	if _, err := NewRenderer(640, -1); err == nil {
		t.Error("Expected error for negative height")
	}
}
