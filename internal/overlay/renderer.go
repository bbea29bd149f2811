// Package overlay composes the annotated output image for one tick: a fresh
// RGBA copy of the frame (the clear), keypoint markers, and centroid labels
// for the named landmark groups. Rendering is a pure function of
// (frame, result); no state survives between calls.
package overlay

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/visiona/meshcam/internal/types"
)

// Marker and label style. Fixed: every keypoint gets the same dot, every
// label the same face and color.
const (
	markerRadius = 2.0
	markerColor  = "#32EEDB"
	labelColor   = "#FFE066"
)

// labelSpec binds a landmark group to its label text and vertical offset.
// Eye labels sit above the point cluster, nose and mouth labels below it,
// so the text never overlaps the dots it describes.
type labelSpec struct {
	group   string
	text    string
	offsetY float64
}

var labelSpecs = []labelSpec{
	{group: "leftEyeUpper0", text: "left eye", offsetY: -20},
	{group: "rightEyeUpper0", text: "right eye", offsetY: -20},
	{group: "noseBottom", text: "nose", offsetY: 10},
	{group: "lipsUpperOuter", text: "mouth", offsetY: 20},
}

// labelPlacement is one resolved label: text anchored at (X, Y).
type labelPlacement struct {
	Text string
	X    float64
	Y    float64
}

// labelPlacements resolves the four group labels against a result. A group
// that is absent or empty degrades to the (0,0) centroid; the label is still
// placed (at the offset from origin) rather than failing the tick.
func labelPlacements(mesh *types.FaceMesh) []labelPlacement {
	placements := make([]labelPlacement, 0, len(labelSpecs))
	for _, spec := range labelSpecs {
		c := types.Centroid(mesh.Group(spec.group))
		placements = append(placements, labelPlacement{
			Text: spec.text,
			X:    c.X,
			Y:    c.Y + spec.offsetY,
		})
	}
	return placements
}

// Renderer draws annotations onto copies of captured frames. Its pixel
// dimensions are bound once, to the resolution the camera actually reported
// during warmup, and every frame must match them.
type Renderer struct {
	width  int
	height int
	face   font.Face
}

// NewRenderer binds a renderer to the delivered capture resolution
func NewRenderer(width, height int) (*Renderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("overlay: invalid surface dimensions %dx%d", width, height)
	}
	return &Renderer{
		width:  width,
		height: height,
		face:   basicfont.Face7x13,
	}, nil
}

// Width returns the bound surface width
func (r *Renderer) Width() int { return r.width }

// Height returns the bound surface height
func (r *Renderer) Height() int { return r.height }

// Compose builds the output image for one tick.
//
// The surface is cleared first: the result starts as a fresh copy of the
// current frame, so annotations from prior ticks are unconditionally gone
// even when mesh is nil. With a result, every keypoint gets a filled circle
// marker and the four named landmark groups get centroid labels.
//
// The frame is read, never mutated.
func (r *Renderer) Compose(frame types.Frame, mesh *types.FaceMesh) (*image.RGBA, error) {
	if frame.Width != r.width || frame.Height != r.height {
		return nil, fmt.Errorf("overlay: frame %dx%d does not match bound surface %dx%d",
			frame.Width, frame.Height, r.width, r.height)
	}

	img, err := rgbToRGBA(frame)
	if err != nil {
		return nil, err
	}

	if mesh == nil {
		return img, nil
	}

	dc := gg.NewContextForRGBA(img)

	dc.SetHexColor(markerColor)
	for _, kp := range mesh.Keypoints {
		dc.DrawCircle(kp.X, kp.Y, markerRadius)
	}
	dc.Fill()

	dc.SetFontFace(r.face)
	dc.SetHexColor(labelColor)
	for _, p := range labelPlacements(mesh) {
		dc.DrawString(p.Text, p.X, p.Y)
	}

	return img, nil
}

// rgbToRGBA converts RGB raw bytes (3 bytes/pixel) to a fresh image.RGBA
// (4 bytes/pixel, alpha 255)
func rgbToRGBA(frame types.Frame) (*image.RGBA, error) {
	expectedSize := frame.Width * frame.Height * 3
	if len(frame.Data) != expectedSize {
		return nil, fmt.Errorf("overlay: invalid RGB data size: got %d, expected %d (%dx%d*3)",
			len(frame.Data), expectedSize, frame.Width, frame.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i := 0; i < frame.Width*frame.Height; i++ {
		img.Pix[i*4+0] = frame.Data[i*3+0]
		img.Pix[i*4+1] = frame.Data[i*3+1]
		img.Pix[i*4+2] = frame.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}

	return img, nil
}
