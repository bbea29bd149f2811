package types

// Backend identifies the numeric execution backend the face mesh model runs on.
// It is negotiated once during the worker handshake and may be demoted by the
// worker at runtime (e.g. GPU delegate lost).
type Backend string

const (
	// BackendGPU is the accelerated backend. Inference only runs while this
	// backend is active.
	BackendGPU Backend = "gpu"
	// BackendCPU is the fallback backend.
	BackendCPU Backend = "cpu"
	// BackendUnset means the handshake has not completed yet.
	BackendUnset Backend = ""
)

// Accelerated reports whether the backend is the accelerated one
func (b Backend) Accelerated() bool {
	return b == BackendGPU
}

// Keypoint is a single 2D landmark coordinate in frame pixel space
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FaceMesh is the result of one face mesh inference: every keypoint of the
// detected face plus named landmark groups (ordered subsets of the keypoints,
// e.g. "leftEyeUpper0", "noseBottom", "lipsUpperOuter"). At most one face is
// produced per frame; the model is configured for a single face.
type FaceMesh struct {
	// Keypoints are all landmark coordinates of the face
	Keypoints []Keypoint
	// Annotations maps a landmark group name to its ordered keypoints
	Annotations map[string][]Keypoint
	// Score is the detection confidence [0.0, 1.0]
	Score float64
}

// Group returns the keypoints of a named landmark group. A group that is
// absent from the result yields nil; callers degrade via Centroid.
func (m *FaceMesh) Group(name string) []Keypoint {
	if m == nil || m.Annotations == nil {
		return nil
	}
	return m.Annotations[name]
}

// Centroid returns the arithmetic mean position of a landmark group.
// An empty or missing group yields exactly (0,0) so a partial result
// never fails the tick that renders it.
func Centroid(pts []Keypoint) Keypoint {
	if len(pts) == 0 {
		return Keypoint{}
	}
	var sx, sy float64
	for _, p := range pts {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(pts))
	return Keypoint{X: sx / n, Y: sy / n}
}
