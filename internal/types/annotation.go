package types

import (
	"encoding/json"
	"time"
)

// Annotation is the interface that all emitted annotation events implement
type Annotation interface {
	// Type returns the event type (face_mesh, loop_state, ...)
	Type() string
	// Timestamp returns when the event was generated
	Timestamp() time.Time
	// ToJSON converts the event to JSON bytes
	ToJSON() ([]byte, error)
}

// FaceAnnotation is emitted once per annotated tick with a detected face
type FaceAnnotation struct {
	InstanceID   string              `json:"instance_id"`
	EventTyp     string              `json:"event_type"`
	Source       string              `json:"source"`
	FrameSeq     uint64              `json:"frame_seq"`
	TraceID      string              `json:"trace_id"`
	Backend      Backend             `json:"backend"`
	Score        float64             `json:"score"`
	KeypointN    int                 `json:"keypoint_count"`
	Landmarks    map[string]Keypoint `json:"landmarks"`
	Metadata     AnnotationMetadata  `json:"metadata"`
	TimestampStr string              `json:"timestamp"`
	ts           time.Time
}

// NewFaceAnnotation builds the event for one tick. Landmarks carries the
// centroid of each named group present in the result.
func NewFaceAnnotation(instanceID string, frame Frame, mesh *FaceMesh, backend Backend, inferenceMS float64) *FaceAnnotation {
	now := time.Now()
	landmarks := make(map[string]Keypoint, len(mesh.Annotations))
	for name, pts := range mesh.Annotations {
		landmarks[name] = Centroid(pts)
	}
	return &FaceAnnotation{
		InstanceID: instanceID,
		EventTyp:   "face_mesh",
		Source:     frame.Source,
		FrameSeq:   frame.Seq,
		TraceID:    frame.TraceID,
		Backend:    backend,
		Score:      mesh.Score,
		KeypointN:  len(mesh.Keypoints),
		Landmarks:  landmarks,
		Metadata: AnnotationMetadata{
			InferenceTimeMS: inferenceMS,
			FrameWidth:      frame.Width,
			FrameHeight:     frame.Height,
		},
		TimestampStr: now.Format(time.RFC3339Nano),
		ts:           now,
	}
}

// Type implements Annotation interface
func (a *FaceAnnotation) Type() string {
	return "face_mesh"
}

// Timestamp implements Annotation interface
func (a *FaceAnnotation) Timestamp() time.Time {
	return a.ts
}

// ToJSON implements Annotation interface
func (a *FaceAnnotation) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

// AnnotationMetadata contains common metadata for all annotation events
type AnnotationMetadata struct {
	InferenceTimeMS float64 `json:"inference_time_ms"`
	FrameWidth      int     `json:"frame_width"`
	FrameHeight     int     `json:"frame_height"`
}

// StateEvent is emitted on loop state transitions (retained on the broker so
// late subscribers see the current state)
type StateEvent struct {
	InstanceID   string  `json:"instance_id"`
	EventTyp     string  `json:"event_type"`
	State        string  `json:"state"`
	Message      string  `json:"message,omitempty"`
	Backend      Backend `json:"backend"`
	TimestampStr string  `json:"timestamp"`
	ts           time.Time
}

// NewStateEvent builds a loop state transition event
func NewStateEvent(instanceID, state, message string, backend Backend) *StateEvent {
	now := time.Now()
	return &StateEvent{
		InstanceID:   instanceID,
		EventTyp:     "loop_state",
		State:        state,
		Message:      message,
		Backend:      backend,
		TimestampStr: now.Format(time.RFC3339Nano),
		ts:           now,
	}
}

// Type implements Annotation interface
func (s *StateEvent) Type() string {
	return "loop_state"
}

// Timestamp implements Annotation interface
func (s *StateEvent) Timestamp() time.Time {
	return s.ts
}

// ToJSON implements Annotation interface
func (s *StateEvent) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}
