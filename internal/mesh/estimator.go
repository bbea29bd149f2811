package mesh

import (
	"context"
	"errors"

	"github.com/visiona/meshcam/internal/types"
)

// Setup failure categories. The orchestrator classifies handshake errors
// with errors.Is; the wrapped message carries the concrete cause.
var (
	// ErrBackendUnavailable means no numeric backend (accelerated or
	// fallback) could be activated by the worker.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrModelLoad means the face mesh model could not be loaded.
	ErrModelLoad = errors.New("model load failed")
)

// Estimator is the opaque face mesh model boundary: one call per frame,
// zero or one face back. Implementations must not mutate the frame and must
// be safe to call repeatedly; no resources are held between calls beyond the
// model's own internal state.
//
// The single-method shape exists so tests can substitute a double for the
// real worker when exercising rendering and loop logic.
type Estimator interface {
	EstimateFaces(ctx context.Context, frame types.Frame) ([]types.FaceMesh, error)
}

// BackendSource exposes the numeric backend the model currently runs on.
// The loop reads it every tick to gate inference; the worker may demote it
// at runtime.
type BackendSource interface {
	Backend() types.Backend
}

// Model is the full model capability the orchestrator wires: inference plus
// backend visibility. The sidecar satisfies it; test doubles compose the two
// small interfaces instead.
type Model interface {
	Estimator
	BackendSource
}
