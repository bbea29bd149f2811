package viewer

import (
	"sync"
	"time"

	"github.com/visiona/meshcam/internal/types"
)

// Phase is the user-visible lifecycle phase of the annotation service
type Phase string

const (
	PhaseInitializing   Phase = "initializing"
	PhaseWaitingBackend Phase = "waiting_backend"
	PhaseRunning        Phase = "running"
	PhaseFailed         Phase = "failed" // initialization failed, loop never started
	PhaseHalted         Phase = "halted" // a tick failed, loop stopped for good
)

// Counters are the loop's cumulative counters, shown on /metrics and in
// status snapshots
type Counters struct {
	Ticks            uint64  `json:"ticks"`              // completed annotation ticks
	Skips            uint64  `json:"skips"`              // ticks gated on the backend
	Faces            uint64  `json:"faces"`              // faces found across all ticks
	FramesDropped    uint64  `json:"frames_dropped"`     // stale frames discarded at intake
	TotalInferenceMS float64 `json:"total_inference_ms"` // summed round-trip latency
}

// AvgInferenceMS returns the mean inference latency over completed ticks
func (c Counters) AvgInferenceMS() float64 {
	if c.Ticks == 0 {
		return 0
	}
	return c.TotalInferenceMS / float64(c.Ticks)
}

// Status is one snapshot of the board, served as JSON and pushed over the
// status websocket
type Status struct {
	InstanceID     string        `json:"instance_id"`
	Phase          Phase         `json:"phase"`
	Message        string        `json:"message"`
	Backend        types.Backend `json:"backend"`
	UptimeS        float64       `json:"uptime_s"`
	Counters       Counters      `json:"counters"`
	AvgInferenceMS float64       `json:"avg_inference_ms"`
}

// Board is the status surface the page banner renders from: the current
// phase, the single latest user-visible message, the backend flag, and the
// loop counters.
//
// The message REPLACES prior content on every write, never appends; it is
// empty while healthy. Initialization failures write
// "Failed to initialize: <msg>", fatal ticks write "Detection failed: <msg>".
type Board struct {
	instanceID string
	started    time.Time

	mu       sync.RWMutex
	phase    Phase
	message  string
	backend  types.Backend
	counters Counters
}

// NewBoard creates a board in the initializing phase
func NewBoard(instanceID string) *Board {
	return &Board{
		instanceID: instanceID,
		started:    time.Now(),
		phase:      PhaseInitializing,
	}
}

// SetPhase moves the board to a phase. Entering a healthy phase clears the
// message so the banner empties again after WAITING_BACKEND recoveries.
func (b *Board) SetPhase(p Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = p
	if p == PhaseRunning || p == PhaseWaitingBackend || p == PhaseInitializing {
		b.message = ""
	}
}

// Fail moves the board to a terminal phase with the user-visible message.
// The message replaces whatever was shown before.
func (b *Board) Fail(p Phase, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = p
	b.message = message
}

// SetBackend records the backend the model currently runs on
func (b *Board) SetBackend(backend types.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backend = backend
}

// RecordTick counts one completed annotation tick
func (b *Board) RecordTick(faces int, inferenceMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.Ticks++
	b.counters.Faces += uint64(faces)
	b.counters.TotalInferenceMS += inferenceMS
}

// RecordSkip counts one tick gated on the backend
func (b *Board) RecordSkip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.Skips++
}

// AddDropped counts stale frames discarded at loop intake
func (b *Board) AddDropped(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.FramesDropped += n
}

// Phase returns the current phase
func (b *Board) Phase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

// Message returns the current user-visible message ("" while healthy)
func (b *Board) Message() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.message
}

// Snapshot returns the full board state for status surfaces
func (b *Board) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		InstanceID:     b.instanceID,
		Phase:          b.phase,
		Message:        b.message,
		Backend:        b.backend,
		UptimeS:        time.Since(b.started).Seconds(),
		Counters:       b.counters,
		AvgInferenceMS: b.counters.AvgInferenceMS(),
	}
}
