package mesh

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/visiona/meshcam/internal/types"
)

// Worker protocol: every message on stdin/stdout is a msgpack map framed
// with a 4-byte big-endian length prefix. The worker speaks first with a
// handshake message; after that the host writes one request per inference
// and the worker answers with one result. The worker may interleave
// unsolicited backend messages when its delegate changes.
const (
	msgTypeReady   = "ready"
	msgTypeResult  = "result"
	msgTypeBackend = "backend"
	msgTypeError   = "error"
)

// maxMessageSize bounds a single framed message. A length prefix beyond this
// means the byte stream is out of sync.
const maxMessageSize = 16 << 20

// request is the host → worker inference request
type request struct {
	Seq     uint64 `msgpack:"seq"`
	TraceID string `msgpack:"trace_id"`
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	Frame   []byte `msgpack:"frame"` // raw RGB24, no base64 overhead
}

// message is every worker → host message. Fields are populated according
// to Type.
type message struct {
	Type string `msgpack:"type"`

	// ready / backend
	Backend string `msgpack:"backend,omitempty"`
	Model   string `msgpack:"model,omitempty"`
	Version string `msgpack:"version,omitempty"`
	Reason  string `msgpack:"reason,omitempty"`

	// error
	Stage string `msgpack:"stage,omitempty"` // "backend" or "model" during handshake
	Error string `msgpack:"error,omitempty"`

	// result
	Seq         uint64     `msgpack:"seq,omitempty"`
	InferenceMS float64    `msgpack:"inference_ms,omitempty"`
	Faces       []wireFace `msgpack:"faces,omitempty"`
}

// wireFace is one detected face on the wire
type wireFace struct {
	Score       float64                 `msgpack:"score"`
	Keypoints   [][2]float64            `msgpack:"keypoints"`
	Annotations map[string][][2]float64 `msgpack:"annotations"`
}

// toFaceMesh converts a wire face into the pipeline type
func (f *wireFace) toFaceMesh() types.FaceMesh {
	mesh := types.FaceMesh{
		Score:       f.Score,
		Keypoints:   make([]types.Keypoint, len(f.Keypoints)),
		Annotations: make(map[string][]types.Keypoint, len(f.Annotations)),
	}
	for i, kp := range f.Keypoints {
		mesh.Keypoints[i] = types.Keypoint{X: kp[0], Y: kp[1]}
	}
	for name, pts := range f.Annotations {
		group := make([]types.Keypoint, len(pts))
		for i, kp := range pts {
			group[i] = types.Keypoint{X: kp[0], Y: kp[1]}
		}
		mesh.Annotations[name] = group
	}
	return mesh
}

// writeFrame marshals v and writes it with the 4-byte big-endian length prefix
func writeFrame(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack message
func readFrame(r io.Reader) (*message, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix)
	if length == 0 || length > maxMessageSize {
		return nil, fmt.Errorf("invalid message length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var msg message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return &msg, nil
}
