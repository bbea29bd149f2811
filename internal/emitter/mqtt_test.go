package emitter

import (
	"testing"

	"github.com/visiona/meshcam/internal/config"
	"github.com/visiona/meshcam/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		InstanceID: "meshcam-test",
		MQTT: config.MQTTConfig{
			Broker: "localhost:1883",
			Topics: config.MQTTTopics{
				Annotations: "meshcam/annotations/meshcam-test",
				State:       "meshcam/state/meshcam-test",
				Health:      "meshcam/health/meshcam-test",
			},
			QoS: map[string]byte{
				"face_mesh":  0,
				"loop_state": 1,
				"health":     1,
			},
		},
	}
}

// TestRouteByAnnotationType verifies topic selection and retain flags.
func TestRouteByAnnotationType(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	topic, retained := e.route("face_mesh")
	if topic != "meshcam/annotations/meshcam-test" {
		t.Errorf("Unexpected annotation topic %q", topic)
	}
	if retained {
		t.Error("Face annotations must not be retained")
	}

	topic, retained = e.route("loop_state")
	if topic != "meshcam/state/meshcam-test" {
		t.Errorf("Unexpected state topic %q", topic)
	}
	if !retained {
		t.Error("State events must be retained")
	}
}

// TestGetQoS verifies per-type QoS lookup with default fallback.
func TestGetQoS(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	if qos := e.getQoS("loop_state"); qos != 1 {
		t.Errorf("Expected QoS 1 for loop_state, got %d", qos)
	}
	if qos := e.getQoS("face_mesh"); qos != 0 {
		t.Errorf("Expected QoS 0 for face_mesh, got %d", qos)
	}
	if qos := e.getQoS("unknown_type"); qos != 0 {
		t.Errorf("Expected default QoS 0, got %d", qos)
	}
}

// TestPublishWhileDisconnected verifies publishes fail fast and are counted
// as errors when no broker connection exists.
func TestPublishWhileDisconnected(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	event := types.NewStateEvent("meshcam-test", "running", "", types.BackendGPU)
	if err := e.Publish(event); err == nil {
		t.Fatal("Expected publish error while disconnected")
	}

	stats := e.Stats()
	if stats.Connected {
		t.Error("Expected disconnected stats")
	}
	if stats.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", stats.Errors)
	}
	if len(stats.Published) != 0 {
		t.Errorf("Expected no published messages, got %v", stats.Published)
	}
}

// TestDisconnectWithoutConnect verifies Disconnect is safe on a fresh emitter.
func TestDisconnectWithoutConnect(t *testing.T) {
	e := NewMQTTEmitter(testConfig())
	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect on fresh emitter failed: %v", err)
	}
}
