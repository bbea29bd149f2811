package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// The product targets exactly one capture resolution. Everything downstream
// (model input, overlay surface, viewer box) assumes it.
const (
	FrameWidth  = 640
	FrameHeight = 480
)

// Validate checks if the configuration is valid and applies defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	// Validate log config
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", cfg.Log.Level)
	}

	// Validate camera config. Resolution is pinned, not negotiable.
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = FrameWidth
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = FrameHeight
	}
	if cfg.Camera.Width != FrameWidth || cfg.Camera.Height != FrameHeight {
		return fmt.Errorf("camera resolution is fixed at %dx%d, got %dx%d",
			FrameWidth, FrameHeight, cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 30 // default
	}
	if cfg.Camera.WarmupS <= 0 {
		cfg.Camera.WarmupS = 2 // default
	}

	// Validate model config. The mesh model runs one face, refined landmarks.
	if cfg.Model.WorkerCmd == "" {
		cfg.Model.WorkerCmd = "models/run_facemesh.sh"
	}
	if cfg.Model.MaxFaces == 0 {
		cfg.Model.MaxFaces = 1
	}
	if cfg.Model.MaxFaces != 1 {
		return fmt.Errorf("model.max_faces is fixed at 1, got %d", cfg.Model.MaxFaces)
	}
	if cfg.Model.CallTimeoutMS <= 0 {
		cfg.Model.CallTimeoutMS = 5000 // default
	}
	if cfg.Model.StartTimeoutS <= 0 {
		cfg.Model.StartTimeoutS = 30 // model load can be slow on first run
	}

	// Validate viewer config
	if cfg.Viewer.Addr == "" {
		cfg.Viewer.Addr = ":8080"
	}
	if cfg.Viewer.JPEGQuality == 0 {
		cfg.Viewer.JPEGQuality = 80 // default
	}
	if cfg.Viewer.JPEGQuality < 1 || cfg.Viewer.JPEGQuality > 100 {
		return fmt.Errorf("viewer.jpeg_quality must be 1-100, got %d", cfg.Viewer.JPEGQuality)
	}

	// MQTT is optional; defaults only apply when a broker is configured
	if cfg.MQTT.Enabled() {
		if cfg.MQTT.Topics.Annotations == "" {
			cfg.MQTT.Topics.Annotations = fmt.Sprintf("meshcam/%s/annotations", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.State == "" {
			cfg.MQTT.Topics.State = fmt.Sprintf("meshcam/%s/state", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("meshcam/%s/health", cfg.InstanceID)
		}

		// Set default QoS if not provided
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"face_mesh":  0,
				"loop_state": 1,
				"health":     0,
			}
		}
	}

	return nil
}
