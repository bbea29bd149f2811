package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete meshcam configuration
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Log              LogConfig    `yaml:"log"`
	Camera           CameraConfig `yaml:"camera"`
	Model            ModelConfig  `yaml:"model"`
	Viewer           ViewerConfig `yaml:"viewer"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// CameraConfig contains capture settings
type CameraConfig struct {
	Device  string `yaml:"device"`   // V4L2 device path; empty selects the mock source
	Width   int    `yaml:"width"`    // fixed at 640
	Height  int    `yaml:"height"`   // fixed at 480
	FPS     int    `yaml:"fps"`      // target fps
	WarmupS int    `yaml:"warmup_s"` // warm-up duration before the loop starts
}

// ModelConfig contains face mesh worker settings
type ModelConfig struct {
	WorkerCmd       string `yaml:"worker_cmd"`        // command that launches the worker process
	ModelPath       string `yaml:"model_path"`        // landmarker model file handed to the worker
	MaxFaces        int    `yaml:"max_faces"`         // fixed at 1
	RefineLandmarks *bool  `yaml:"refine_landmarks"`  // default true
	CallTimeoutMS   int    `yaml:"call_timeout_ms"`   // per-inference round-trip timeout
	StartTimeoutS   int    `yaml:"start_timeout_s"`   // handshake deadline at startup
}

// Refine reports whether refined landmark detail is enabled
func (m *ModelConfig) Refine() bool {
	return m.RefineLandmarks == nil || *m.RefineLandmarks
}

// ViewerConfig contains the HTTP viewer settings
type ViewerConfig struct {
	Addr        string `yaml:"addr"`         // listen address (default :8080)
	JPEGQuality int    `yaml:"jpeg_quality"` // stream encode quality 1-100
}

// MQTTConfig contains MQTT broker settings. An empty broker disables emission.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Annotations string `yaml:"annotations"`
	State       string `yaml:"state"`
	Health      string `yaml:"health"`
}

// Enabled reports whether an MQTT broker is configured
func (m *MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
