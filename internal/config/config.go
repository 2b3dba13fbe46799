// Package config defines the capture configuration surface: which sensors
// are enabled, the alignment parameters, reconnect policy, and limits.
// All knobs are explicit fields; nothing is resolved from hidden runtime
// defaults. Fields omitted from the JSON file fall back through the Get*
// accessors so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root capture configuration.
type Config struct {
	// Preset labels the sensor combination for session naming. Derived
	// from the enabled sensors when omitted.
	Preset *string `json:"preset,omitempty"`

	Cameras []CameraConfig `json:"cameras,omitempty"`
	Lidar   *LidarConfig   `json:"lidar,omitempty"`
	Depth   *DepthConfig   `json:"depth,omitempty"`

	// CadenceHz is the engine's scheduling tick rate (default 30).
	CadenceHz *float64 `json:"cadence_hz,omitempty"`

	// SyncWindow is the alignment window width Δ, as a duration string
	// like "50ms" (default 50ms).
	SyncWindow *string `json:"sync_window,omitempty"`

	// Staleness is the carry-forward threshold (default 200ms).
	Staleness *string `json:"staleness,omitempty"`

	// RingCapacity bounds each sensor's sample buffer (default 32).
	RingCapacity *int `json:"ring_capacity,omitempty"`

	// OutputBuffer is the emitted-frame buffer depth (default 8).
	OutputBuffer *int `json:"output_buffer,omitempty"`

	// NoDataTimeout is how long a silent sensor is tolerated before it
	// is degraded (default 500ms).
	NoDataTimeout *string `json:"no_data_timeout,omitempty"`

	// JoinTimeout bounds how long Stop waits for adapter goroutines
	// before forcibly tearing them down (default 2s).
	JoinTimeout *string `json:"join_timeout,omitempty"`

	// MaxHighBandwidth limits how many high-bandwidth sensors (cameras,
	// depth units) may stream concurrently. Enforced at start. The
	// right value depends on the board's bus topology, so it is a
	// tunable, not a hard-coded assumption (default 2).
	MaxHighBandwidth *int `json:"max_high_bandwidth,omitempty"`

	// Reconnect backoff policy.
	ReconnectBase   *string  `json:"reconnect_base,omitempty"`   // default "100ms"
	ReconnectMax    *string  `json:"reconnect_max,omitempty"`    // default "5s"
	ReconnectJitter *float64 `json:"reconnect_jitter,omitempty"` // default 0.2
	MaxRetries      *int     `json:"max_retries,omitempty"`      // default 5

	// Latency maps a sensor kind ("camera", "lidar", "depth") to its
	// capture latency as a duration string; the offset is subtracted
	// from sample timestamps before alignment.
	Latency map[string]string `json:"latency_compensation,omitempty"`
}

// CameraConfig enables one CSI or USB camera.
type CameraConfig struct {
	ID       string `json:"id"`
	Device   string `json:"device,omitempty"` // v4l2 node; empty means CSI sensor index
	CSIIndex int    `json:"csi_index,omitempty"`
	Width    int    `json:"width,omitempty"`  // default 1280
	Height   int    `json:"height,omitempty"` // default 720
	FPS      int    `json:"fps,omitempty"`    // default 30
	Required bool   `json:"required,omitempty"`
}

// LidarConfig enables the serial LIDAR.
type LidarConfig struct {
	ID       string `json:"id,omitempty"` // default derived from port
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate,omitempty"` // default 115200
	Required bool   `json:"required,omitempty"`
}

// DepthConfig enables the RGB-D unit's UDP stream listener.
type DepthConfig struct {
	ID       string `json:"id,omitempty"` // default "depth0"
	Listen   string `json:"listen"`       // UDP listen address, e.g. ":9301"
	IMU      bool   `json:"imu,omitempty"`
	Required bool   `json:"required,omitempty"`
}

const maxConfigFileSize = 1 * 1024 * 1024

// Load reads and validates a JSON config file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks field consistency. Accessor defaults are applied after
// validation, so only explicitly set fields are checked here.
func (c *Config) Validate() error {
	if c.CadenceHz != nil && *c.CadenceHz <= 0 {
		return fmt.Errorf("cadence_hz must be positive, got %v", *c.CadenceHz)
	}
	if c.ReconnectJitter != nil && (*c.ReconnectJitter < 0 || *c.ReconnectJitter >= 1) {
		return fmt.Errorf("reconnect_jitter must be in [0, 1), got %v", *c.ReconnectJitter)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", *c.MaxRetries)
	}
	if c.MaxHighBandwidth != nil && *c.MaxHighBandwidth < 1 {
		return fmt.Errorf("max_high_bandwidth must be at least 1, got %d", *c.MaxHighBandwidth)
	}
	if c.RingCapacity != nil && *c.RingCapacity < 1 {
		return fmt.Errorf("ring_capacity must be at least 1, got %d", *c.RingCapacity)
	}
	if c.OutputBuffer != nil && *c.OutputBuffer < 1 {
		return fmt.Errorf("output_buffer must be at least 1, got %d", *c.OutputBuffer)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"sync_window", c.SyncWindow},
		{"staleness", c.Staleness},
		{"no_data_timeout", c.NoDataTimeout},
		{"join_timeout", c.JoinTimeout},
		{"reconnect_base", c.ReconnectBase},
		{"reconnect_max", c.ReconnectMax},
	} {
		if field.value == nil {
			continue
		}
		d, err := time.ParseDuration(*field.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", field.name, *field.value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", field.name, *field.value)
		}
	}

	for kind, raw := range c.Latency {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid latency_compensation for %q: %w", kind, err)
		}
	}

	seen := map[string]bool{}
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera %d has empty id", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		if cam.Width < 0 || cam.Height < 0 || cam.FPS < 0 {
			return fmt.Errorf("camera %q has negative dimensions or fps", cam.ID)
		}
	}

	if c.Lidar != nil && c.Lidar.Port == "" {
		return fmt.Errorf("lidar enabled but port is empty")
	}
	if c.Depth != nil && c.Depth.Listen == "" {
		return fmt.Errorf("depth unit enabled but listen address is empty")
	}

	if c.Preset != nil {
		if _, err := ParsePreset(*c.Preset); err != nil {
			return err
		}
	}
	return nil
}

// Cadence returns the tick interval derived from CadenceHz.
func (c *Config) Cadence() time.Duration {
	hz := 30.0
	if c.CadenceHz != nil {
		hz = *c.CadenceHz
	}
	return time.Duration(float64(time.Second) / hz)
}

// GetSyncWindow returns the alignment window width.
func (c *Config) GetSyncWindow() time.Duration {
	return c.duration(c.SyncWindow, 50*time.Millisecond)
}

// GetStaleness returns the stale carry-forward threshold.
func (c *Config) GetStaleness() time.Duration {
	return c.duration(c.Staleness, 200*time.Millisecond)
}

// GetNoDataTimeout returns the silent-sensor degradation timeout.
func (c *Config) GetNoDataTimeout() time.Duration {
	return c.duration(c.NoDataTimeout, 500*time.Millisecond)
}

// GetJoinTimeout returns the bounded adapter join timeout for Stop.
func (c *Config) GetJoinTimeout() time.Duration {
	return c.duration(c.JoinTimeout, 2*time.Second)
}

// GetReconnectBase returns the initial reconnect backoff delay.
func (c *Config) GetReconnectBase() time.Duration {
	return c.duration(c.ReconnectBase, 100*time.Millisecond)
}

// GetReconnectMax returns the reconnect backoff cap.
func (c *Config) GetReconnectMax() time.Duration {
	return c.duration(c.ReconnectMax, 5*time.Second)
}

// GetReconnectJitter returns the backoff jitter fraction.
func (c *Config) GetReconnectJitter() float64 {
	if c.ReconnectJitter != nil {
		return *c.ReconnectJitter
	}
	return 0.2
}

// GetMaxRetries returns the per-failure reconnect budget.
func (c *Config) GetMaxRetries() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return 5
}

// GetMaxHighBandwidth returns the concurrent high-bandwidth sensor limit.
func (c *Config) GetMaxHighBandwidth() int {
	if c.MaxHighBandwidth != nil {
		return *c.MaxHighBandwidth
	}
	return 2
}

// GetRingCapacity returns the per-sensor buffer capacity.
func (c *Config) GetRingCapacity() int {
	if c.RingCapacity != nil {
		return *c.RingCapacity
	}
	return 32
}

// GetOutputBuffer returns the emitted-frame buffer depth.
func (c *Config) GetOutputBuffer() int {
	if c.OutputBuffer != nil {
		return *c.OutputBuffer
	}
	return 8
}

// LatencyFor returns the configured capture latency for a sensor kind.
func (c *Config) LatencyFor(kind string) time.Duration {
	raw, ok := c.Latency[kind]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) duration(field *string, def time.Duration) time.Duration {
	if field == nil {
		return def
	}
	d, err := time.ParseDuration(*field)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
