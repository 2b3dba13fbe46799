// Package sensor defines the shared contract between physical sensor
// drivers and the capture pipeline: sensor identities, raw samples, the
// adapter state machine, the error taxonomy, and the driver registry.
//
// Each physical driver (camera, LIDAR, depth unit) implements the Driver
// interface regardless of its native API. The pipeline never talks to
// hardware directly; it only sees Drivers and the RawSamples they produce.
package sensor

import (
	"fmt"
	"time"
)

// Kind identifies the class of a sensor.
type Kind string

const (
	KindCamera Kind = "camera"
	KindLidar  Kind = "lidar"
	KindDepth  Kind = "depth"
)

// Identity is the stable logical identity of one sensor. It is immutable
// after construction and used as the key in fusion frames, configuration,
// and recorded sessions.
type Identity struct {
	// ID is the logical name, e.g. "csi0", "rplidar_ttyUSB0", "oakd0".
	ID string `json:"id"`

	// Kind is the sensor class.
	Kind Kind `json:"kind"`

	// HasIMU is set for units that report inertial samples.
	HasIMU bool `json:"has_imu,omitempty"`

	// HasDepth is set for units that produce depth maps.
	HasDepth bool `json:"has_depth,omitempty"`

	// HighBandwidth marks sensors that saturate a shared bus (CSI lanes,
	// USB controller). The controller enforces a configured limit on how
	// many of these may stream concurrently.
	HighBandwidth bool `json:"high_bandwidth,omitempty"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.Kind, id.ID)
}

// RawSample is one payload read from a single sensor. It is owned by the
// originating adapter until it is handed to the synchronization engine,
// and by the fusion frame after that.
type RawSample struct {
	// SensorID names the producing sensor.
	SensorID string

	// Kind duplicates the sensor class so a sample is self-describing
	// once it leaves the pipeline (recorder, replay).
	Kind Kind

	// Payload is the sensor data in the driver's wire encoding: packed
	// RGB for cameras, packed polar points for LIDAR scans, depth-unit
	// stream payloads as received.
	Payload []byte

	// Timestamp is the capture time on the process monotonic clock,
	// after any configured per-kind latency compensation.
	Timestamp time.Time

	// Seq is the driver-local sequence number, monotonically increasing
	// per sensor for the lifetime of one connection.
	Seq uint64
}

// Age returns how far behind ref the sample was captured. Negative if the
// sample is newer than ref.
func (s *RawSample) Age(ref time.Time) time.Duration {
	return ref.Sub(s.Timestamp)
}
