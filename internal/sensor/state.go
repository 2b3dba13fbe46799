package sensor

// AdapterState is the lifecycle state of one sensor stream adapter.
// Exactly one state holds at any time; it is mutated only by the
// adapter/supervisor pair that owns the sensor.
type AdapterState int32

const (
	// Disconnected is the initial state before Open and the final state
	// after a clean Close.
	Disconnected AdapterState = iota

	// Connecting is set while the supervisor is attempting to (re)open
	// the underlying driver.
	Connecting

	// Streaming means samples are flowing within the expected cadence.
	Streaming

	// Degraded means the driver is open but has not produced data within
	// the no-data timeout. The sensor may recover without a reconnect.
	Degraded

	// Failed means the connection is down. The supervisor will retry
	// unless the retry budget is exhausted, in which case the sensor
	// stays Failed for the rest of the session.
	Failed
)

func (s AdapterState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether the adapter is expected to deliver samples.
func (s AdapterState) Live() bool {
	return s == Streaming || s == Degraded
}
