package sensor

import "errors"

// The fixed error taxonomy. Drivers and adapters map raw device errors to
// these sentinels (wrapped with context via fmt.Errorf and %w) so callers
// can classify failures with errors.Is instead of matching driver strings.
var (
	// ErrHardwareUnavailable means the device node, port, or unit was
	// missing or access was denied at open time. Fatal to the run only
	// when the sensor is marked required in configuration.
	ErrHardwareUnavailable = errors.New("sensor hardware unavailable")

	// ErrConnectionLost means an open stream stalled past its timeout or
	// the underlying transport reported a terminal read error.
	ErrConnectionLost = errors.New("sensor connection lost")

	// ErrMalformedPayload means a sample was corrupt, truncated, or
	// failed its checksum. The sample is discarded, never propagated.
	ErrMalformedPayload = errors.New("malformed sensor payload")

	// ErrRetryExhausted means the supervisor gave up reconnecting a
	// sensor for the session. Non-fatal: the sensor becomes permanently
	// absent from subsequent fusion frames.
	ErrRetryExhausted = errors.New("sensor reconnect retries exhausted")

	// ErrPipelineStalled means the consumer could not keep up and fusion
	// frames were dropped. Reported through counters, never raised to
	// the consumer mid-stream.
	ErrPipelineStalled = errors.New("pipeline stalled, frames dropped")

	// ErrNoSample is returned by Driver.Read when no sample became
	// available within the driver's bounded poll budget. It is the
	// normal idle condition, not a failure.
	ErrNoSample = errors.New("no sample available")
)
