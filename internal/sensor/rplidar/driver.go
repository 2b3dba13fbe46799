package rplidar

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// Port defines the minimal interface needed for the LIDAR serial link.
// go.bug.st/serial's Port satisfies it; tests substitute a scripted
// implementation.
type Port interface {
	io.ReadWriter
	io.Closer
	SetReadTimeout(t time.Duration) error
}

// Opener opens the serial device at path. Swappable for tests.
type Opener func(path string, mode *serial.Mode) (Port, error)

func defaultOpener(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Config describes one RPLIDAR unit attached over USB serial.
type Config struct {
	ID          string
	Path        string // e.g. /dev/ttyUSB0
	BaudRate    int    // defaults to 115200
	ReadTimeout time.Duration
	Open        Opener
	Clock       timeutil.Clock
}

// Driver reads full revolutions from an RPLIDAR A-series unit and
// presents each one as a single sample. Partial revolutions are carried
// across Read calls so a slow consumer never splits a scan.
type Driver struct {
	identity    sensor.Identity
	path        string
	mode        *serial.Mode
	readTimeout time.Duration
	open        Opener
	clock       timeutil.Clock

	mu      sync.Mutex
	port    Port
	seq     uint64
	buf     []byte  // unconsumed bytes from the port
	pending []Point // points of the revolution currently being assembled
	started bool    // saw the first start-flag record
}

// New builds a Driver from cfg. The device is not touched until Open.
func New(cfg Config) *Driver {
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	opener := cfg.Open
	if opener == nil {
		opener = defaultOpener
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Driver{
		identity: sensor.Identity{
			ID:   cfg.ID,
			Kind: sensor.KindLidar,
		},
		path: cfg.Path,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: timeout,
		open:        opener,
		clock:       clock,
	}
}

func (d *Driver) Identity() sensor.Identity { return d.identity }

// Open connects to the serial device, issues a scan request and
// verifies the response descriptor. The motor spins up on most units as
// a side effect of DTR being asserted by the open.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}

	port, err := d.open(d.path, d.mode)
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}
	if err := port.SetReadTimeout(d.readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}

	// Stop any scan a previous session left running, then request a
	// fresh one.
	if _, err := port.Write([]byte{syncByte, cmdStop}); err != nil {
		port.Close()
		return fmt.Errorf("stop command on %s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}
	d.clock.Sleep(10 * time.Millisecond)
	if _, err := port.Write([]byte{syncByte, cmdScan}); err != nil {
		port.Close()
		return fmt.Errorf("scan command on %s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}

	var desc [descLen]byte
	if _, err := io.ReadFull(port, desc[:]); err != nil {
		port.Close()
		return fmt.Errorf("read scan descriptor from %s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}
	if err := validateDescriptor(desc[:]); err != nil {
		port.Close()
		return fmt.Errorf("%s: %v: %w", d.path, err, sensor.ErrHardwareUnavailable)
	}

	d.port = port
	d.pending = nil
	d.started = false
	monitoring.Logf("rplidar %s: scanning on %s at %d baud", d.identity.ID, d.path, d.mode.BaudRate)
	return nil
}

// maxPortReads bounds how many port reads a single Read call will make
// before giving up on completing a revolution. A full A1 revolution is
// well under 400 points.
const maxPortReads = 64

// Read assembles measurement records until a start-flag record closes
// the current revolution, then returns the whole revolution as one
// sample. It returns sensor.ErrNoSample when the port is quiet and
// sensor.ErrMalformedPayload when byte alignment is lost; the partial
// revolution is discarded in that case and assembly resumes at the
// next well-formed record.
//
// go.bug.st's Read reports a timeout as a zero-byte read with a nil
// error, so bytes are accumulated here rather than with io.ReadFull,
// which would spin on that.
func (d *Driver) Read() (*sensor.RawSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil, fmt.Errorf("rplidar %s: port closed: %w", d.identity.ID, sensor.ErrConnectionLost)
	}

	var scratch [512]byte
	for i := 0; i < maxPortReads; i++ {
		if sample, err := d.drainRecords(); sample != nil || err != nil {
			return sample, err
		}

		n, err := d.port.Read(scratch[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("rplidar %s: port EOF: %w", d.identity.ID, sensor.ErrConnectionLost)
			}
			return nil, fmt.Errorf("rplidar %s: %v: %w", d.identity.ID, err, sensor.ErrConnectionLost)
		}
		if n == 0 {
			// Read timeout elapsed with nothing buffered.
			return nil, sensor.ErrNoSample
		}
		d.buf = append(d.buf, scratch[:n]...)
	}
	return nil, sensor.ErrNoSample
}

// drainRecords consumes complete 5-byte records from the accumulator.
// It returns a sample when a start flag closes the current revolution,
// an error when a record fails validation, or (nil, nil) when more
// bytes are needed.
func (d *Driver) drainRecords() (*sensor.RawSample, error) {
	for len(d.buf) >= measurementLen {
		m, err := decodeMeasurement(d.buf[:measurementLen])
		if err != nil {
			// Alignment lost. Skip one byte to resync and drop the
			// partial revolution, which can no longer be trusted.
			d.buf = d.buf[1:]
			d.pending = nil
			d.started = false
			return nil, err
		}
		d.buf = d.buf[measurementLen:]

		if m.newScan {
			if d.started && len(d.pending) > 0 {
				sample := d.finishRevolution()
				d.pending = append(d.pending[:0], m.point)
				return sample, nil
			}
			d.started = true
			d.pending = d.pending[:0]
		}
		if d.started {
			d.pending = append(d.pending, m.point)
		}
	}
	return nil, nil
}

func (d *Driver) finishRevolution() *sensor.RawSample {
	d.seq++
	return &sensor.RawSample{
		SensorID:  d.identity.ID,
		Kind:      sensor.KindLidar,
		Payload:   EncodeScan(d.pending),
		Timestamp: d.clock.Now(),
		Seq:       d.seq,
	}
}

// Close stops the scan and releases the port. Safe to call repeatedly.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	// Best effort: the unit keeps streaming until told to stop.
	d.port.Write([]byte{syncByte, cmdStop})
	err := d.port.Close()
	d.port = nil
	d.pending = nil
	d.started = false
	return err
}
