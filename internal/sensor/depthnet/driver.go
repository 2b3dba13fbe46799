package depthnet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// UDPSocket is the subset of *net.UDPConn the driver uses. The
// abstraction lets tests drive the read loop without a real socket.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// Listen binds a UDP socket. Swappable for tests.
type Listen func(laddr *net.UDPAddr) (UDPSocket, error)

func defaultListen(laddr *net.UDPAddr) (UDPSocket, error) {
	return net.ListenUDP("udp", laddr)
}

// Config describes one network depth unit.
type Config struct {
	ID          string
	Addr        string // listen address, e.g. ":8308"
	ReadTimeout time.Duration
	RcvBuf      int // socket receive buffer, bytes
	HasIMU      bool
	Listen      Listen
	Clock       timeutil.Clock
}

// Driver receives depth-unit datagrams over UDP. Each validated
// datagram becomes one sample; the payload is the full wire packet so
// the stream type and device timestamp survive into recordings.
type Driver struct {
	identity    sensor.Identity
	addr        string
	readTimeout time.Duration
	rcvBuf      int
	listen      Listen
	clock       timeutil.Clock

	mu   sync.Mutex
	conn UDPSocket
	buf  []byte
	seq  uint64
}

// New builds a Driver from cfg. No socket is bound until Open.
func New(cfg Config) *Driver {
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	rcvBuf := cfg.RcvBuf
	if rcvBuf <= 0 {
		rcvBuf = 8 * 1024 * 1024
	}
	listen := cfg.Listen
	if listen == nil {
		listen = defaultListen
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Driver{
		identity: sensor.Identity{
			ID:            cfg.ID,
			Kind:          sensor.KindDepth,
			HasDepth:      true,
			HasIMU:        cfg.HasIMU,
			HighBandwidth: true,
		},
		addr:        cfg.Addr,
		readTimeout: timeout,
		rcvBuf:      rcvBuf,
		listen:      listen,
		clock:       clock,
	}
}

func (d *Driver) Identity() sensor.Identity { return d.identity }

// Open binds the listen socket.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	laddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %v: %w", d.addr, err, sensor.ErrHardwareUnavailable)
	}
	conn, err := d.listen(laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %v: %w", d.addr, err, sensor.ErrHardwareUnavailable)
	}
	if err := conn.SetReadBuffer(d.rcvBuf); err != nil {
		// Not fatal: the kernel buffer just stays at its default.
		monitoring.Logf("depthnet %s: set receive buffer to %d: %v", d.identity.ID, d.rcvBuf, err)
	}

	d.conn = conn
	d.buf = make([]byte, 65535)
	monitoring.Logf("depthnet %s: listening on %s", d.identity.ID, conn.LocalAddr())
	return nil
}

// Read waits for the next datagram. A quiet socket yields
// sensor.ErrNoSample after the read timeout; a datagram that fails
// validation yields sensor.ErrMalformedPayload.
func (d *Driver) Read() (*sensor.RawSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, fmt.Errorf("depthnet %s: socket closed: %w", d.identity.ID, sensor.ErrConnectionLost)
	}

	if err := d.conn.SetReadDeadline(d.clock.Now().Add(d.readTimeout)); err != nil {
		return nil, fmt.Errorf("depthnet %s: set read deadline: %v: %w", d.identity.ID, err, sensor.ErrConnectionLost)
	}
	n, _, err := d.conn.ReadFromUDP(d.buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, sensor.ErrNoSample
		}
		return nil, fmt.Errorf("depthnet %s: %v: %w", d.identity.ID, err, sensor.ErrConnectionLost)
	}

	if _, err := Parse(d.buf[:n]); err != nil {
		return nil, fmt.Errorf("depthnet %s: %w", d.identity.ID, err)
	}

	payload := make([]byte, n)
	copy(payload, d.buf[:n])
	d.seq++
	return &sensor.RawSample{
		SensorID:  d.identity.ID,
		Kind:      sensor.KindDepth,
		Payload:   payload,
		Timestamp: d.clock.Now(),
		Seq:       d.seq,
	}, nil
}

// Close releases the socket. Safe to call repeatedly.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
