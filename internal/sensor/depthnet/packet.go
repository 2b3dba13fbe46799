package depthnet

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/banshee-data/sensorbox/internal/sensor"
)

// Depth units stream RGB frames, depth maps and IMU readings over UDP,
// one packet per frame slice. Every packet carries a fixed header and a
// trailing CRC over header plus payload.
//
// Layout, all multi-byte fields little-endian:
//
//	offset  size  field
//	0       2     magic 0xB50D
//	2       1     protocol version
//	3       1     stream type
//	4       4     device sequence number
//	8       8     device timestamp, nanoseconds
//	16      2     payload length
//	18      n     payload
//	18+n    4     CRC-32 (IEEE) over bytes [0, 18+n)
const (
	Magic   = 0xB50D
	Version = 1

	headerLen  = 18
	trailerLen = 4
)

// StreamType identifies which stream of the unit a packet belongs to.
type StreamType uint8

const (
	StreamRGB StreamType = iota
	StreamDepth
	StreamIMU
)

func (s StreamType) String() string {
	switch s {
	case StreamRGB:
		return "rgb"
	case StreamDepth:
		return "depth"
	case StreamIMU:
		return "imu"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// Packet is one decoded depth-unit datagram.
type Packet struct {
	Stream    StreamType
	DeviceSeq uint32
	DeviceTS  uint64 // nanoseconds on the unit's clock
	Payload   []byte
}

// Parse validates and decodes a datagram. All validation failures wrap
// sensor.ErrMalformedPayload.
func Parse(b []byte) (*Packet, error) {
	if len(b) < headerLen+trailerLen {
		return nil, fmt.Errorf("datagram is %d bytes, want at least %d: %w", len(b), headerLen+trailerLen, sensor.ErrMalformedPayload)
	}
	if magic := binary.LittleEndian.Uint16(b[0:2]); magic != Magic {
		return nil, fmt.Errorf("bad magic 0x%04X: %w", magic, sensor.ErrMalformedPayload)
	}
	if b[2] != Version {
		return nil, fmt.Errorf("unsupported protocol version %d: %w", b[2], sensor.ErrMalformedPayload)
	}
	st := StreamType(b[3])
	if st > StreamIMU {
		return nil, fmt.Errorf("unknown stream type %d: %w", b[3], sensor.ErrMalformedPayload)
	}
	payloadLen := int(binary.LittleEndian.Uint16(b[16:18]))
	if len(b) != headerLen+payloadLen+trailerLen {
		return nil, fmt.Errorf("datagram is %d bytes, header says %d: %w", len(b), headerLen+payloadLen+trailerLen, sensor.ErrMalformedPayload)
	}
	body := b[:headerLen+payloadLen]
	want := binary.LittleEndian.Uint32(b[headerLen+payloadLen:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("crc mismatch: got 0x%08X, want 0x%08X: %w", got, want, sensor.ErrMalformedPayload)
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[headerLen:headerLen+payloadLen])
	return &Packet{
		Stream:    st,
		DeviceSeq: binary.LittleEndian.Uint32(b[4:8]),
		DeviceTS:  binary.LittleEndian.Uint64(b[8:16]),
		Payload:   payload,
	}, nil
}

// Marshal encodes a packet into wire form. Used by tests and the
// replay tool; the production path only parses.
func (p *Packet) Marshal() []byte {
	out := make([]byte, headerLen+len(p.Payload)+trailerLen)
	binary.LittleEndian.PutUint16(out[0:2], Magic)
	out[2] = Version
	out[3] = byte(p.Stream)
	binary.LittleEndian.PutUint32(out[4:8], p.DeviceSeq)
	binary.LittleEndian.PutUint64(out[8:16], p.DeviceTS)
	binary.LittleEndian.PutUint16(out[16:18], uint16(len(p.Payload)))
	copy(out[headerLen:], p.Payload)
	crc := crc32.ChecksumIEEE(out[:headerLen+len(p.Payload)])
	binary.LittleEndian.PutUint32(out[headerLen+len(p.Payload):], crc)
	return out
}
