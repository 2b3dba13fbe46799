package rplidar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/sensorbox/internal/sensor"
)

// RPLIDAR A-series wire protocol constants. All request packets begin
// with the sync byte, and every scan response is a stream of 5-byte
// measurement records.
const (
	syncByte     = 0xA5
	cmdStop      = 0x25
	cmdScan      = 0x20
	cmdReset     = 0x40
	descSync2    = 0x5A
	descLen      = 7
	scanDataType = 0x81

	measurementLen = 5
)

// Point is a single decoded range measurement within a revolution.
type Point struct {
	Angle    float32 // degrees, 0 at the unit's heading marker
	Distance float32 // millimetres, 0 when no return
	Quality  uint8
}

// measurement holds the decoded fields of one 5-byte record plus the
// start-of-revolution flag.
type measurement struct {
	point   Point
	newScan bool
}

// decodeMeasurement validates and unpacks a 5-byte scan record.
//
// Byte 0 carries the start flag in bit 0 and its inverse in bit 1; the
// two must always disagree. Byte 1 bit 0 is a fixed check bit that must
// be set. Either violation means we have lost byte alignment with the
// stream.
func decodeMeasurement(raw []byte) (measurement, error) {
	if len(raw) != measurementLen {
		return measurement{}, fmt.Errorf("measurement is %d bytes, want %d: %w", len(raw), measurementLen, sensor.ErrMalformedPayload)
	}
	start := raw[0] & 0x01
	notStart := (raw[0] >> 1) & 0x01
	if start == notStart {
		return measurement{}, fmt.Errorf("start flag bits agree (0x%02x): %w", raw[0], sensor.ErrMalformedPayload)
	}
	if raw[1]&0x01 != 1 {
		return measurement{}, fmt.Errorf("check bit clear (0x%02x): %w", raw[1], sensor.ErrMalformedPayload)
	}

	angleQ6 := uint16(raw[1])>>1 | uint16(raw[2])<<7
	distQ2 := uint16(raw[3]) | uint16(raw[4])<<8

	return measurement{
		point: Point{
			Angle:    float32(angleQ6) / 64.0,
			Distance: float32(distQ2) / 4.0,
			Quality:  raw[0] >> 2,
		},
		newScan: start == 1,
	}, nil
}

// validateDescriptor checks the 7-byte response descriptor the unit
// sends after a scan request.
func validateDescriptor(raw []byte) error {
	if len(raw) != descLen {
		return fmt.Errorf("descriptor is %d bytes, want %d", len(raw), descLen)
	}
	if raw[0] != syncByte || raw[1] != descSync2 {
		return fmt.Errorf("bad descriptor sync 0x%02x 0x%02x", raw[0], raw[1])
	}
	if raw[6] != scanDataType {
		return fmt.Errorf("unexpected response data type 0x%02x", raw[6])
	}
	return nil
}

// EncodeScan packs a revolution into the byte payload carried by a
// sensor.RawSample: for each point, little-endian float32 angle and
// distance followed by the quality byte.
func EncodeScan(points []Point) []byte {
	const rec = 4 + 4 + 1
	out := make([]byte, 0, len(points)*rec)
	var buf [rec]byte
	for _, p := range points {
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(p.Angle))
		binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.Distance))
		buf[8] = p.Quality
		out = append(out, buf[:]...)
	}
	return out
}

// DecodeScan is the inverse of EncodeScan.
func DecodeScan(payload []byte) ([]Point, error) {
	const rec = 4 + 4 + 1
	if len(payload)%rec != 0 {
		return nil, fmt.Errorf("scan payload length %d not a multiple of %d: %w", len(payload), rec, sensor.ErrMalformedPayload)
	}
	points := make([]Point, 0, len(payload)/rec)
	for off := 0; off < len(payload); off += rec {
		points = append(points, Point{
			Angle:    math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4])),
			Distance: math.Float32frombits(binary.LittleEndian.Uint32(payload[off+4 : off+8])),
			Quality:  payload[off+8],
		})
	}
	return points, nil
}
