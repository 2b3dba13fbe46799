package recorder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/sensor"
)

// On-disk frame record. Payloads ride through encoding/json's base64
// handling of []byte; the per-frame metadata stays human-inspectable
// with standard tools.
type frameRecord struct {
	Seq         uint64                `json:"seq"`
	ReferenceNs int64                 `json:"reference_ns"`
	WallNs      int64                 `json:"wall_ns"`
	Slots       map[string]slotRecord `json:"slots"`
}

type slotRecord struct {
	Status           string        `json:"status"`
	AlignmentErrorNs int64         `json:"alignment_error_ns,omitempty"`
	Sample           *sampleRecord `json:"sample,omitempty"`
}

type sampleRecord struct {
	Kind        string `json:"kind"`
	Seq         uint64 `json:"seq"`
	TimestampNs int64  `json:"timestamp_ns"`
	Payload     []byte `json:"payload"`
}

func encodeFrame(frame *fusion.Frame) ([]byte, error) {
	rec := frameRecord{
		Seq:         frame.Seq,
		ReferenceNs: frame.Reference.UnixNano(),
		WallNs:      frame.Wall.UnixNano(),
		Slots:       make(map[string]slotRecord, len(frame.Slots)),
	}
	for id, slot := range frame.Slots {
		sr := slotRecord{
			Status:           slot.Status.String(),
			AlignmentErrorNs: slot.AlignmentError.Nanoseconds(),
		}
		if slot.Sample != nil {
			sr.Sample = &sampleRecord{
				Kind:        string(slot.Sample.Kind),
				Seq:         slot.Sample.Seq,
				TimestampNs: slot.Sample.Timestamp.UnixNano(),
				Payload:     slot.Sample.Payload,
			}
		}
		rec.Slots[id] = sr
	}
	return json.Marshal(rec)
}

func decodeFrame(data []byte) (*fusion.Frame, error) {
	var rec frameRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	frame := &fusion.Frame{
		Seq:       rec.Seq,
		Reference: time.Unix(0, rec.ReferenceNs),
		Wall:      time.Unix(0, rec.WallNs),
		Slots:     make(map[string]fusion.Slot, len(rec.Slots)),
	}
	for id, sr := range rec.Slots {
		status, err := parseStatus(sr.Status)
		if err != nil {
			return nil, fmt.Errorf("frame %d sensor %s: %w", rec.Seq, id, err)
		}
		slot := fusion.Slot{
			Status:         status,
			AlignmentError: time.Duration(sr.AlignmentErrorNs),
		}
		if sr.Sample != nil {
			slot.Sample = &sensor.RawSample{
				SensorID:  id,
				Kind:      sensor.Kind(sr.Sample.Kind),
				Payload:   sr.Sample.Payload,
				Timestamp: time.Unix(0, sr.Sample.TimestampNs),
				Seq:       sr.Sample.Seq,
			}
		}
		frame.Slots[id] = slot
	}
	return frame, nil
}

func parseStatus(s string) (fusion.SampleStatus, error) {
	switch s {
	case "present":
		return fusion.Present, nil
	case "stale":
		return fusion.Stale, nil
	case "absent":
		return fusion.Absent, nil
	default:
		return fusion.Absent, fmt.Errorf("unknown slot status %q", s)
	}
}
