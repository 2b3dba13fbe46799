// Package recorder persists fused frames to disk as chunked session
// logs and keeps a catalogue of recorded sessions in SQLite.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// FormatVersion is the session log format version.
const FormatVersion = "1.0"

// ChunkSize is the number of frames per chunk file.
const ChunkSize = 1000

// SensorInfo describes one sensor that contributed to a session.
type SensorInfo struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	HasIMU        bool   `json:"has_imu,omitempty"`
	HasDepth      bool   `json:"has_depth,omitempty"`
	HighBandwidth bool   `json:"high_bandwidth,omitempty"`
}

// SessionHeader contains metadata about a recorded session.
type SessionHeader struct {
	Version     string       `json:"version"`
	Session     string       `json:"session"`
	Preset      string       `json:"preset"`
	CreatedNs   int64        `json:"created_ns"`
	WindowNs    int64        `json:"window_ns"`
	Sensors     []SensorInfo `json:"sensors"`
	TotalFrames uint64       `json:"total_frames"`
	StartNs     int64        `json:"start_ns"`
	EndNs       int64        `json:"end_ns"`
}

// IndexEntry is an entry in the seek index.
type IndexEntry struct {
	Seq         uint64
	ReferenceNs int64
	ChunkID     uint32
	Offset      uint32
}

// Recorder writes fused frames to a session directory:
//
//	<base>/header.json
//	<base>/frames/chunk_0000.bin   length-prefixed frame records
//	<base>/index.bin               fixed-width seek index
type Recorder struct {
	basePath string
	header   SessionHeader
	clock    timeutil.Clock

	mu           sync.Mutex
	index        []IndexEntry
	currentChunk int
	chunkFile    *os.File
	chunkOffset  uint32
	frameCount   uint64
	startNs      int64
	endNs        int64
	closed       bool
}

// Options configures a new session recording.
type Options struct {
	// BasePath is the session directory. Created if absent.
	BasePath string

	// Session is the catalogue name, e.g. "CONF02_2026_08_30_141500".
	Session string

	// Preset is the capture preset the session ran under.
	Preset string

	// Window is the synchronization window in nanoseconds.
	WindowNs int64

	// Sensors lists the participating sensors.
	Sensors []sensor.Identity

	Clock timeutil.Clock
}

// NewRecorder creates the session directory and prepares for writing.
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.BasePath == "" {
		return nil, fmt.Errorf("recorder: base path required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	if err := os.MkdirAll(filepath.Join(opts.BasePath, "frames"), 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	sensors := make([]SensorInfo, 0, len(opts.Sensors))
	for _, id := range opts.Sensors {
		sensors = append(sensors, SensorInfo{
			ID:            id.ID,
			Kind:          string(id.Kind),
			HasIMU:        id.HasIMU,
			HasDepth:      id.HasDepth,
			HighBandwidth: id.HighBandwidth,
		})
	}

	return &Recorder{
		basePath:     opts.BasePath,
		clock:        clock,
		currentChunk: -1,
		index:        make([]IndexEntry, 0),
		header: SessionHeader{
			Version:   FormatVersion,
			Session:   opts.Session,
			Preset:    opts.Preset,
			CreatedNs: clock.Now().UnixNano(),
			WindowNs:  opts.WindowNs,
			Sensors:   sensors,
		},
	}, nil
}

// Record appends one fused frame to the session.
func (r *Recorder) Record(frame *fusion.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder is closed")
	}

	refNs := frame.Reference.UnixNano()
	if r.startNs == 0 {
		r.startNs = refNs
	}
	r.endNs = refNs

	chunkIdx := int(r.frameCount / ChunkSize)
	if chunkIdx != r.currentChunk {
		if err := r.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	data, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := r.chunkFile.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := r.chunkFile.Write(data); err != nil {
		return fmt.Errorf("write frame data: %w", err)
	}

	r.index = append(r.index, IndexEntry{
		Seq:         frame.Seq,
		ReferenceNs: refNs,
		ChunkID:     uint32(chunkIdx),
		Offset:      r.chunkOffset,
	})
	r.chunkOffset += uint32(4 + len(data))
	r.frameCount++
	return nil
}

func (r *Recorder) rotateChunk(chunkIdx int) error {
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}
	chunkPath := filepath.Join(r.basePath, "frames", fmt.Sprintf("chunk_%04d.bin", chunkIdx))
	f, err := os.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	r.chunkFile = f
	r.currentChunk = chunkIdx
	r.chunkOffset = 0
	return nil
}

// Close finalises the session, writing the header and seek index.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}

	r.header.TotalFrames = r.frameCount
	r.header.StartNs = r.startNs
	r.header.EndNs = r.endNs

	headerData, err := json.MarshalIndent(r.header, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.basePath, "header.json"), headerData, 0644); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	indexFile, err := os.Create(filepath.Join(r.basePath, "index.bin"))
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer indexFile.Close()

	for _, entry := range r.index {
		if err := binary.Write(indexFile, binary.LittleEndian, entry.Seq); err != nil {
			return err
		}
		if err := binary.Write(indexFile, binary.LittleEndian, entry.ReferenceNs); err != nil {
			return err
		}
		if err := binary.Write(indexFile, binary.LittleEndian, entry.ChunkID); err != nil {
			return err
		}
		if err := binary.Write(indexFile, binary.LittleEndian, entry.Offset); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the session directory.
func (r *Recorder) Path() string { return r.basePath }

// FrameCount returns the number of frames recorded so far.
func (r *Recorder) FrameCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameCount
}
