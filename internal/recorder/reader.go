package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/sensorbox/internal/fusion"
)

// Reader iterates the frames of a recorded session in order.
type Reader struct {
	basePath string
	header   SessionHeader
	index    []IndexEntry

	pos          int
	currentChunk int
	chunkData    []byte
}

// NewReader opens a session directory for reading.
func NewReader(basePath string) (*Reader, error) {
	r := &Reader{
		basePath:     basePath,
		currentChunk: -1,
	}

	headerData, err := os.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("read session header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("parse session header: %w", err)
	}

	indexFile, err := os.Open(filepath.Join(basePath, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	defer indexFile.Close()

	r.index = make([]IndexEntry, 0, r.header.TotalFrames)
	for {
		var entry IndexEntry
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.Seq); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read session index: %w", err)
		}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.ReferenceNs); err != nil {
			return nil, fmt.Errorf("read session index: %w", err)
		}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.ChunkID); err != nil {
			return nil, fmt.Errorf("read session index: %w", err)
		}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.Offset); err != nil {
			return nil, fmt.Errorf("read session index: %w", err)
		}
		r.index = append(r.index, entry)
	}
	return r, nil
}

// Header returns the session metadata.
func (r *Reader) Header() SessionHeader { return r.header }

// FrameCount returns the number of indexed frames.
func (r *Reader) FrameCount() int { return len(r.index) }

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (*fusion.Frame, error) {
	if r.pos >= len(r.index) {
		return nil, io.EOF
	}
	frame, err := r.frameAt(r.index[r.pos])
	if err != nil {
		return nil, err
	}
	r.pos++
	return frame, nil
}

// Seek positions the reader so the next call to Next returns the first
// frame with sequence number >= seq.
func (r *Reader) Seek(seq uint64) {
	lo, hi := 0, len(r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.index[mid].Seq < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	r.pos = lo
}

func (r *Reader) frameAt(entry IndexEntry) (*fusion.Frame, error) {
	if int(entry.ChunkID) != r.currentChunk {
		chunkPath := filepath.Join(r.basePath, "frames", fmt.Sprintf("chunk_%04d.bin", entry.ChunkID))
		data, err := os.ReadFile(chunkPath)
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", entry.ChunkID, err)
		}
		r.chunkData = data
		r.currentChunk = int(entry.ChunkID)
	}

	off := int(entry.Offset)
	if off+4 > len(r.chunkData) {
		return nil, fmt.Errorf("chunk %d truncated at offset %d", entry.ChunkID, off)
	}
	frameLen := int(binary.LittleEndian.Uint32(r.chunkData[off : off+4]))
	if off+4+frameLen > len(r.chunkData) {
		return nil, fmt.Errorf("chunk %d truncated: frame %d runs past end", entry.ChunkID, entry.Seq)
	}
	return decodeFrame(r.chunkData[off+4 : off+4+frameLen])
}
