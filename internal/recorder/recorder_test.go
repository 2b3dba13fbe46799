package recorder

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// Frames survive a decode with nanosecond timestamps; compare times by
// their instant rather than struct identity.
var timeCmp = cmp.Transformer("unixnano", func(t time.Time) int64 { return t.UnixNano() })

func testFrame(seq uint64, ref time.Time) *fusion.Frame {
	return &fusion.Frame{
		Seq:       seq,
		Reference: ref,
		Wall:      ref.Add(3 * time.Millisecond),
		Slots: map[string]fusion.Slot{
			"csi0": {
				Status:         fusion.Present,
				AlignmentError: -2 * time.Millisecond,
				Sample: &sensor.RawSample{
					SensorID:  "csi0",
					Kind:      sensor.KindCamera,
					Payload:   []byte{0x10, 0x20, 0x30},
					Timestamp: ref.Add(-27 * time.Millisecond),
					Seq:       seq * 10,
				},
			},
			"lidar0": {
				Status:         fusion.Stale,
				AlignmentError: 40 * time.Millisecond,
				Sample: &sensor.RawSample{
					SensorID:  "lidar0",
					Kind:      sensor.KindLidar,
					Payload:   []byte{0xAA},
					Timestamp: ref.Add(-65 * time.Millisecond),
					Seq:       seq * 3,
				},
			},
			"depth0": {Status: fusion.Absent},
		},
	}
}

func TestRecordAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "CONF02_2026_08_30_120000")
	clock := timeutil.NewMockClock(time.Unix(5000, 0))

	rec, err := NewRecorder(Options{
		BasePath: dir,
		Session:  "CONF02_2026_08_30_120000",
		Preset:   "CONF02",
		WindowNs: (50 * time.Millisecond).Nanoseconds(),
		Sensors: []sensor.Identity{
			{ID: "csi0", Kind: sensor.KindCamera, HighBandwidth: true},
			{ID: "lidar0", Kind: sensor.KindLidar},
			{ID: "depth0", Kind: sensor.KindDepth, HasDepth: true},
		},
		Clock: clock,
	})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	var want []*fusion.Frame
	for seq := uint64(1); seq <= 5; seq++ {
		f := testFrame(seq, base.Add(time.Duration(seq)*33*time.Millisecond))
		require.NoError(t, rec.Record(f))
		want = append(want, f)
	}
	assert.Equal(t, uint64(5), rec.FrameCount())
	require.NoError(t, rec.Close())

	// Closing twice is fine; recording after close is not.
	require.NoError(t, rec.Close())
	assert.Error(t, rec.Record(testFrame(6, base)))

	reader, err := NewReader(dir)
	require.NoError(t, err)

	header := reader.Header()
	assert.Equal(t, FormatVersion, header.Version)
	assert.Equal(t, "CONF02", header.Preset)
	assert.Equal(t, uint64(5), header.TotalFrames)
	assert.Equal(t, want[0].Reference.UnixNano(), header.StartNs)
	assert.Equal(t, want[4].Reference.UnixNano(), header.EndNs)
	assert.Len(t, header.Sensors, 3)

	for _, w := range want {
		got, err := reader.Next()
		require.NoError(t, err)
		if diff := cmp.Diff(w, got, timeCmp); diff != "" {
			t.Fatalf("frame %d mismatch (-want +got):\n%s", w.Seq, diff)
		}
	}
	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSeek(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	rec, err := NewRecorder(Options{BasePath: dir, Session: "s", Preset: "CONF01"})
	require.NoError(t, err)

	base := time.Unix(6000, 0)
	for seq := uint64(10); seq <= 20; seq += 2 {
		require.NoError(t, rec.Record(testFrame(seq, base.Add(time.Duration(seq)*time.Millisecond))))
	}
	require.NoError(t, rec.Close())

	reader, err := NewReader(dir)
	require.NoError(t, err)
	require.Equal(t, 6, reader.FrameCount())

	// Seek lands on the first frame at or after the requested seq.
	reader.Seek(13)
	f, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(14), f.Seq)

	reader.Seek(999)
	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)

	reader.Seek(0)
	f, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.Seq)
}

func TestCatalogueSessionLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalogue.db")
	cat, err := OpenCatalogue(dbPath)
	require.NoError(t, err)
	defer cat.Close()

	started := time.Unix(7000, 0)
	id, err := cat.BeginSession("CONF03_2026_08_30_130000", "CONF03", "/data/sessions/x", started)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := cat.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "CONF03_2026_08_30_130000", rec.Name)
	assert.Equal(t, "CONF03", rec.Preset)
	assert.True(t, rec.EndedAt.IsZero())

	ended := started.Add(90 * time.Second)
	err = cat.FinishSession(id, ended, 2700, 12, []SensorStats{
		{SensorID: "csi0", Kind: "camera", PresentCount: 2650, StaleCount: 40, AbsentCount: 10},
		{SensorID: "lidar0", Kind: "lidar", PresentCount: 2400, StaleCount: 250, AbsentCount: 50},
	})
	require.NoError(t, err)

	rec, err = cat.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2700), rec.FrameCount)
	assert.Equal(t, uint64(12), rec.DroppedFrames)
	assert.Equal(t, ended.UnixNano(), rec.EndedAt.UnixNano())

	stats, err := cat.SensorStats(id)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "csi0", stats[0].SensorID)
	assert.Equal(t, uint64(2650), stats[0].PresentCount)

	sessions, err := cat.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
}

func TestCatalogueFinishUnknownSession(t *testing.T) {
	cat, err := OpenCatalogue(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	defer cat.Close()

	err = cat.FinishSession("no-such-id", time.Now(), 0, 0, nil)
	assert.Error(t, err)
}

func TestCatalogueReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalogue.db")

	cat, err := OpenCatalogue(dbPath)
	require.NoError(t, err)
	_, err = cat.BeginSession("CONF01_2026_08_30_140000", "CONF01", "/data/a", time.Unix(8000, 0))
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	// Migrations are idempotent across opens.
	cat, err = OpenCatalogue(dbPath)
	require.NoError(t, err)
	defer cat.Close()

	sessions, err := cat.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
