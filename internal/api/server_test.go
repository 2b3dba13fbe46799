package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorbox/internal/controller"
	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/recorder"
	"github.com/banshee-data/sensorbox/internal/sensor"
)

type fakeStats struct {
	snap controller.Snapshot
}

func (f *fakeStats) Snapshot() controller.Snapshot { return f.snap }

type fakeStore struct {
	sessions map[string]*recorder.SessionRecord
	stats    map[string][]recorder.SensorStats
	listErr  error
}

func (f *fakeStore) ListSessions() ([]recorder.SessionRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []recorder.SessionRecord
	for _, rec := range f.sessions {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeStore) GetSession(id string) (*recorder.SessionRecord, error) {
	rec, ok := f.sessions[id]
	if !ok {
		return nil, recorder.ErrSessionNotFound
	}
	return rec, nil
}

func (f *fakeStore) SensorStats(sessionID string) ([]recorder.SensorStats, error) {
	return f.stats[sessionID], nil
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatsEndpoint(t *testing.T) {
	stats := &fakeStats{snap: controller.Snapshot{
		SessionStart:  time.Unix(100, 0),
		DroppedFrames: 3,
	}}
	srv := NewServer(stats, nil, "")

	rec := get(t, srv, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		DroppedFrames uint64 `json:"dropped_frames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(3), body.DroppedFrames)

	post := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

func TestVersionEndpoint(t *testing.T) {
	srv := NewServer(&fakeStats{}, nil, "")
	rec := get(t, srv, "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "git_sha")
}

func TestSessionsUnavailableWithoutStore(t *testing.T) {
	srv := NewServer(&fakeStats{}, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/sessions").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/sessions/abc").Code)
}

func TestListSessions(t *testing.T) {
	store := &fakeStore{sessions: map[string]*recorder.SessionRecord{
		"s1": {
			ID:         "s1",
			Name:       "CONF04_2026_08_30_120000",
			Preset:     "CONF04",
			StartedAt:  time.Unix(200, 0),
			EndedAt:    time.Unix(260, 0),
			FrameCount: 1800,
		},
	}}
	srv := NewServer(&fakeStats{}, store, "")

	rec := get(t, srv, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "CONF04_2026_08_30_120000", body[0]["name"])
	assert.Equal(t, float64(1800), body[0]["frame_count"])

	store.listErr = errors.New("db locked")
	assert.Equal(t, http.StatusInternalServerError, get(t, srv, "/sessions").Code)
}

func TestSessionDetailIncludesRecordedHeader(t *testing.T) {
	outDir := t.TempDir()
	sessionPath := filepath.Join(outDir, "CONF04_2026_08_30_120000")

	w, err := recorder.NewRecorder(recorder.Options{
		BasePath: sessionPath,
		Session:  "CONF04_2026_08_30_120000",
		Preset:   "CONF04",
		WindowNs: int64(50 * time.Millisecond),
		Sensors:  []sensor.Identity{{ID: "csi0", Kind: sensor.KindCamera}},
	})
	require.NoError(t, err)
	require.NoError(t, w.Record(&fusion.Frame{
		Seq:       1,
		Reference: time.Unix(200, 0),
		Wall:      time.Unix(200, 0),
		Slots: map[string]fusion.Slot{
			"csi0": {Status: fusion.Present, Sample: &sensor.RawSample{
				SensorID:  "csi0",
				Kind:      sensor.KindCamera,
				Payload:   []byte{0xAA},
				Timestamp: time.Unix(200, 0),
				Seq:       1,
			}},
		},
	}))
	require.NoError(t, w.Close())

	store := &fakeStore{
		sessions: map[string]*recorder.SessionRecord{
			"s1": {
				ID:        "s1",
				Name:      "CONF04_2026_08_30_120000",
				Preset:    "CONF04",
				Path:      sessionPath,
				StartedAt: time.Unix(200, 0),
			},
		},
		stats: map[string][]recorder.SensorStats{
			"s1": {{SensorID: "csi0", Kind: "camera", PresentCount: 1}},
		},
	}
	srv := NewServer(&fakeStats{}, store, outDir)

	rec := get(t, srv, "/sessions/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Name    string `json:"name"`
		Sensors []struct {
			SensorID     string `json:"sensor_id"`
			PresentCount uint64 `json:"present_count"`
		} `json:"sensors"`
		Header *recorder.SessionHeader `json:"header"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONF04_2026_08_30_120000", body.Name)
	require.Len(t, body.Sensors, 1)
	assert.Equal(t, "csi0", body.Sensors[0].SensorID)
	assert.Equal(t, uint64(1), body.Sensors[0].PresentCount)
	require.NotNil(t, body.Header)
	assert.Equal(t, uint64(1), body.Header.TotalFrames)
	assert.Equal(t, "CONF04", body.Header.Preset)
}

func TestSessionDetailOmitsHeaderOutsideOutputDir(t *testing.T) {
	outDir := t.TempDir()
	store := &fakeStore{sessions: map[string]*recorder.SessionRecord{
		"s1": {ID: "s1", Name: "n", Path: "/somewhere/else", StartedAt: time.Unix(1, 0)},
	}}
	srv := NewServer(&fakeStats{}, store, outDir)

	rec := get(t, srv, "/sessions/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Header *recorder.SessionHeader `json:"header"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body.Header)
}

func TestSessionNotFound(t *testing.T) {
	srv := NewServer(&fakeStats{}, &fakeStore{sessions: map[string]*recorder.SessionRecord{}}, "")
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/sessions/nope").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/sessions/a/b").Code)
}
