// Package api exposes the capture daemon's HTTP surface: live pipeline
// statistics and the recorded session catalogue. It is read-only; the
// capture run itself is controlled by the process lifecycle, not HTTP.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/sensorbox/internal/controller"
	"github.com/banshee-data/sensorbox/internal/httputil"
	"github.com/banshee-data/sensorbox/internal/recorder"
	"github.com/banshee-data/sensorbox/internal/security"
	"github.com/banshee-data/sensorbox/internal/version"
)

// StatsSource provides live pipeline counters.
type StatsSource interface {
	Snapshot() controller.Snapshot
}

// SessionStore provides access to the recorded session catalogue.
type SessionStore interface {
	ListSessions() ([]recorder.SessionRecord, error)
	GetSession(id string) (*recorder.SessionRecord, error)
	SensorStats(sessionID string) ([]recorder.SensorStats, error)
}

// Server serves the stats and session endpoints.
type Server struct {
	stats  StatsSource
	store  SessionStore
	outDir string
}

// NewServer creates an API server. store may be nil when the daemon runs
// without a catalogue; the session endpoints then report unavailable.
// outDir is the session output root; recorded headers are only read from
// paths inside it.
func NewServer(stats StatsSource, store SessionStore, outDir string) *Server {
	return &Server{stats: stats, store: store, outDir: outDir}
}

// ServeMux returns the route table, intended to be mounted under /api.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/sessions", s.listSessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/version", s.versionHandler)
	return mux
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.stats.Snapshot())
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

type sessionJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Preset        string `json:"preset"`
	Path          string `json:"path"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at,omitempty"`
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

type sensorStatsJSON struct {
	SensorID     string `json:"sensor_id"`
	Kind         string `json:"kind"`
	PresentCount uint64 `json:"present_count"`
	StaleCount   uint64 `json:"stale_count"`
	AbsentCount  uint64 `json:"absent_count"`
}

type sessionDetailJSON struct {
	sessionJSON
	Sensors []sensorStatsJSON       `json:"sensors"`
	Header  *recorder.SessionHeader `json:"header,omitempty"`
}

func sessionToJSON(rec recorder.SessionRecord) sessionJSON {
	out := sessionJSON{
		ID:            rec.ID,
		Name:          rec.Name,
		Preset:        rec.Preset,
		Path:          rec.Path,
		StartedAt:     rec.StartedAt.Format(time.RFC3339Nano),
		FrameCount:    rec.FrameCount,
		DroppedFrames: rec.DroppedFrames,
	}
	if !rec.EndedAt.IsZero() {
		out.EndedAt = rec.EndedAt.Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session catalogue not enabled")
		return
	}

	recs, err := s.store.ListSessions()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]sessionJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionToJSON(rec))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session catalogue not enabled")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "unknown session")
		return
	}

	rec, err := s.store.GetSession(id)
	if err != nil {
		if errors.Is(err, recorder.ErrSessionNotFound) {
			httputil.NotFound(w, "unknown session")
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}

	detail := sessionDetailJSON{sessionJSON: sessionToJSON(*rec)}

	stats, err := s.store.SensorStats(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	for _, st := range stats {
		detail.Sensors = append(detail.Sensors, sensorStatsJSON(st))
	}

	// The recorded header adds per-sensor identity and frame counts. A
	// session whose directory has been moved or pruned still resolves;
	// it just comes back without the header block.
	if s.outDir != "" && rec.Path != "" {
		if err := security.ValidatePathWithinDirectory(rec.Path, s.outDir); err == nil {
			if rd, err := recorder.NewReader(rec.Path); err == nil {
				h := rd.Header()
				detail.Header = &h
			}
		}
	}

	httputil.WriteJSONOK(w, detail)
}
