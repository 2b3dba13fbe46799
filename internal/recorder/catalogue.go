package recorder

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSessionNotFound is returned when a session ID is not in the catalogue.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one catalogued capture session.
type SessionRecord struct {
	ID            string
	Name          string
	Preset        string
	Path          string
	StartedAt     time.Time
	EndedAt       time.Time // zero while the session is still running
	FrameCount    uint64
	DroppedFrames uint64
}

// SensorStats summarises one sensor's contribution to a session.
type SensorStats struct {
	SensorID     string
	Kind         string
	PresentCount uint64
	StaleCount   uint64
	AbsentCount  uint64
}

// Catalogue tracks recorded sessions in a SQLite database. The schema
// is managed by embedded migrations, applied on open.
type Catalogue struct {
	db *sql.DB
}

// OpenCatalogue opens (or creates) the catalogue database and brings
// its schema up to date.
func OpenCatalogue(path string) (*Catalogue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue %s: %w", path, err)
	}
	// SQLite with a single writer; avoid lock contention from pooling.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalogue{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// BeginSession registers a new session and returns its catalogue ID.
func (c *Catalogue) BeginSession(name, preset, path string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := c.db.Exec(
		`INSERT INTO sessions (id, name, preset, path, started_ns) VALUES (?, ?, ?, ?, ?)`,
		id, name, preset, path, startedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("record session %s: %w", name, err)
	}
	return id, nil
}

// FinishSession records the final counters for a completed session.
func (c *Catalogue) FinishSession(id string, endedAt time.Time, frameCount, droppedFrames uint64, sensors []SensorStats) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE sessions SET ended_ns = ?, frame_count = ?, dropped_frames = ? WHERE id = ?`,
		endedAt.UnixNano(), frameCount, droppedFrames, id,
	)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish session %s: %w", id, ErrSessionNotFound)
	}

	for _, s := range sensors {
		_, err := tx.Exec(
			`INSERT INTO session_sensors (session_id, sensor_id, kind, present_count, stale_count, absent_count)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, s.SensorID, s.Kind, s.PresentCount, s.StaleCount, s.AbsentCount,
		)
		if err != nil {
			return fmt.Errorf("record sensor stats for %s/%s: %w", id, s.SensorID, err)
		}
	}
	return tx.Commit()
}

// GetSession looks a session up by catalogue ID.
func (c *Catalogue) GetSession(id string) (*SessionRecord, error) {
	row := c.db.QueryRow(
		`SELECT id, name, preset, path, started_ns, ended_ns, frame_count, dropped_frames
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns all catalogued sessions, most recent first.
func (c *Catalogue) ListSessions() ([]SessionRecord, error) {
	rows, err := c.db.Query(
		`SELECT id, name, preset, path, started_ns, ended_ns, frame_count, dropped_frames
		 FROM sessions ORDER BY started_ns DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SensorStats returns the per-sensor counters of a finished session.
func (c *Catalogue) SensorStats(sessionID string) ([]SensorStats, error) {
	rows, err := c.db.Query(
		`SELECT sensor_id, kind, present_count, stale_count, absent_count
		 FROM session_sensors WHERE session_id = ? ORDER BY sensor_id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SensorStats
	for rows.Next() {
		var s SensorStats
		if err := rows.Scan(&s.SensorID, &s.Kind, &s.PresentCount, &s.StaleCount, &s.AbsentCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (c *Catalogue) Close() error { return c.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var startedNs int64
	var endedNs sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Preset, &rec.Path, &startedNs, &endedNs, &rec.FrameCount, &rec.DroppedFrames); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	rec.StartedAt = time.Unix(0, startedNs)
	if endedNs.Valid {
		rec.EndedAt = time.Unix(0, endedNs.Int64)
	}
	return &rec, nil
}
