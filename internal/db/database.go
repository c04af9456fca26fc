package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db  *sql.DB
	now func() time.Time
}

// Snapshot is a named copy of a room's code saved on request.
type Snapshot struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Code        string    `json:"code,omitempty"`
	Language    string    `json:"language"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type CompileRun struct {
	ID        int       `json:"id"`
	RoomID    string    `json:"room_id"`
	Language  string    `json:"language"`
	Status    string    `json:"status"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

type Stats struct {
	SnapshotCount   int `json:"snapshot_count"`
	CompileRunCount int `json:"compile_run_count"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets the janitor prune while handlers write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Database{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		language TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_room_id ON snapshots(room_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS compile_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compile_runs_room_id ON compile_runs(room_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_compile_runs_created_at ON compile_runs(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping() error {
	return d.db.Ping()
}

func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

func toTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

// Snapshot operations

func (d *Database) CreateSnapshot(roomID, name, code, language, createdBy string) (*Snapshot, error) {
	result, err := d.db.Exec(`
		INSERT INTO snapshots (room_id, name, code, language, content_hash, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, roomID, name, code, language, HashContent(code), createdBy, d.now().UnixNano())
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetSnapshot(int(id))
}

// GetSnapshot returns nil without error when the snapshot does not exist.
func (d *Database) GetSnapshot(id int) (*Snapshot, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, name, code, language, content_hash, created_by, created_at
		FROM snapshots WHERE id = ?
	`, id)

	var s Snapshot
	var created int64
	err := row.Scan(&s.ID, &s.RoomID, &s.Name, &s.Code, &s.Language, &s.ContentHash, &s.CreatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = toTime(created)
	return &s, nil
}

// ListSnapshots returns a room's snapshots newest first, without their code.
func (d *Database) ListSnapshots(roomID string, limit, offset int) ([]Snapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, name, language, content_hash, created_by, created_at
		FROM snapshots
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []Snapshot{}
	for rows.Next() {
		var s Snapshot
		var created int64
		if err := rows.Scan(&s.ID, &s.RoomID, &s.Name, &s.Language, &s.ContentHash, &s.CreatedBy, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = toTime(created)
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (d *Database) GetSnapshotCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM snapshots WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// DeleteSnapshot reports whether a row was removed.
func (d *Database) DeleteSnapshot(id int) (bool, error) {
	result, err := d.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SnapshotRooms lists every room that has at least one snapshot.
func (d *Database) SnapshotRooms() ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT room_id FROM snapshots ORDER BY room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, id)
	}
	return rooms, rows.Err()
}

// PruneSnapshots keeps the newest keepCount snapshots of a room and deletes the rest.
func (d *Database) PruneSnapshots(roomID string, keepCount int) (int64, error) {
	result, err := d.db.Exec(`
		DELETE FROM snapshots
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM snapshots
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Compile history

func (d *Database) RecordCompile(roomID, language, status, output string) error {
	_, err := d.db.Exec(`
		INSERT INTO compile_runs (room_id, language, status, output, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, roomID, language, status, output, d.now().UnixNano())
	return err
}

func (d *Database) ListCompileRuns(roomID string, limit int) ([]CompileRun, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, language, status, output, created_at
		FROM compile_runs
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []CompileRun{}
	for rows.Next() {
		var r CompileRun
		var created int64
		if err := rows.Scan(&r.ID, &r.RoomID, &r.Language, &r.Status, &r.Output, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = toTime(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *Database) DeleteCompileRunsBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM compile_runs WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	if err := d.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&s.SnapshotCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRow("SELECT COUNT(*) FROM compile_runs").Scan(&s.CompileRunCount); err != nil {
		return Stats{}, err
	}
	return s, nil
}
