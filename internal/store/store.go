// Package store persists session state in SQLite so a restarted server
// still knows which scans were loaded and which simulations ran.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ferrotwin/internal/logging"
)

// Store wraps the session database. Methods are safe for concurrent use;
// the database is limited to a single connection, so SQLite serializes
// access itself.
type Store struct {
	db     *sql.DB
	dbPath string
}

// ScanRecord is one persisted scan registration.
type ScanRecord struct {
	ScanID   string    `json:"scan_id"`
	Filepath string    `json:"filepath"`
	Format   string    `json:"format"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	Params   string    `json:"params"` // JSON blob of summary stats
	LoadedAt time.Time `json:"loaded_at"`
}

// SimRecord is one persisted simulation run.
type SimRecord struct {
	SimID       string     `json:"sim_id"`
	Status      string     `json:"status"`
	Params      string     `json:"params"`  // JSON request
	Summary     string     `json:"summary"` // JSON result digest
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Open initializes the session database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("opening session database at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			scan_id   TEXT PRIMARY KEY,
			filepath  TEXT NOT NULL,
			format    TEXT NOT NULL,
			rows      INTEGER NOT NULL,
			cols      INTEGER NOT NULL,
			params    TEXT DEFAULT '{}',
			loaded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS simulations (
			sim_id       TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			params       TEXT DEFAULT '{}',
			summary      TEXT DEFAULT '{}',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	if err := s.migrate(); err != nil {
		return err
	}
	logging.StoreDebug("schema ready")
	return nil
}

// Migration defines a column addition for databases created by older
// builds.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema migrations to apply. These handle cases
// where tables exist but are missing newer columns.
var pendingMigrations = []Migration{
	// Summary digest added after the first release kept only status.
	{"simulations", "summary", "TEXT DEFAULT '{}'"},
	// Scan stats were folded into a params blob.
	{"scans", "params", "TEXT DEFAULT '{}'"},
}

func (s *Store) migrate() error {
	for _, m := range pendingMigrations {
		if s.columnExists(m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("migrated: added %s.%s", m.Table, m.Column)
	}
	return nil
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// RecordScan upserts a scan registration. params may be any
// JSON-marshalable summary.
func (s *Store) RecordScan(rec ScanRecord, params any) error {
	blob := "{}"
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			blob = string(data)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO scans (scan_id, filepath, format, rows, cols, params)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id) DO UPDATE SET
			filepath = excluded.filepath,
			format = excluded.format,
			rows = excluded.rows,
			cols = excluded.cols,
			params = excluded.params`,
		rec.ScanID, rec.Filepath, rec.Format, rec.Rows, rec.Cols, blob)
	if err != nil {
		return fmt.Errorf("record scan %s: %w", rec.ScanID, err)
	}
	logging.StoreDebug("recorded scan %s", rec.ScanID)
	return nil
}

// ListScans returns persisted scans, newest first.
func (s *Store) ListScans() ([]ScanRecord, error) {
	rows, err := s.db.Query(`
		SELECT scan_id, filepath, format, rows, cols, params, loaded_at
		FROM scans ORDER BY loaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		if err := rows.Scan(&rec.ScanID, &rec.Filepath, &rec.Format, &rec.Rows, &rec.Cols, &rec.Params, &rec.LoadedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetScan returns one persisted scan.
func (s *Store) GetScan(id string) (*ScanRecord, error) {
	var rec ScanRecord
	err := s.db.QueryRow(`
		SELECT scan_id, filepath, format, rows, cols, params, loaded_at
		FROM scans WHERE scan_id = ?`, id).
		Scan(&rec.ScanID, &rec.Filepath, &rec.Format, &rec.Rows, &rec.Cols, &rec.Params, &rec.LoadedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan %q not in store", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %s: %w", id, err)
	}
	return &rec, nil
}

// RecordSimulation upserts a simulation run record.
func (s *Store) RecordSimulation(rec SimRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO simulations (sim_id, status, params, summary, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sim_id) DO UPDATE SET
			status = excluded.status,
			params = excluded.params,
			summary = excluded.summary,
			completed_at = excluded.completed_at`,
		rec.SimID, rec.Status, orEmpty(rec.Params), orEmpty(rec.Summary), rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("record simulation %s: %w", rec.SimID, err)
	}
	logging.StoreDebug("recorded simulation %s (%s)", rec.SimID, rec.Status)
	return nil
}

// ListSimulations returns persisted runs, newest first.
func (s *Store) ListSimulations() ([]SimRecord, error) {
	rows, err := s.db.Query(`
		SELECT sim_id, status, params, summary, created_at, completed_at
		FROM simulations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var out []SimRecord
	for rows.Next() {
		var rec SimRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.SimID, &rec.Status, &rec.Params, &rec.Summary, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func orEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
