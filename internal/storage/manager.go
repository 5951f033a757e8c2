// Package storage persists the workflow's local state: the per-application
// artifact cache and per-run pipeline state, both in a sqlite database, plus
// the artifact files themselves. Deleting the data directory forces a full
// recompute but is never required for correctness.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Manager handles local state persistence
type Manager struct {
	db           *sql.DB
	dataDir      string
	artifactsDir string
	logger       *logrus.Logger
	mu           sync.Mutex
}

// NewManager creates a new storage manager rooted at dataDir
func NewManager(dataDir string, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	artifactsDir := filepath.Join(dataDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "jaap.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Manager{
		db:           db,
		dataDir:      dataDir,
		artifactsDir: artifactsDir,
		logger:       logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	return m.db.Close()
}

// ArtifactPath returns where an application's artifact file belongs
func (m *Manager) ArtifactPath(appID, fileName string) string {
	return filepath.Join(m.artifactsDir, appID, fileName)
}

// PackagePath returns where an application's normalized package belongs
func (m *Manager) PackagePath(appID, fileName string) string {
	return filepath.Join(m.dataDir, "packages", appID, fileName)
}

// initializeDatabase initializes the database schema
func initializeDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			app_id TEXT PRIMARY KEY,
			etag TEXT NOT NULL,
			last_modified TEXT NOT NULL,
			source_url TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			location TEXT NOT NULL,
			retrieved_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS run_states (
			run_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			artifact_path TEXT NOT NULL,
			normalized_path TEXT NOT NULL,
			version TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			cache_hit INTEGER NOT NULL,
			PRIMARY KEY (run_id, app_id)
		)
	`)
	return err
}

// CacheLookup returns the cache entry for an application.
// The second return value reports whether an entry exists. A present entry
// does not imply the content is still current remotely; that is decided by
// the downloader's conditional request.
func (m *Manager) CacheLookup(appID string) (*CacheEntry, bool, error) {
	row := m.db.QueryRow(`
		SELECT app_id, etag, last_modified, source_url, fingerprint, location, retrieved_at
		FROM cache_entries WHERE app_id = ?`, appID)

	var entry CacheEntry
	var retrievedAt int64
	err := row.Scan(&entry.AppID, &entry.ETag, &entry.LastModified, &entry.SourceURL,
		&entry.Fingerprint, &entry.Location, &retrievedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.RetrievedAt = time.Unix(retrievedAt, 0)
	return &entry, true, nil
}

// CacheCommit stores or overwrites the cache entry for an application.
// This is the only cache mutator; each application owns its own row so
// concurrent pipelines for different applications never contend.
func (m *Manager) CacheCommit(entry *CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(`
		INSERT INTO cache_entries (app_id, etag, last_modified, source_url, fingerprint, location, retrieved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			source_url = excluded.source_url,
			fingerprint = excluded.fingerprint,
			location = excluded.location,
			retrieved_at = excluded.retrieved_at`,
		entry.AppID, entry.ETag, entry.LastModified, entry.SourceURL,
		entry.Fingerprint, entry.Location, entry.RetrievedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"app":         entry.AppID,
		"fingerprint": entry.Fingerprint,
	}).Debug("Committed cache entry")

	return nil
}

// CacheClear removes the cache entry for an application, forcing the next
// run to re-download
func (m *Manager) CacheClear(appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(`DELETE FROM cache_entries WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to clear cache entry: %w", err)
	}
	return nil
}

// SaveRunState stores or overwrites an application's state within a run
func (m *Manager) SaveRunState(state *RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finishedAt int64
	if !state.FinishedAt.IsZero() {
		finishedAt = state.FinishedAt.Unix()
	}

	cacheHit := 0
	if state.CacheHit {
		cacheHit = 1
	}

	_, err := m.db.Exec(`
		INSERT INTO run_states (run_id, app_id, phase, attempts, last_error, started_at,
			finished_at, artifact_path, normalized_path, version, fingerprint, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, app_id) DO UPDATE SET
			phase = excluded.phase,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			finished_at = excluded.finished_at,
			artifact_path = excluded.artifact_path,
			normalized_path = excluded.normalized_path,
			version = excluded.version,
			fingerprint = excluded.fingerprint,
			cache_hit = excluded.cache_hit`,
		state.RunID, state.AppID, string(state.Phase), state.Attempts, state.LastError,
		state.StartedAt.Unix(), finishedAt, state.ArtifactPath, state.NormalizedPath,
		state.Version, state.Fingerprint, cacheHit)
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// GetRunState returns one application's state within a run.
// The second return value reports whether the state exists.
func (m *Manager) GetRunState(runID, appID string) (*RunState, bool, error) {
	row := m.db.QueryRow(`
		SELECT run_id, app_id, phase, attempts, last_error, started_at, finished_at,
			artifact_path, normalized_path, version, fingerprint, cache_hit
		FROM run_states WHERE run_id = ? AND app_id = ?`, runID, appID)

	state, err := scanRunState(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read run state: %w", err)
	}
	return state, true, nil
}

// LatestRunState returns an application's most recent run state across runs.
// The second return value reports whether any state exists.
func (m *Manager) LatestRunState(appID string) (*RunState, bool, error) {
	row := m.db.QueryRow(`
		SELECT run_id, app_id, phase, attempts, last_error, started_at, finished_at,
			artifact_path, normalized_path, version, fingerprint, cache_hit
		FROM run_states WHERE app_id = ?
		ORDER BY started_at DESC LIMIT 1`, appID)

	state, err := scanRunState(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read run state: %w", err)
	}
	return state, true, nil
}

// ListRunStates returns all application states recorded for a run
func (m *Manager) ListRunStates(runID string) ([]RunState, error) {
	rows, err := m.db.Query(`
		SELECT run_id, app_id, phase, attempts, last_error, started_at, finished_at,
			artifact_path, normalized_path, version, fingerprint, cache_hit
		FROM run_states WHERE run_id = ? ORDER BY app_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run states: %w", err)
	}
	defer rows.Close()

	var states []RunState
	for rows.Next() {
		state, err := scanRunState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run state: %w", err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// ClearRunStates removes all persisted run state for an application
func (m *Manager) ClearRunStates(appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(`DELETE FROM run_states WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to clear run states: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRunState(row scanner) (*RunState, error) {
	var state RunState
	var phase string
	var startedAt, finishedAt int64
	var cacheHit int

	err := row.Scan(&state.RunID, &state.AppID, &phase, &state.Attempts, &state.LastError,
		&startedAt, &finishedAt, &state.ArtifactPath, &state.NormalizedPath,
		&state.Version, &state.Fingerprint, &cacheHit)
	if err != nil {
		return nil, err
	}

	state.Phase = RunPhase(phase)
	state.StartedAt = time.Unix(startedAt, 0)
	if finishedAt > 0 {
		state.FinishedAt = time.Unix(finishedAt, 0)
	}
	state.CacheHit = cacheHit == 1
	return &state, nil
}
