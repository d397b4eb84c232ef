package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the key has no catalog row.
var ErrNotFound = errors.New("image not found")

// Details holds capture metadata for an image.
type Details struct {
	CapturedDate string
	CapturedTime string
	FocalLength  string
	Tilt         string
}

// Location holds the nadir point recorded for an image.
type Location struct {
	Latitude  float64
	Longitude float64
	Elevation float64
}

// Camera holds camera body and lens information.
type Camera struct {
	Model string
	Lens  string
}

// Record is the aggregate written to and read from the catalog.
type Record struct {
	Key         string
	Mission     string
	Roll        string
	Frame       string
	StoragePath string
	CreatedAt   time.Time
	Details     Details
	Location    *Location
	Camera      *Camera
}

// Store provides access to the image catalog. A single writer is assumed;
// concurrent readers are fine under WAL.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the catalog database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertIfAbsent writes the record and its detail rows unless the key is
// already cataloged. It reports whether a new row was created.
func (s *Store) InsertIfAbsent(ctx context.Context, record *Record) (bool, error) {
	if record.Key == "" {
		return false, errors.New("record requires a key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO images (key, mission, roll, frame, storage_path, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(key) DO NOTHING`,
		record.Key, record.Mission, record.Roll, record.Frame,
		record.StoragePath, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("insert image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	var imageID int64
	row := tx.QueryRowContext(ctx, "SELECT id FROM images WHERE key = ?", record.Key)
	if err := row.Scan(&imageID); err != nil {
		return false, fmt.Errorf("scan image id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO image_details (image_id, captured_date, captured_time, focal_length, tilt)
         VALUES (?, ?, ?, ?, ?)`,
		imageID, record.Details.CapturedDate, record.Details.CapturedTime,
		record.Details.FocalLength, record.Details.Tilt); err != nil {
		return false, fmt.Errorf("insert details: %w", err)
	}

	if record.Location != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO map_locations (image_id, latitude, longitude, elevation)
             VALUES (?, ?, ?, ?)`,
			imageID, record.Location.Latitude, record.Location.Longitude,
			record.Location.Elevation); err != nil {
			return false, fmt.Errorf("insert location: %w", err)
		}
	}

	if record.Camera != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO camera_information (image_id, model, lens) VALUES (?, ?, ?)`,
			imageID, record.Camera.Model, record.Camera.Lens); err != nil {
			return false, fmt.Errorf("insert camera: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

// Delete removes the image row for key. Detail rows cascade. It reports
// whether a row was actually removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("delete image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ExistingKeys reports which of the given keys are already cataloged, in a
// single query.
func (s *Store) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := fmt.Sprintf("SELECT key FROM images WHERE key IN (%s)", makePlaceholders(len(keys)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		existing[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return existing, nil
}

// Count returns the number of cataloged images.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM images")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// Get returns the full aggregate for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var (
		imageID   int64
		record    Record
		createdAt string
	)
	row := s.db.QueryRowContext(ctx,
		"SELECT id, key, mission, roll, frame, storage_path, created_at FROM images WHERE key = ?", key)
	err := row.Scan(&imageID, &record.Key, &record.Mission, &record.Roll,
		&record.Frame, &record.StoragePath, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("scan image: %w", err)
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		record.CreatedAt = ts
	}

	row = s.db.QueryRowContext(ctx,
		"SELECT captured_date, captured_time, focal_length, tilt FROM image_details WHERE image_id = ?", imageID)
	err = row.Scan(&record.Details.CapturedDate, &record.Details.CapturedTime,
		&record.Details.FocalLength, &record.Details.Tilt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan details: %w", err)
	}

	var location Location
	row = s.db.QueryRowContext(ctx,
		"SELECT latitude, longitude, elevation FROM map_locations WHERE image_id = ?", imageID)
	err = row.Scan(&location.Latitude, &location.Longitude, &location.Elevation)
	switch {
	case err == nil:
		record.Location = &location
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("scan location: %w", err)
	}

	var camera Camera
	row = s.db.QueryRowContext(ctx,
		"SELECT model, lens FROM camera_information WHERE image_id = ?", imageID)
	err = row.Scan(&camera.Model, &camera.Lens)
	switch {
	case err == nil:
		record.Camera = &camera
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("scan camera: %w", err)
	}

	return &record, nil
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
