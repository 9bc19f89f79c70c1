package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// NewSQLiteDB opens the sample database, creating the file and schema if
// needed.
func NewSQLiteDB(path string, logger *zap.Logger) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between the flush worker and readers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Sample database ready", zap.String("path", path))
	return db, nil
}

// migrate creates tables
func migrate(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		features TEXT NOT NULL,
		predicted_label INTEGER NOT NULL,
		confidence REAL NOT NULL,
		label_source INTEGER NOT NULL,
		observed_at INTEGER NOT NULL,
		received_at DATETIME NOT NULL,
		true_label INTEGER,
		used_for_training INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_samples_device
		ON samples (device_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_samples_unlabeled
		ON samples (true_label) WHERE true_label IS NULL;

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		total_samples INTEGER DEFAULT 0,
		labeled_samples INTEGER DEFAULT 0,
		last_seen DATETIME,
		model_version TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}
