// Copyright 2026 GVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"gvfs/internal/objects"
)

// DefaultBusyTimeout is the SQLite busy_timeout in milliseconds.
const DefaultBusyTimeout = 30000

// DB is the sqlite-backed sidecar database holding blob sizes and the
// placeholder list.
type DB struct {
	sqlDB *sql.DB
	bun   *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout MUST be set first — journal_mode=WAL needs exclusive
	// access and will wait for locks instead of failing immediately.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	// WAL mode with NORMAL sync is safe against process crashes.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS blob_sizes (
	oid  TEXT PRIMARY KEY,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS placeholders (
	path TEXT PRIMARY KEY,
	oid  TEXT NOT NULL
);
`

// OpenDB opens (creating if needed) the sidecar database at path.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{
		sqlDB: sqlDB,
		bun:   bun.NewDB(sqlDB, sqlitedialect.New()),
	}, nil
}

// Close releases the database handle.
func (db *DB) Close() error { return db.sqlDB.Close() }

// --- Blob sizes ---

// SetBlobSize upserts one oid -> size mapping.
func (db *DB) SetBlobSize(ctx context.Context, oid objects.OID, size int64) error {
	_, err := db.bun.NewInsert().
		Model(&BlobSizeModel{OID: oid.String(), Size: size}).
		On("CONFLICT (oid) DO UPDATE").
		Set("size = EXCLUDED.size").
		Exec(ctx)
	return err
}

// SetBlobSizes upserts a batch of mappings in one transaction.
func (db *DB) SetBlobSizes(ctx context.Context, sizes map[objects.OID]int64) error {
	if len(sizes) == 0 {
		return nil
	}
	models := make([]BlobSizeModel, 0, len(sizes))
	for oid, size := range sizes {
		models = append(models, BlobSizeModel{OID: oid.String(), Size: size})
	}
	_, err := db.bun.NewInsert().
		Model(&models).
		On("CONFLICT (oid) DO UPDATE").
		Set("size = EXCLUDED.size").
		Exec(ctx)
	return err
}

// GetBlobSize returns the stored size for oid. The second result is false
// when the size has never been recorded.
func (db *DB) GetBlobSize(ctx context.Context, oid objects.OID) (int64, bool, error) {
	var model BlobSizeModel
	err := db.bun.NewSelect().
		Model(&model).
		Where("oid = ?", oid.String()).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return model.Size, true, nil
}

// --- Placeholders ---

// RecordPlaceholder upserts the placeholder written for path.
func (db *DB) RecordPlaceholder(ctx context.Context, path string, oid objects.OID) error {
	_, err := db.bun.NewInsert().
		Model(&PlaceholderModel{Path: path, OID: oid.String()}).
		On("CONFLICT (path) DO UPDATE").
		Set("oid = EXCLUDED.oid").
		Exec(ctx)
	return err
}

// RemovePlaceholder drops the record for a path that is no longer a
// placeholder (hydrated to full, modified, or deleted).
func (db *DB) RemovePlaceholder(ctx context.Context, path string) error {
	_, err := db.bun.NewDelete().
		Model((*PlaceholderModel)(nil)).
		Where("path = ?", path).
		Exec(ctx)
	return err
}

// PlaceholderCount returns the number of recorded placeholders.
func (db *DB) PlaceholderCount(ctx context.Context) (int, error) {
	return db.bun.NewSelect().Model((*PlaceholderModel)(nil)).Count(ctx)
}
