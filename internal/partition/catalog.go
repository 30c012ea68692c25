package partition

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/CellTimesCell/new-lms-system1/internal/errors"
)

// Catalog records built archives in catalog.db. The month is the idempotency
// key: registering a month twice keeps the first record.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex
}

const catalogSchema = `
	CREATE TABLE IF NOT EXISTS archives (
		month TEXT PRIMARY KEY,
		archive_id TEXT NOT NULL,
		object_path TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	) WITHOUT ROWID
`

// NewCatalog opens (or creates) the catalog at dbPath.
func NewCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to open catalog database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to create catalog schema", err)
	}

	return &Catalog{db: db}, nil
}

// Register records one archive. Idempotent on month.
func (c *Catalog) Register(ctx context.Context, info *ArchiveInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO archives (month, archive_id, object_path, event_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(month) DO NOTHING`,
		info.Month, info.ArchiveID, info.ObjectPath, info.EventCount, info.SizeBytes, info.CreatedAt.Unix())
	if err != nil {
		return apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to register archive", err)
	}
	return nil
}

// GetByMonth returns the archive record for a month, or nil when the month
// has not been archived.
func (c *Catalog) GetByMonth(ctx context.Context, month string) (*ArchiveInfo, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT month, archive_id, object_path, event_count, size_bytes, created_at
		FROM archives WHERE month = ?`, month)

	var info ArchiveInfo
	var createdAt int64
	err := row.Scan(&info.Month, &info.ArchiveID, &info.ObjectPath, &info.EventCount, &info.SizeBytes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeDownloadFailed, "failed to read archive record", err)
	}
	info.CreatedAt = time.Unix(createdAt, 0)
	return &info, nil
}

// List returns every archive record, newest month first.
func (c *Catalog) List(ctx context.Context) ([]*ArchiveInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT month, archive_id, object_path, event_count, size_bytes, created_at
		FROM archives ORDER BY month DESC`)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeDownloadFailed, "failed to list archives", err)
	}
	defer rows.Close()

	var out []*ArchiveInfo
	for rows.Next() {
		var info ArchiveInfo
		var createdAt int64
		if err := rows.Scan(&info.Month, &info.ArchiveID, &info.ObjectPath, &info.EventCount, &info.SizeBytes, &createdAt); err != nil {
			return nil, apperrors.NewStorageError(apperrors.CodeDownloadFailed, "failed to scan archive record", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &info)
	}
	return out, rows.Err()
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
