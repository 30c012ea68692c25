// Package partition archives closed month partitions of the event log into
// standalone SQLite files for cold storage. Archival is a read-path
// optimization; rollup correctness never depends on it.
package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/CellTimesCell/new-lms-system1/internal/errors"
	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/internal/storage"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// ArchiveInfo describes one built archive.
type ArchiveInfo struct {
	ArchiveID  string
	Month      string
	ObjectPath string
	LocalPath  string
	EventCount int64
	SizeBytes  int64
	CreatedAt  time.Time
}

// Archiver builds month archives from the event log and ships them to
// object storage, recording each in the catalog.
type Archiver struct {
	log      *eventlog.Log
	store    storage.ObjectStorage
	catalog  *Catalog
	buildDir string
}

// NewArchiver creates an archiver that stages archive files in buildDir.
func NewArchiver(l *eventlog.Log, store storage.ObjectStorage, catalog *Catalog, buildDir string) *Archiver {
	return &Archiver{
		log:      l,
		store:    store,
		catalog:  catalog,
		buildDir: buildDir,
	}
}

// ArchiveMonth builds, uploads, and registers the archive for one month
// partition ("YYYYMM"). Re-archiving an already archived month is a no-op
// returning the existing record. Archive only months that are closed; events
// can still arrive for the current month.
func (a *Archiver) ArchiveMonth(ctx context.Context, month string) (*ArchiveInfo, error) {
	if existing, err := a.catalog.GetByMonth(ctx, month); err != nil {
		return nil, err
	} else if existing != nil {
		log.Printf("[partition] month %s already archived as %s", month, existing.ArchiveID)
		return existing, nil
	}

	events, err := a.collectMonth(month)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.NewStorageError(apperrors.CodeObjectNotFound,
			fmt.Sprintf("no events for month %s", month), nil)
	}

	info, err := a.build(ctx, month, events)
	if err != nil {
		return nil, err
	}
	defer os.Remove(info.LocalPath)

	if err := a.store.Upload(ctx, info.LocalPath, info.ObjectPath); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload archive for month %s", month), err)
	}

	if err := a.catalog.Register(ctx, info); err != nil {
		return nil, err
	}

	log.Printf("[partition] archived month %s: %d events, %d bytes", month, info.EventCount, info.SizeBytes)
	return info, nil
}

// collectMonth reads the whole log and filters events for one month.
func (a *Archiver) collectMonth(month string) ([]types.ActivityEvent, error) {
	entries, err := a.log.ReadFrom(0)
	if err != nil {
		return nil, err
	}

	var events []types.ActivityEvent
	for _, entry := range entries {
		if entry.Partition != month {
			continue
		}
		events = append(events, entry.Events...)
	}

	// Archives are ordered for per-student scans
	sort.Slice(events, func(i, j int) bool {
		if events[i].ActorID != events[j].ActorID {
			return events[i].ActorID < events[j].ActorID
		}
		return events[i].Timestamp < events[j].Timestamp
	})
	return events, nil
}

// build writes the archive SQLite file for one month.
func (a *Archiver) build(ctx context.Context, month string, events []types.ActivityEvent) (*ArchiveInfo, error) {
	if err := os.MkdirAll(a.buildDir, 0755); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to create build directory", err)
	}

	archiveID := fmt.Sprintf("events:%s:%s", month, uuid.New().String()[:8])
	localPath := filepath.Clean(filepath.Join(a.buildDir, fmt.Sprintf("%s.sqlite", archiveID)))

	db, err := sql.Open("sqlite3", localPath)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to create archive database", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to set journal mode", err)
	}

	createSQL := `
		CREATE TABLE events (
			event_id TEXT PRIMARY KEY,
			actor_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			timestamp INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			metadata BLOB
		) WITHOUT ROWID
	`
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to create events table", err)
	}

	indexes := []string{
		"CREATE INDEX idx_events_actor_time ON events(actor_id, timestamp)",
		"CREATE INDEX idx_events_resource ON events(resource_type, resource_id)",
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to create index", err)
		}
	}

	stmt, err := db.PrepareContext(ctx, `
		INSERT INTO events (event_id, actor_id, event_type, resource_type, resource_id, timestamp, duration_seconds, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var metadata []byte
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to marshal metadata", err)
			}
			metadata = snappy.Encode(nil, raw)
		}

		if _, err := stmt.ExecContext(ctx, ev.EventID, ev.ActorID, ev.EventType,
			ev.ResourceType, ev.ResourceID, ev.Timestamp, ev.DurationSeconds, metadata); err != nil {
			return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to insert event", err)
		}
	}

	// Checkpoint and switch to DELETE mode so the file is self-contained
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to checkpoint", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to finalize journal mode", err)
	}
	if err := db.Close(); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to close archive database", err)
	}

	stat, err := os.Stat(localPath)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed, "failed to stat archive file", err)
	}

	return &ArchiveInfo{
		ArchiveID:  archiveID,
		Month:      month,
		ObjectPath: fmt.Sprintf("archives/%s/%s.sqlite", month, archiveID),
		LocalPath:  localPath,
		EventCount: int64(len(events)),
		SizeBytes:  stat.Size(),
		CreatedAt:  time.Now(),
	}, nil
}
