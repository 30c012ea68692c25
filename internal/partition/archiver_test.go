package partition

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/internal/storage"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

func makeEvent(actorID int64, ts time.Time, metadata map[string]interface{}) types.ActivityEvent {
	return types.ActivityEvent{
		EventID:      uuid.New().String(),
		ActorID:      actorID,
		EventType:    types.EventPageView,
		ResourceType: types.ResourcePage,
		Timestamp:    ts.UnixMilli(),
		Metadata:     metadata,
	}
}

func newArchiver(t *testing.T) (*Archiver, *eventlog.Log, *storage.LocalStorage, *Catalog) {
	t.Helper()

	l, err := eventlog.Open(t.TempDir(), 64*1024*1024, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	return NewArchiver(l, store, catalog, t.TempDir()), l, store, catalog
}

func TestArchiver_ArchivesMonth(t *testing.T) {
	archiver, l, store, catalog := newArchiver(t)
	ctx := context.Background()

	march := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	april := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	_, err := l.Append([]types.ActivityEvent{
		makeEvent(2, march, map[string]interface{}{"path": "/course/42"}),
		makeEvent(1, march.Add(time.Hour), nil),
		makeEvent(1, april, nil),
	})
	require.NoError(t, err)

	info, err := archiver.ArchiveMonth(ctx, "202603")
	require.NoError(t, err)
	assert.Equal(t, "202603", info.Month)
	assert.Equal(t, int64(2), info.EventCount)
	assert.Greater(t, info.SizeBytes, int64(0))

	// Uploaded to object storage
	exists, err := store.Exists(ctx, info.ObjectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	// Registered in the catalog
	record, err := catalog.GetByMonth(ctx, "202603")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, info.ArchiveID, record.ArchiveID)
}

func TestArchiver_ArchiveFileContents(t *testing.T) {
	archiver, l, store, _ := newArchiver(t)
	ctx := context.Background()

	march := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err := l.Append([]types.ActivityEvent{
		makeEvent(2, march, map[string]interface{}{"path": "/a"}),
		makeEvent(1, march.Add(time.Minute), nil),
	})
	require.NoError(t, err)

	info, err := archiver.ArchiveMonth(ctx, "202603")
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "archive.sqlite")
	require.NoError(t, store.Download(ctx, info.ObjectPath, local))

	db, err := sql.Open("sqlite3", local)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query("SELECT actor_id, metadata FROM events ORDER BY actor_id, timestamp")
	require.NoError(t, err)
	defer rows.Close()

	var actorIDs []int64
	var blobs [][]byte
	for rows.Next() {
		var id int64
		var blob []byte
		require.NoError(t, rows.Scan(&id, &blob))
		actorIDs = append(actorIDs, id)
		blobs = append(blobs, blob)
	}
	require.NoError(t, rows.Err())

	// Ordered by (actor_id, timestamp)
	assert.Equal(t, []int64{1, 2}, actorIDs)

	// Metadata round-trips through snappy
	raw, err := snappy.Decode(nil, blobs[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/a"}`, string(raw))
	assert.Nil(t, blobs[0])
}

func TestArchiver_Idempotent(t *testing.T) {
	archiver, l, _, _ := newArchiver(t)
	ctx := context.Background()

	march := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err := l.Append([]types.ActivityEvent{makeEvent(1, march, nil)})
	require.NoError(t, err)

	first, err := archiver.ArchiveMonth(ctx, "202603")
	require.NoError(t, err)

	second, err := archiver.ArchiveMonth(ctx, "202603")
	require.NoError(t, err)
	assert.Equal(t, first.ArchiveID, second.ArchiveID)
}

func TestArchiver_EmptyMonthErrors(t *testing.T) {
	archiver, _, _, _ := newArchiver(t)

	_, err := archiver.ArchiveMonth(context.Background(), "202512")
	assert.Error(t, err)
}

func TestCatalog_List(t *testing.T) {
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer catalog.Close()
	ctx := context.Background()

	require.NoError(t, catalog.Register(ctx, &ArchiveInfo{
		ArchiveID: "a", Month: "202602", ObjectPath: "archives/202602/a.sqlite",
		EventCount: 1, SizeBytes: 100, CreatedAt: time.Now(),
	}))
	require.NoError(t, catalog.Register(ctx, &ArchiveInfo{
		ArchiveID: "b", Month: "202603", ObjectPath: "archives/202603/b.sqlite",
		EventCount: 2, SizeBytes: 200, CreatedAt: time.Now(),
	}))

	list, err := catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "202603", list[0].Month)
	assert.Equal(t, "202602", list[1].Month)
}
