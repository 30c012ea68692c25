package rollup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/CellTimesCell/new-lms-system1/internal/errors"
)

// SQLiteStore persists rollup rows in one SQLite file per month partition
// (rollups/YYYYMM.db), plus a meta.db for the consumed log offset. Month
// files keep the hot write set small and let old months be backed up or
// dropped wholesale.
type SQLiteStore struct {
	dir  string
	mu   sync.Mutex
	dbs  map[string]*sql.DB
	meta *sql.DB
}

const rollupSchema = `
	CREATE TABLE IF NOT EXISTS rollup_rows (
		rollup TEXT NOT NULL,
		day TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		secondary_id INTEGER NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		page_views INTEGER NOT NULL DEFAULT 0,
		resource_views INTEGER NOT NULL DEFAULT 0,
		submissions INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		submission_count INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		duration_samples INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		actors BLOB,
		PRIMARY KEY (rollup, day, entity_id, secondary_id)
	) WITHOUT ROWID
`

const rollupIndex = `
	CREATE INDEX IF NOT EXISTS idx_rollup_entity_day
	ON rollup_rows(rollup, entity_id, secondary_id, day)
`

const metaSchema = `
	CREATE TABLE IF NOT EXISTS consumer_offset (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_offset INTEGER NOT NULL
	)
`

// NewSQLiteStore opens (or creates) the store rooted at dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to create rollup directory", err)
	}

	meta, err := sql.Open("sqlite3", filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to open meta database", err)
	}
	if _, err := meta.Exec("PRAGMA journal_mode=WAL"); err != nil {
		meta.Close()
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to set meta journal mode", err)
	}
	if _, err := meta.Exec(metaSchema); err != nil {
		meta.Close()
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to create meta schema", err)
	}

	return &SQLiteStore{
		dir:  dir,
		dbs:  make(map[string]*sql.DB),
		meta: meta,
	}, nil
}

// monthOf maps a day bucket "YYYY-MM-DD" to its month partition "YYYYMM".
func monthOf(day string) string {
	if len(day) < 7 {
		return "000000"
	}
	return day[:4] + day[5:7]
}

// monthDB opens the database for one month partition, creating the schema on
// first use. Caller must hold s.mu.
func (s *SQLiteStore) monthDB(month string) (*sql.DB, error) {
	if db, ok := s.dbs[month]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s.db", month))
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to open month database", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to set journal mode", err)
	}
	if _, err := db.Exec(rollupSchema); err != nil {
		db.Close()
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to create rollup schema", err)
	}
	if _, err := db.Exec(rollupIndex); err != nil {
		db.Close()
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to create rollup index", err)
	}

	s.dbs[month] = db
	return db, nil
}

// Merge applies contributions grouped by month, each month in one
// transaction. Read-modify-write per key keeps the union of actor sets
// exact.
func (s *SQLiteStore) Merge(ctx context.Context, contribs []Contribution) error {
	if len(contribs) == 0 {
		return nil
	}

	byMonth := make(map[string][]Contribution)
	for _, c := range contribs {
		m := monthOf(c.Key.Day)
		byMonth[m] = append(byMonth[m], c)
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range months {
		if err := s.mergeMonth(ctx, m, byMonth[m]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) mergeMonth(ctx context.Context, month string, contribs []Contribution) error {
	db, err := s.monthDB(month)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, c := range contribs {
		current, found, err := readValueTx(ctx, tx, c.Rollup, c.Key)
		if err != nil {
			return err
		}
		merged := current.Merge(c.Value)
		if err := upsertValueTx(ctx, tx, c.Rollup, c.Key, merged, found); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to commit merge", err)
	}
	return nil
}

func readValueTx(ctx context.Context, tx *sql.Tx, rollup string, key Key) (Value, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT event_count, page_views, resource_views, submissions,
		       view_count, submission_count, duration_seconds,
		       duration_samples, score, actors
		FROM rollup_rows
		WHERE rollup = ? AND day = ? AND entity_id = ? AND secondary_id = ?`,
		rollup, key.Day, key.EntityID, key.SecondaryID)

	var v Value
	var actors []byte
	err := row.Scan(&v.EventCount, &v.PageViews, &v.ResourceViews, &v.Submissions,
		&v.ViewCount, &v.SubmissionCount, &v.DurationSeconds,
		&v.DurationSamples, &v.Score, &actors)
	if err == sql.ErrNoRows {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to read rollup row", err)
	}

	set, err := decodeActors(actors)
	if err != nil {
		return Value{}, false, err
	}
	v.Actors = set
	return v, true, nil
}

func upsertValueTx(ctx context.Context, tx *sql.Tx, rollup string, key Key, v Value, exists bool) error {
	actors, err := encodeActors(v.Actors)
	if err != nil {
		return err
	}

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE rollup_rows SET
				event_count = ?, page_views = ?, resource_views = ?,
				submissions = ?, view_count = ?, submission_count = ?,
				duration_seconds = ?, duration_samples = ?, score = ?, actors = ?
			WHERE rollup = ? AND day = ? AND entity_id = ? AND secondary_id = ?`,
			v.EventCount, v.PageViews, v.ResourceViews, v.Submissions,
			v.ViewCount, v.SubmissionCount, v.DurationSeconds,
			v.DurationSamples, v.Score, actors,
			rollup, key.Day, key.EntityID, key.SecondaryID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rollup_rows (
				rollup, day, entity_id, secondary_id,
				event_count, page_views, resource_views, submissions,
				view_count, submission_count, duration_seconds,
				duration_samples, score, actors
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rollup, key.Day, key.EntityID, key.SecondaryID,
			v.EventCount, v.PageViews, v.ResourceViews, v.Submissions,
			v.ViewCount, v.SubmissionCount, v.DurationSeconds,
			v.DurationSamples, v.Score, actors)
	}
	if err != nil {
		return apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to upsert rollup row", err)
	}
	return nil
}

// Get returns the stored value for one key.
func (s *SQLiteStore) Get(ctx context.Context, rollup string, key Key) (Value, bool, error) {
	s.mu.Lock()
	db, err := s.monthDB(monthOf(key.Day))
	s.mu.Unlock()
	if err != nil {
		return Value{}, false, err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Value{}, false, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to begin read transaction", err)
	}
	defer tx.Rollback()

	return readValueTx(ctx, tx, rollup, key)
}

// Range returns rows for one entity across [fromDay, toDay], spanning month
// files as needed.
func (s *SQLiteStore) Range(ctx context.Context, rollup string, entityID, secondaryID int64, fromDay, toDay string) ([]Row, error) {
	months := monthsBetween(monthOf(fromDay), monthOf(toDay))

	var out []Row
	for _, m := range months {
		if !s.monthExists(m) {
			continue
		}
		s.mu.Lock()
		db, err := s.monthDB(m)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		rows, err := db.QueryContext(ctx, `
			SELECT day, event_count, page_views, resource_views, submissions,
			       view_count, submission_count, duration_seconds,
			       duration_samples, score, actors
			FROM rollup_rows
			WHERE rollup = ? AND entity_id = ? AND secondary_id = ?
			  AND day >= ? AND day <= ?
			ORDER BY day`,
			rollup, entityID, secondaryID, fromDay, toDay)
		if err != nil {
			return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to range rollup rows", err)
		}

		for rows.Next() {
			var v Value
			var day string
			var actors []byte
			if err := rows.Scan(&day, &v.EventCount, &v.PageViews, &v.ResourceViews,
				&v.Submissions, &v.ViewCount, &v.SubmissionCount,
				&v.DurationSeconds, &v.DurationSamples, &v.Score, &actors); err != nil {
				rows.Close()
				return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to scan rollup row", err)
			}
			set, err := decodeActors(actors)
			if err != nil {
				rows.Close()
				return nil, err
			}
			v.Actors = set
			out = append(out, Row{
				Key:   Key{Day: day, EntityID: entityID, SecondaryID: secondaryID},
				Value: v,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to iterate rollup rows", err)
		}
		rows.Close()
	}

	return out, nil
}

// monthExists reports whether a month file is already open or on disk.
func (s *SQLiteStore) monthExists(month string) bool {
	s.mu.Lock()
	_, open := s.dbs[month]
	s.mu.Unlock()
	if open {
		return true
	}
	_, err := os.Stat(filepath.Join(s.dir, fmt.Sprintf("%s.db", month)))
	return err == nil
}

// monthsBetween returns the months from a to b inclusive, "YYYYMM" form.
func monthsBetween(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	var out []string
	year, month := 0, 0
	fmt.Sscanf(a, "%4d%2d", &year, &month)
	for {
		cur := fmt.Sprintf("%04d%02d", year, month)
		if cur > b {
			break
		}
		out = append(out, cur)
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return out
}

// CommittedOffset returns the next log offset to consume, 0 for a fresh store.
func (s *SQLiteStore) CommittedOffset(ctx context.Context) (uint64, error) {
	var offset uint64
	err := s.meta.QueryRowContext(ctx, "SELECT next_offset FROM consumer_offset WHERE id = 1").Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewRollupError(apperrors.CodeOffsetCommitFailed, "failed to read committed offset", err)
	}
	return offset, nil
}

// CommitOffset records the next offset to consume. Never moves backward.
func (s *SQLiteStore) CommitOffset(ctx context.Context, offset uint64) error {
	_, err := s.meta.ExecContext(ctx, `
		INSERT INTO consumer_offset (id, next_offset) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET next_offset = MAX(next_offset, excluded.next_offset)`,
		offset)
	if err != nil {
		return apperrors.NewRollupError(apperrors.CodeOffsetCommitFailed, "failed to commit offset", err)
	}
	return nil
}

// Close closes every open database file.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dbs = make(map[string]*sql.DB)
	if err := s.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// encodeActors serializes an actor set as snappy-compressed JSON. Empty sets
// store NULL.
func encodeActors(set ActorSet) ([]byte, error) {
	if len(set) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal([]int64(set))
	if err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to marshal actor set", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodeActors reverses encodeActors.
func decodeActors(blob []byte) (ActorSet, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to decompress actor set", err)
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, apperrors.NewRollupError(apperrors.CodeMergeFailed, "failed to unmarshal actor set", err)
	}
	return ActorSet(ids), nil
}
