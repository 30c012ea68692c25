package rollup

import (
	"context"
	"sort"
	"sync"
)

// Store persists rollup rows and the engine's consumed log offset.
// Merge must be atomic per contribution: concurrent merges against the same
// key never lose updates.
type Store interface {
	// Merge applies contributions, read-modify-write per key.
	Merge(ctx context.Context, contribs []Contribution) error

	// Get returns the stored value for one key. The second return is false
	// when the key has never received a contribution.
	Get(ctx context.Context, rollup string, key Key) (Value, bool, error)

	// Range returns rows for one entity across [fromDay, toDay], inclusive,
	// in day order. SecondaryID is matched exactly; pass 0 for rollups that
	// do not use it.
	Range(ctx context.Context, rollup string, entityID, secondaryID int64, fromDay, toDay string) ([]Row, error)

	// CommittedOffset returns the next log offset the engine should consume.
	CommittedOffset(ctx context.Context) (uint64, error)

	// CommitOffset records the next offset to consume. Offsets only move
	// forward; a lower value is ignored.
	CommitOffset(ctx context.Context, offset uint64) error

	Close() error
}

// MemoryStore is an in-memory Store for tests and the local agent.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]map[Key]Value
	offset uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	rows := make(map[string]map[Key]Value, len(Names))
	for _, name := range Names {
		rows[name] = make(map[Key]Value)
	}
	return &MemoryStore{rows: rows}
}

func (m *MemoryStore) Merge(ctx context.Context, contribs []Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range contribs {
		table, ok := m.rows[c.Rollup]
		if !ok {
			table = make(map[Key]Value)
			m.rows[c.Rollup] = table
		}
		table[c.Key] = table[c.Key].Merge(c.Value)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, rollup string, key Key) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.rows[rollup][key]
	return v, ok, nil
}

func (m *MemoryStore) Range(ctx context.Context, rollup string, entityID, secondaryID int64, fromDay, toDay string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Row
	for k, v := range m.rows[rollup] {
		if k.EntityID != entityID || k.SecondaryID != secondaryID {
			continue
		}
		if k.Day < fromDay || k.Day > toDay {
			continue
		}
		out = append(out, Row{Key: k, Value: v})
	}
	sortRows(out)
	return out, nil
}

func (m *MemoryStore) CommittedOffset(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offset, nil
}

func (m *MemoryStore) CommitOffset(ctx context.Context, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > m.offset {
		m.offset = offset
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// sortRows orders rows by day ascending.
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.Day < rows[j].Key.Day })
}
