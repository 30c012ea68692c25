package eventlog

import (
	"sync"

	"github.com/CellTimesCell/new-lms-system1/internal/bloom"
)

// DedupIndex tracks every event_id ever appended to the log, so re-delivered
// batches never double-count in any rollup. A bloom filter answers the common
// "definitely new" case without touching the exact set; the exact set settles
// bloom false positives.
type DedupIndex struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	seen   map[string]struct{}
}

// NewDedupIndex creates a dedup index sized for the expected event volume.
func NewDedupIndex(expectedEvents int) *DedupIndex {
	if expectedEvents <= 0 {
		expectedEvents = 100000
	}
	return &DedupIndex{
		filter: bloom.NewWithEstimates(expectedEvents, 0.01),
		seen:   make(map[string]struct{}),
	}
}

// Seen reports whether the event_id was already appended.
func (d *DedupIndex) Seen(eventID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.filter.Contains([]byte(eventID)) {
		return false
	}
	_, ok := d.seen[eventID]
	return ok
}

// Add marks the event_id as appended. Returns false if it was already known.
func (d *DedupIndex) Add(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filter.Contains([]byte(eventID)) {
		if _, ok := d.seen[eventID]; ok {
			return false
		}
	}
	d.filter.Add([]byte(eventID))
	d.seen[eventID] = struct{}{}
	return true
}

// Len returns the number of distinct event_ids tracked.
func (d *DedupIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen)
}
