// Package observability tracks ingestion statistics for capacity planning
// and the /v1/stats endpoint.
package observability

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// IngestStats tracks batch sizes and append latencies with HDR histograms.
// All methods are thread-safe.
type IngestStats struct {
	mu            sync.Mutex
	startedAt     time.Time
	batchSizes    *hdrhistogram.Histogram
	appendLatency *hdrhistogram.Histogram

	batchesAccepted uint64
	batchesRejected uint64
	eventsAccepted  uint64
	duplicates      uint64
}

// NewIngestStats creates an empty stats tracker. Latencies are recorded in
// microseconds up to 60s; batch sizes up to 100k events.
func NewIngestStats() *IngestStats {
	return &IngestStats{
		startedAt:     time.Now(),
		batchSizes:    hdrhistogram.New(1, 100000, 3),
		appendLatency: hdrhistogram.New(1, 60_000_000, 3),
	}
}

// RecordBatch records one accepted batch: its size, how many of its events
// were duplicates, and how long the append took.
func (s *IngestStats) RecordBatch(size, duplicates int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batchesAccepted++
	s.eventsAccepted += uint64(size - duplicates)
	s.duplicates += uint64(duplicates)
	_ = s.batchSizes.RecordValue(int64(size))
	_ = s.appendLatency.RecordValue(latency.Microseconds())
}

// RecordRejection records one rejected batch.
func (s *IngestStats) RecordRejection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchesRejected++
}

// Snapshot is a point-in-time view of ingestion statistics.
type Snapshot struct {
	UptimeSeconds    int64   `json:"uptime_seconds"`
	BatchesAccepted  uint64  `json:"batches_accepted"`
	BatchesRejected  uint64  `json:"batches_rejected"`
	EventsAccepted   uint64  `json:"events_accepted"`
	Duplicates       uint64  `json:"duplicates"`
	BatchSizeP50     int64   `json:"batch_size_p50"`
	BatchSizeP95     int64   `json:"batch_size_p95"`
	BatchSizeMax     int64   `json:"batch_size_max"`
	AppendP50Micros  int64   `json:"append_p50_micros"`
	AppendP95Micros  int64   `json:"append_p95_micros"`
	AppendP99Micros  int64   `json:"append_p99_micros"`
	AppendMeanMicros float64 `json:"append_mean_micros"`
}

// Snapshot returns the current statistics.
func (s *IngestStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		BatchesAccepted:  s.batchesAccepted,
		BatchesRejected:  s.batchesRejected,
		EventsAccepted:   s.eventsAccepted,
		Duplicates:       s.duplicates,
		BatchSizeP50:     s.batchSizes.ValueAtQuantile(50),
		BatchSizeP95:     s.batchSizes.ValueAtQuantile(95),
		BatchSizeMax:     s.batchSizes.Max(),
		AppendP50Micros:  s.appendLatency.ValueAtQuantile(50),
		AppendP95Micros:  s.appendLatency.ValueAtQuantile(95),
		AppendP99Micros:  s.appendLatency.ValueAtQuantile(99),
		AppendMeanMicros: s.appendLatency.Mean(),
	}
}
