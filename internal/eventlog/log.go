// Package eventlog provides an append-only segmented log of activity events,
// the durable source of truth that all rollups are derived from.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/CellTimesCell/new-lms-system1/internal/bus"
	apperrors "github.com/CellTimesCell/new-lms-system1/internal/errors"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// Entry is one appended record: a batch of events for a single month
// partition, stamped with a monotonically increasing log offset.
type Entry struct {
	Offset    uint64                `json:"offset"`
	Partition string                `json:"partition"`
	Events    []types.ActivityEvent `json:"events"`
	Timestamp int64                 `json:"timestamp"`
}

// Log is the append-only event log. Entries are framed as
// [length:4][crc32:4][json payload] in segment files that rotate at
// maxSegSize. Every append is fsynced before it is acknowledged.
type Log struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	woffset    int64
	maxSegSize int64
	nextOffset uint64
	dedup      *DedupIndex
	notifier   *bus.Notifier
	mu         sync.Mutex
}

// Open opens the log in dir, creating it if needed. Existing segments are
// scanned to recover the next offset and rebuild the dedup index.
func Open(dir string, maxSegSize int64, expectedEvents int) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to create log directory", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 64 * 1024 * 1024
	}

	l := &Log{
		dir:        dir,
		maxSegSize: maxSegSize,
		dedup:      NewDedupIndex(expectedEvents),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}

	return l, nil
}

// SetNotifier attaches a notifier that is published to after each append.
func (l *Log) SetNotifier(n *bus.Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = n
}

// recover scans all segments in order, rebuilding the dedup index and
// finding the highest offset and segment ID.
func (l *Log) recover() error {
	ids, err := l.segmentIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	l.segmentID = ids[len(ids)-1]

	for _, id := range ids {
		entries, err := readSegment(l.segmentPath(id))
		if err != nil {
			return apperrors.NewEventLogError(apperrors.CodeSegmentCorrupted,
				fmt.Sprintf("failed to recover segment %016x", id), err)
		}
		for _, e := range entries {
			if e.Offset >= l.nextOffset {
				l.nextOffset = e.Offset + 1
			}
			for _, ev := range e.Events {
				l.dedup.Add(ev.EventID)
			}
		}
	}

	return nil
}

// segmentIDs returns the IDs of all segment files in ascending order.
func (l *Log) segmentIDs() ([]uint64, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to read log directory", err)
	}

	var ids []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) < 24 || name[:4] != "log_" {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("log_%016x.log", id))
}

// openSegment opens the current segment file for appending.
func (l *Log) openSegment() error {
	file, err := os.OpenFile(l.segmentPath(l.segmentID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to open segment file", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to seek segment", err)
	}

	l.segment = file
	l.woffset = offset
	return nil
}

// Append writes the fresh events from the batch, grouped into one entry per
// month partition. Events whose event_id has been appended before are
// silently dropped, so re-delivered batches are safe. Returns the entries
// written, which is empty when every event was a duplicate.
func (l *Log) Append(events []types.ActivityEvent) ([]Entry, error) {
	if len(events) == 0 {
		return nil, apperrors.NewValidationError(apperrors.CodeEmptyBatch, "empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byPartition := make(map[string][]types.ActivityEvent)
	var order []string
	inBatch := make(map[string]struct{})
	for _, ev := range events {
		if l.dedup.Seen(ev.EventID) {
			continue
		}
		if _, ok := inBatch[ev.EventID]; ok {
			continue
		}
		inBatch[ev.EventID] = struct{}{}
		p := ev.MonthPartition()
		if _, ok := byPartition[p]; !ok {
			order = append(order, p)
		}
		byPartition[p] = append(byPartition[p], ev)
	}
	sort.Strings(order)

	var written []Entry
	for _, p := range order {
		entry := Entry{
			Offset:    l.nextOffset,
			Partition: p,
			Events:    byPartition[p],
			Timestamp: byPartition[p][0].Timestamp,
		}
		if err := l.writeEntry(&entry); err != nil {
			return written, err
		}
		l.nextOffset++
		// Ids are registered only after their entry is durable, so a failed
		// append leaves the rest of the batch re-deliverable.
		for _, ev := range entry.Events {
			l.dedup.Add(ev.EventID)
		}
		written = append(written, entry)
	}

	if l.notifier != nil {
		for _, e := range written {
			l.notifier.Publish(bus.Notification{
				Type:      bus.EntriesAppended,
				Partition: e.Partition,
				Offset:    e.Offset,
				Timestamp: e.Timestamp,
			})
		}
	}

	return written, nil
}

// writeEntry frames and writes a single entry, fsyncing before return.
// Rotation happens before the write: once writeEntry returns nil the entry
// is durable, and on error no acknowledged entry exists.
func (l *Log) writeEntry(entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to serialize entry", err)
	}

	if l.woffset >= l.maxSegSize {
		if err := l.rotateSegment(); err != nil {
			return err
		}
	}

	crc := computeCRC32(payload)

	if err := binary.Write(l.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to write length", err)
	}
	if err := binary.Write(l.segment, binary.LittleEndian, crc); err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to write CRC", err)
	}
	if _, err := l.segment.Write(payload); err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to write payload", err)
	}
	if err := l.segment.Sync(); err != nil {
		return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to fsync", err)
	}

	l.woffset += int64(8 + len(payload))
	return nil
}

// rotateSegment closes the current segment and opens the next one. When the
// new segment cannot be opened the log is left segmentless; the next append
// retries the open.
func (l *Log) rotateSegment() error {
	if l.segment != nil {
		if err := l.segment.Close(); err != nil {
			return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to close segment", err)
		}
		l.segment = nil
		l.segmentID++
	}
	return l.openSegment()
}

// ReadFrom returns every entry with offset >= from, in offset order.
// Readers scan segment files directly, so reads never block appends for
// longer than the directory listing.
func (l *Log) ReadFrom(from uint64) ([]Entry, error) {
	l.mu.Lock()
	ids, err := l.segmentIDs()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for _, id := range ids {
		entries, err := readSegment(l.segmentPath(id))
		if err != nil {
			return nil, apperrors.NewEventLogError(apperrors.CodeSegmentCorrupted,
				fmt.Sprintf("failed to read segment %016x", id), err)
		}
		for _, e := range entries {
			if e.Offset >= from {
				result = append(result, e)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Offset < result[j].Offset })
	return result, nil
}

// NextOffset returns the offset the next appended entry will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset
}

// SeenEvents returns the number of distinct event_ids appended so far.
func (l *Log) SeenEvents() int {
	return l.dedup.Len()
}

// Close fsyncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment != nil {
		if err := l.segment.Sync(); err != nil {
			return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to fsync on close", err)
		}
		if err := l.segment.Close(); err != nil {
			return apperrors.NewEventLogError(apperrors.CodeAppendFailed, "failed to close segment", err)
		}
		l.segment = nil
	}
	return nil
}

// readSegment reads all entries from a segment file, skipping entries whose
// CRC does not match and stopping at a truncated tail write.
func readSegment(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			return nil, err
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated tail write, stop reading
			break
		}

		if computed := computeCRC32(payload); computed != crc {
			log.Printf("[eventlog] CRC mismatch in %s, skipping entry", path)
			continue
		}

		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// computeCRC32 computes CRC32 using the IEEE polynomial.
func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFFFFFF
}
