// Package collector implements the client-side activity collector: it turns
// session lifecycle signals into ActivityEvents, buffers them, and delivers
// batches to the ingestion endpoint on a schedule, on buffer-full, and
// synchronously on session teardown.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// Default configuration values, matching the documented collector behavior.
const (
	DefaultBufferSize        = 10
	DefaultFlushInterval     = 30 * time.Second
	DefaultIdleThreshold     = 5 * time.Minute
	DefaultIdleCheckInterval = 60 * time.Second

	deliveryTimeout = 10 * time.Second
)

// Config holds per-session collector configuration. All fields are
// overridable at construction time.
type Config struct {
	// ActorID binds the collector to a user identity. Zero means unbound:
	// every tracking call is a no-op.
	ActorID int64

	// Endpoint is the ingestion endpoint base URL (used by NewHTTPSender).
	Endpoint string

	// BufferSize bounds the in-memory buffer; reaching it triggers a flush.
	BufferSize int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration

	// IdleThreshold is the inactivity span after which the user counts as idle.
	IdleThreshold time.Duration

	// IdleCheckInterval is the cadence of the idle detector.
	IdleCheckInterval time.Duration
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = DefaultIdleCheckInterval
	}
	return c
}

// Collector is an explicitly constructed, owned activity collector with an
// explicit Start/Stop lifecycle. There is no package-level instance.
//
// All operations are best-effort: delivery failures are requeued and logged,
// never surfaced to the caller.
type Collector struct {
	mu  sync.Mutex
	cfg Config

	sender  Sender
	enabled bool
	started bool
	stopped bool

	buffer []types.ActivityEvent

	sessionStartedAt     time.Time
	currentPageStartedAt time.Time
	lastActivityAt       time.Time
	currentPage          string

	// Explicit resource interval bracket.
	currentResourceType string
	currentResourceID   string
	resourceStartedAt   time.Time

	// lastTimestamp keeps event timestamps monotonically non-decreasing
	// within this collector instance.
	lastTimestamp int64

	flushStop chan struct{}
	idleStop  chan struct{}
	loopWG    sync.WaitGroup
	inflight  sync.WaitGroup
}

// New creates a collector bound to the given sender. The collector does not
// start its timers until Start is called.
func New(cfg Config, sender Sender) *Collector {
	cfg = cfg.withDefaults()
	return &Collector{
		cfg:     cfg,
		sender:  sender,
		enabled: true,
		buffer:  make([]types.ActivityEvent, 0, cfg.BufferSize),
	}
}

// Start begins the session: records the session start time and launches the
// flush and idle-check timers. Starting twice is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true

	now := time.Now()
	c.sessionStartedAt = now
	c.currentPageStartedAt = now
	c.lastActivityAt = now

	c.startTimersLocked()
}

// startTimersLocked launches the flush and idle loops. Caller holds c.mu.
func (c *Collector) startTimersLocked() {
	c.startFlushLoopLocked(c.cfg.FlushInterval)

	idleStop := make(chan struct{})
	c.idleStop = idleStop
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ticker := time.NewTicker(c.cfg.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-idleStop:
				return
			case <-ticker.C:
				c.checkIdle()
			}
		}
	}()
}

// startFlushLoopLocked launches a flush loop with the given interval.
// Caller holds c.mu.
func (c *Collector) startFlushLoopLocked(interval time.Duration) {
	stop := make(chan struct{})
	c.flushStop = stop
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
}

// stopTimersLocked stops both loops. Caller holds c.mu.
func (c *Collector) stopTimersLocked() {
	if c.flushStop != nil {
		close(c.flushStop)
		c.flushStop = nil
	}
	if c.idleStop != nil {
		close(c.idleStop)
		c.idleStop = nil
	}
}

// SetFlushInterval atomically replaces the running flush timer: the old
// timer is stopped and a new one started, so exactly one flush loop is live.
func (c *Collector) SetFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.FlushInterval = interval
	if c.flushStop != nil {
		close(c.flushStop)
		c.flushStop = nil
		c.startFlushLoopLocked(interval)
	}
}

// nowMillisLocked returns the current timestamp in Unix milliseconds,
// clamped to be non-decreasing within this instance. Caller holds c.mu.
func (c *Collector) nowMillisLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts < c.lastTimestamp {
		ts = c.lastTimestamp
	}
	c.lastTimestamp = ts
	return ts
}

// RecordEvent constructs an event and appends it to the buffer. If the
// buffer reaches its bound, an asynchronous flush is triggered. The call
// never blocks on delivery. Without a bound actor this is a no-op.
func (c *Collector) RecordEvent(eventType, resourceType, resourceID string, metadata map[string]interface{}) (types.ActivityEvent, bool) {
	c.mu.Lock()
	if !c.enabled || c.cfg.ActorID <= 0 || c.stopped {
		c.mu.Unlock()
		return types.ActivityEvent{}, false
	}
	ev := c.buildEventLocked(eventType, resourceType, resourceID, 0, metadata)
	c.buffer = append(c.buffer, ev)
	full := len(c.buffer) >= c.cfg.BufferSize
	c.mu.Unlock()

	if full {
		c.Flush()
	}
	return ev, true
}

// recordWithDuration is the internal variant for interval-closing events.
func (c *Collector) recordWithDuration(eventType, resourceType, resourceID string, durationSeconds int64, metadata map[string]interface{}) (types.ActivityEvent, bool) {
	c.mu.Lock()
	if !c.enabled || c.cfg.ActorID <= 0 || c.stopped {
		c.mu.Unlock()
		return types.ActivityEvent{}, false
	}
	ev := c.buildEventLocked(eventType, resourceType, resourceID, durationSeconds, metadata)
	c.buffer = append(c.buffer, ev)
	full := len(c.buffer) >= c.cfg.BufferSize
	c.mu.Unlock()

	if full {
		c.Flush()
	}
	return ev, true
}

// buildEventLocked constructs an immutable event. Caller holds c.mu.
func (c *Collector) buildEventLocked(eventType, resourceType, resourceID string, durationSeconds int64, metadata map[string]interface{}) types.ActivityEvent {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return types.ActivityEvent{
		EventID:         uuid.New().String(),
		ActorID:         c.cfg.ActorID,
		EventType:       eventType,
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		Timestamp:       c.nowMillisLocked(),
		DurationSeconds: durationSeconds,
		Metadata:        metadata,
	}
}

// TrackPageView records a page_view for the given path. The previous page
// path is carried as referrer metadata.
func (c *Collector) TrackPageView(path string) {
	c.mu.Lock()
	referrer := c.currentPage
	c.currentPage = path
	c.currentPageStartedAt = time.Now()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	meta := map[string]interface{}{"path": path}
	if referrer != "" {
		meta["referrer"] = referrer
	}
	c.RecordEvent(types.EventPageView, types.ResourcePage, path, meta)
}

// Navigate handles a navigation without a full reload: the previous page is
// closed out with a page_exit carrying its elapsed duration, then the new
// page is opened with a page_view.
func (c *Collector) Navigate(path string) {
	c.mu.Lock()
	prev := c.currentPage
	elapsed := int64(time.Since(c.currentPageStartedAt).Seconds())
	c.mu.Unlock()

	if prev != "" {
		c.recordWithDuration(types.EventPageExit, types.ResourcePage, prev, elapsed, nil)
	}
	c.TrackPageView(path)
}

// VisibilityHidden records a tab_blur with the elapsed duration on the
// current page.
func (c *Collector) VisibilityHidden() {
	c.mu.Lock()
	page := c.currentPage
	elapsed := int64(time.Since(c.currentPageStartedAt).Seconds())
	c.mu.Unlock()

	c.recordWithDuration(types.EventTabBlur, types.ResourcePage, page, elapsed, nil)
}

// VisibilityVisible records a tab_focus and resets the page start time so
// subsequent durations measure from the return, not the original arrival.
func (c *Collector) VisibilityVisible() {
	c.mu.Lock()
	c.currentPageStartedAt = time.Now()
	c.lastActivityAt = time.Now()
	page := c.currentPage
	c.mu.Unlock()

	c.RecordEvent(types.EventTabFocus, types.ResourcePage, page, nil)
}

// Touch registers a raw activity signal (click, keypress, pointer move,
// scroll). It only refreshes the idle clock; no event is emitted.
func (c *Collector) Touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// StartResourceTracking opens an explicit interval bracket on a resource
// and records a resource_start. An already-open bracket is replaced.
func (c *Collector) StartResourceTracking(resourceType, resourceID string) {
	c.mu.Lock()
	c.currentResourceType = resourceType
	c.currentResourceID = resourceID
	c.resourceStartedAt = time.Now()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	c.RecordEvent(types.EventResourceStart, resourceType, resourceID, nil)
}

// EndResourceTracking closes the open bracket and records a resource_end
// with the elapsed duration. Without a prior start it is a no-op.
func (c *Collector) EndResourceTracking() {
	c.mu.Lock()
	if c.currentResourceType == "" {
		c.mu.Unlock()
		return
	}
	resourceType := c.currentResourceType
	resourceID := c.currentResourceID
	elapsed := int64(time.Since(c.resourceStartedAt).Seconds())
	c.currentResourceType = ""
	c.currentResourceID = ""
	c.mu.Unlock()

	c.recordWithDuration(types.EventResourceEnd, resourceType, resourceID, elapsed, nil)
}

// checkIdle emits a user_idle event when the inactivity span has crossed
// the threshold. The check re-fires on every tick while the user remains
// idle, re-emitting the event each time.
func (c *Collector) checkIdle() {
	c.mu.Lock()
	idleFor := time.Since(c.lastActivityAt)
	threshold := c.cfg.IdleThreshold
	c.mu.Unlock()

	if idleFor >= threshold {
		c.recordWithDuration(types.EventUserIdle, types.ResourceSession, "", int64(idleFor.Seconds()), nil)
	}
}

// Flush atomically swaps the buffer for an empty one and attempts delivery
// of the swapped-out batch asynchronously. On failure the undelivered batch
// is prepended back onto whatever accumulated since the swap; it is never
// silently dropped.
func (c *Collector) Flush() {
	c.mu.Lock()
	if c.stopped || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]types.ActivityEvent, 0, c.cfg.BufferSize)
	c.mu.Unlock()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := c.sender.Send(ctx, batch); err != nil {
			log.Printf("collector: delivery of %d events failed, requeueing: %v", len(batch), err)
			c.mu.Lock()
			c.buffer = append(batch, c.buffer...)
			c.mu.Unlock()
		}
	}()
}

// FlushSync performs the same swap-and-send synchronously. It is used
// during session teardown, where delivery is best-effort: a failed
// teardown batch is lost and only logged.
func (c *Collector) FlushSync() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]types.ActivityEvent, 0, c.cfg.BufferSize)
	c.mu.Unlock()

	if err := c.sender.SendSync(batch); err != nil {
		log.Printf("collector: teardown delivery of %d events lost: %v", len(batch), err)
	}
}

// Stop tears the session down: it closes out the current page with a
// page_exit, records a session_end with the full session duration, stops
// the timers, and performs exactly one synchronous delivery attempt.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	page := c.currentPage
	pageElapsed := int64(time.Since(c.currentPageStartedAt).Seconds())
	sessionElapsed := int64(time.Since(c.sessionStartedAt).Seconds())
	bound := c.enabled && c.cfg.ActorID > 0

	if bound {
		c.buffer = append(c.buffer,
			c.buildEventLocked(types.EventPageExit, types.ResourcePage, page, pageElapsed, nil),
			c.buildEventLocked(types.EventSessionEnd, types.ResourceSession, "", sessionElapsed, nil),
		)
	}
	c.stopped = true
	c.stopTimersLocked()
	c.mu.Unlock()

	c.loopWG.Wait()
	c.inflight.Wait()
	c.FlushSync()
}

// Disable performs a final best-effort asynchronous flush, then stops the
// flush and idle timers and suspends all tracking.
func (c *Collector) Disable() {
	c.Flush()

	c.mu.Lock()
	c.enabled = false
	c.stopTimersLocked()
	c.mu.Unlock()
}

// Enable restarts the timers and resumes tracking after a Disable.
func (c *Collector) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled || c.stopped {
		return
	}
	c.enabled = true
	c.lastActivityAt = time.Now()
	if c.started {
		c.startTimersLocked()
	}
}

// Enabled reports whether tracking is currently active.
func (c *Collector) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && !c.stopped
}

// BufferLen returns the number of events currently buffered.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}
