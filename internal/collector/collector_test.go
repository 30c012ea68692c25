package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellTimesCell/new-lms-system1/internal/errors"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// captureSender records every delivery attempt and can be told to fail.
type captureSender struct {
	mu          sync.Mutex
	batches     [][]types.ActivityEvent
	syncBatches [][]types.ActivityEvent
	failures    int // number of Send calls to fail before succeeding
}

func (s *captureSender) Send(ctx context.Context, events []types.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.NewDeliveryError("injected failure", nil)
	}
	batch := make([]types.ActivityEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSender) SendSync(events []types.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]types.ActivityEvent, len(events))
	copy(batch, events)
	s.syncBatches = append(s.syncBatches, batch)
	return nil
}

func (s *captureSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSender) allSent() []types.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []types.ActivityEvent
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestCollector_BufferFullTriggersFlush(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 3, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	for i := 0; i < 3; i++ {
		_, ok := c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
		assert.True(t, ok)
	}

	waitFor(t, func() bool { return sender.sendCount() == 1 })
	assert.Equal(t, 1, sender.sendCount())
	assert.Len(t, sender.batches[0], 3)
	assert.Equal(t, 0, c.BufferLen())
}

func TestCollector_UnboundActorIsNoOp(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{}, sender)
	c.Start()
	defer c.Stop()

	_, ok := c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	assert.False(t, ok)
	c.TrackPageView("/courses/3")
	assert.Equal(t, 0, c.BufferLen())
	assert.Equal(t, 0, sender.sendCount())
}

func TestCollector_IdleDetection(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{
		ActorID:           7,
		BufferSize:        100,
		FlushInterval:     time.Hour,
		IdleThreshold:     100 * time.Millisecond,
		IdleCheckInterval: 50 * time.Millisecond,
	}, sender)
	c.Start()

	// No activity signal for longer than the threshold.
	time.Sleep(250 * time.Millisecond)

	c.mu.Lock()
	var idleEvents []types.ActivityEvent
	for _, ev := range c.buffer {
		if ev.EventType == types.EventUserIdle {
			idleEvents = append(idleEvents, ev)
		}
	}
	c.mu.Unlock()

	require.NotEmpty(t, idleEvents)
	for _, ev := range idleEvents {
		assert.GreaterOrEqual(t, ev.DurationSeconds, int64(0))
	}
	// The check re-fires on every tick while the user remains idle.
	assert.GreaterOrEqual(t, len(idleEvents), 2)

	c.Stop()
}

func TestCollector_TouchResetsIdleClock(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{
		ActorID:           7,
		BufferSize:        100,
		FlushInterval:     time.Hour,
		IdleThreshold:     time.Hour,
		IdleCheckInterval: 20 * time.Millisecond,
	}, sender)
	c.Start()
	defer c.Stop()

	c.Touch()
	time.Sleep(100 * time.Millisecond)

	c.mu.Lock()
	for _, ev := range c.buffer {
		assert.NotEqual(t, types.EventUserIdle, ev.EventType)
	}
	c.mu.Unlock()
}

func TestCollector_ResourceBracket(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.StartResourceTracking("video", "42")
	time.Sleep(1100 * time.Millisecond)
	c.EndResourceTracking()

	c.mu.Lock()
	var start, end *types.ActivityEvent
	for i := range c.buffer {
		switch c.buffer[i].EventType {
		case types.EventResourceStart:
			start = &c.buffer[i]
		case types.EventResourceEnd:
			end = &c.buffer[i]
		}
	}
	c.mu.Unlock()

	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, "video", end.ResourceType)
	assert.Equal(t, "42", end.ResourceID)
	assert.InDelta(t, 1, end.DurationSeconds, 1)
	assert.GreaterOrEqual(t, end.Timestamp, start.Timestamp)
}

func TestCollector_EndWithoutStartIsNoOp(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.EndResourceTracking()
	assert.Equal(t, 0, c.BufferLen())
}

func TestCollector_NavigateClosesPreviousPage(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.TrackPageView("/courses/3")
	c.Navigate("/courses/3/assignments")

	c.mu.Lock()
	events := make([]types.ActivityEvent, len(c.buffer))
	copy(events, c.buffer)
	c.mu.Unlock()

	require.Len(t, events, 3)
	assert.Equal(t, types.EventPageView, events[0].EventType)
	assert.Equal(t, "/courses/3", events[0].ResourceID)
	assert.Equal(t, types.EventPageExit, events[1].EventType)
	assert.Equal(t, "/courses/3", events[1].ResourceID)
	assert.Equal(t, types.EventPageView, events[2].EventType)
	assert.Equal(t, "/courses/3/assignments", events[2].ResourceID)
	assert.Equal(t, "/courses/3", events[2].Metadata["referrer"])
}

func TestCollector_VisibilityTransitions(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.TrackPageView("/home")
	c.VisibilityHidden()
	c.VisibilityVisible()

	c.mu.Lock()
	events := make([]types.ActivityEvent, len(c.buffer))
	copy(events, c.buffer)
	c.mu.Unlock()

	require.Len(t, events, 3)
	assert.Equal(t, types.EventTabBlur, events[1].EventType)
	assert.Equal(t, types.EventTabFocus, events[2].EventType)
}

func TestCollector_TeardownSequence(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()

	c.TrackPageView("/courses/3")
	c.RecordEvent(types.EventView, types.ResourceAssignment, "9", nil)
	c.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.syncBatches, 1)
	batch := sender.syncBatches[0]

	// Prior buffered events, then page_exit, then session_end, in order.
	require.GreaterOrEqual(t, len(batch), 4)
	last := batch[len(batch)-1]
	secondLast := batch[len(batch)-2]
	assert.Equal(t, types.EventSessionEnd, last.EventType)
	assert.Equal(t, types.ResourceSession, last.ResourceType)
	assert.Equal(t, types.EventPageExit, secondLast.EventType)
	assert.Equal(t, "/courses/3", secondLast.ResourceID)
	assert.LessOrEqual(t, secondLast.Timestamp, last.Timestamp)
}

func TestCollector_StopIsIdempotent(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()

	c.TrackPageView("/home")
	c.Stop()
	c.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.syncBatches, 1)
}

func TestCollector_RequeueOnDeliveryFailure(t *testing.T) {
	sender := &captureSender{failures: 1}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	c.Flush()

	// Failed batch is prepended back onto the buffer.
	waitFor(t, func() bool { return c.BufferLen() == 2 })

	c.Flush()
	waitFor(t, func() bool { return sender.sendCount() == 1 })
	assert.Len(t, sender.batches[0], 2)
	assert.Equal(t, 0, c.BufferLen())
}

func TestCollector_RequeuePreservesOrderAroundNewEvents(t *testing.T) {
	sender := &captureSender{failures: 1}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	first, _ := c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	c.Flush()
	waitFor(t, func() bool { return c.BufferLen() == 1 })

	second, _ := c.RecordEvent(types.EventSubmission, types.ResourceAssignment, "9", nil)

	c.mu.Lock()
	assert.Equal(t, first.EventID, c.buffer[0].EventID)
	assert.Equal(t, second.EventID, c.buffer[1].EventID)
	c.mu.Unlock()
}

func TestCollector_SetFlushIntervalReplacesTimer(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	c.SetFlushInterval(20 * time.Millisecond)

	waitFor(t, func() bool { return sender.sendCount() >= 1 })
	assert.Equal(t, 0, c.BufferLen())
}

func TestCollector_DisableAndEnable(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 100, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	c.Disable()

	// Disable performs a final best-effort flush first.
	waitFor(t, func() bool { return sender.sendCount() == 1 })

	_, ok := c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	assert.False(t, ok)
	assert.False(t, c.Enabled())

	c.Enable()
	assert.True(t, c.Enabled())
	_, ok = c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	assert.True(t, ok)
}

func TestCollector_MonotonicTimestamps(t *testing.T) {
	sender := &captureSender{}
	c := New(Config{ActorID: 7, BufferSize: 1000, FlushInterval: time.Hour, IdleCheckInterval: time.Hour}, sender)
	c.Start()
	defer c.Stop()

	for i := 0; i < 100; i++ {
		c.RecordEvent(types.EventView, types.ResourceCourse, "3", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < len(c.buffer); i++ {
		assert.GreaterOrEqual(t, c.buffer[i].Timestamp, c.buffer[i-1].Timestamp)
	}
}
