package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellTimesCell/new-lms-system1/internal/bus"
	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

func openLog(t *testing.T) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(t.TempDir(), 64*1024*1024, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEngine_CatchUpAppliesLog(t *testing.T) {
	l := openLog(t)
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := l.Append([]types.ActivityEvent{
		event(7, types.EventView, types.ResourceCourse, "42", 60),
		event(8, types.EventView, types.ResourceCourse, "42", 30),
	})
	require.NoError(t, err)

	engine := NewEngine(l, store, nil, time.Hour)
	require.NoError(t, engine.CatchUp(ctx))

	v, found, err := store.Get(ctx, CourseDaily, Key{Day: "2026-03-15", EntityID: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), v.EventCount)
	assert.Equal(t, 2, v.ActiveActors())

	off, err := store.CommittedOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)
}

func TestEngine_CatchUpIsIncremental(t *testing.T) {
	l := openLog(t)
	store := NewMemoryStore()
	ctx := context.Background()
	engine := NewEngine(l, store, nil, time.Hour)

	_, err := l.Append([]types.ActivityEvent{event(7, types.EventView, types.ResourceCourse, "42", 0)})
	require.NoError(t, err)
	require.NoError(t, engine.CatchUp(ctx))

	// A second catch-up with no new entries changes nothing
	require.NoError(t, engine.CatchUp(ctx))
	v, _, err := store.Get(ctx, CourseDaily, Key{Day: "2026-03-15", EntityID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.EventCount)

	_, err = l.Append([]types.ActivityEvent{event(8, types.EventView, types.ResourceCourse, "42", 0)})
	require.NoError(t, err)
	require.NoError(t, engine.CatchUp(ctx))

	v, _, err = store.Get(ctx, CourseDaily, Key{Day: "2026-03-15", EntityID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.EventCount)
}

// A batch re-delivered by the client passes the log's dedup and never
// reaches the store twice.
func TestEngine_RedeliveredBatchCountsOnce(t *testing.T) {
	l := openLog(t)
	store := NewMemoryStore()
	ctx := context.Background()
	engine := NewEngine(l, store, nil, time.Hour)

	batch := []types.ActivityEvent{
		event(7, types.EventView, types.ResourceCourse, "42", 60),
		event(7, types.EventSubmission, types.ResourceCourse, "42", 0),
	}

	_, err := l.Append(batch)
	require.NoError(t, err)
	require.NoError(t, engine.CatchUp(ctx))

	_, err = l.Append(batch)
	require.NoError(t, err)
	require.NoError(t, engine.CatchUp(ctx))

	v, found, err := store.Get(ctx, CourseDaily, Key{Day: "2026-03-15", EntityID: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), v.EventCount)

	// One view (1) with 60s of duration (60/60 = 1) plus one submission (5),
	// counted once despite the re-delivery.
	e, found, err := store.Get(ctx, Engagement, Key{Day: "2026-03-15", EntityID: 7, SecondaryID: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7.0, e.Score)
}

func TestEngine_NotificationWakes(t *testing.T) {
	l := openLog(t)
	store := NewMemoryStore()
	ctx := context.Background()

	notifier := bus.NewNotifier(16)
	l.SetNotifier(notifier)

	engine := NewEngine(l, store, notifier, time.Hour)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	_, err := l.Append([]types.ActivityEvent{event(7, types.EventView, types.ResourceCourse, "42", 0)})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		_, found, err := store.Get(ctx, CourseDaily, Key{Day: "2026-03-15", EntityID: 42})
		require.NoError(t, err)
		if found {
			return
		}
		select {
		case <-deadline:
			t.Fatal("engine never applied the appended entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	l := openLog(t)
	engine := NewEngine(l, NewMemoryStore(), nil, time.Hour)

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Start(context.Background()))
	engine.Stop()
	engine.Stop()
}

// Stored values converge to the same state regardless of how the event
// stream is cut into batches.
func TestProperty_BatchPartitionInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any batch partitioning converges to the full fold", prop.ForAll(
		func(actorIDs []int64, cut int) bool {
			if len(actorIDs) == 0 {
				return true
			}

			events := make([]types.ActivityEvent, 0, len(actorIDs))
			for i, id := range actorIDs {
				verb := types.EventView
				if i%3 == 0 {
					verb = types.EventSubmission
				}
				events = append(events, event(id, verb, types.ResourceCourse, "42", int64(i%5)*30))
			}

			if cut < 0 {
				cut = -cut
			}
			cut = cut % len(events)

			whole := applyInBatches(t, [][]types.ActivityEvent{events})
			split := applyInBatches(t, [][]types.ActivityEvent{events[:cut], events[cut:]})

			for k, v := range whole {
				if !valuesEqual(v, split[k]) {
					return false
				}
			}
			return len(whole) == len(split)
		},
		gen.SliceOf(gen.Int64Range(1, 20)),
		gen.Int(),
	))

	properties.TestingRun(t)
}

// applyInBatches runs batches through a fresh log and engine, returning the
// final stored state keyed by rollup and key.
func applyInBatches(t *testing.T, batches [][]types.ActivityEvent) map[rollupKey]Value {
	dir := t.TempDir()
	l, err := eventlog.Open(dir, 64*1024*1024, 1000)
	require.NoError(t, err)
	defer l.Close()

	store := NewMemoryStore()
	engine := NewEngine(l, store, nil, time.Hour)
	ctx := context.Background()

	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		_, err := l.Append(batch)
		require.NoError(t, err)
		require.NoError(t, engine.CatchUp(ctx))
	}

	out := make(map[rollupKey]Value)
	store.mu.RLock()
	defer store.mu.RUnlock()
	for name, table := range store.rows {
		for k, v := range table {
			out[rollupKey{name, k}] = v
		}
	}
	return out
}
