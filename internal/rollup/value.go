// Package rollup maintains incrementally-updated aggregates derived from the
// event log. Each rollup folds events into additive values whose merge is
// associative and commutative, so batches can be applied in any grouping and
// order and converge to the same stored state.
package rollup

import "sort"

// Key identifies one rollup row. SecondaryID is zero for every rollup except
// engagement, where it carries the course dimension.
type Key struct {
	Day         string `json:"day"`
	EntityID    int64  `json:"entity_id"`
	SecondaryID int64  `json:"secondary_id"`
}

// ActorSet is a sorted set of distinct actor ids. Exact sets merge under
// union, which keeps unique-actor counts correct across partial aggregates.
type ActorSet []int64

// NewActorSet builds a set from the given ids, deduplicating and sorting.
func NewActorSet(ids ...int64) ActorSet {
	if len(ids) == 0 {
		return nil
	}
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return ActorSet(out)
}

// Union merges two sorted sets into a new sorted set.
func (s ActorSet) Union(other ActorSet) ActorSet {
	if len(s) == 0 {
		return other
	}
	if len(other) == 0 {
		return s
	}

	out := make(ActorSet, 0, len(s)+len(other))
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] < other[j]:
			out = append(out, s[i])
			i++
		case s[i] > other[j]:
			out = append(out, other[j])
			j++
		default:
			out = append(out, s[i])
			i++
			j++
		}
	}
	out = append(out, s[i:]...)
	out = append(out, other[j:]...)
	return out
}

// Contains reports whether id is in the set.
func (s ActorSet) Contains(id int64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}

// Count returns the number of distinct actors.
func (s ActorSet) Count() int {
	return len(s)
}

// Value is the additive aggregate for one rollup row. Every field merges by
// summation except Actors, which merges by set union. The zero Value is the
// merge identity.
type Value struct {
	EventCount      int64    `json:"event_count,omitempty"`
	PageViews       int64    `json:"page_views,omitempty"`
	ResourceViews   int64    `json:"resource_views,omitempty"`
	Submissions     int64    `json:"submissions,omitempty"`
	ViewCount       int64    `json:"view_count,omitempty"`
	SubmissionCount int64    `json:"submission_count,omitempty"`
	DurationSeconds int64    `json:"duration_seconds,omitempty"`
	DurationSamples int64    `json:"duration_samples,omitempty"`
	Score           float64  `json:"score,omitempty"`
	Actors          ActorSet `json:"actors,omitempty"`
}

// Merge combines two values field-wise. Associative and commutative.
func (v Value) Merge(other Value) Value {
	return Value{
		EventCount:      v.EventCount + other.EventCount,
		PageViews:       v.PageViews + other.PageViews,
		ResourceViews:   v.ResourceViews + other.ResourceViews,
		Submissions:     v.Submissions + other.Submissions,
		ViewCount:       v.ViewCount + other.ViewCount,
		SubmissionCount: v.SubmissionCount + other.SubmissionCount,
		DurationSeconds: v.DurationSeconds + other.DurationSeconds,
		DurationSamples: v.DurationSamples + other.DurationSamples,
		Score:           v.Score + other.Score,
		Actors:          v.Actors.Union(other.Actors),
	}
}

// IsZero reports whether the value is the merge identity.
func (v Value) IsZero() bool {
	return v.EventCount == 0 && v.PageViews == 0 && v.ResourceViews == 0 &&
		v.Submissions == 0 && v.ViewCount == 0 && v.SubmissionCount == 0 &&
		v.DurationSeconds == 0 && v.DurationSamples == 0 && v.Score == 0 &&
		len(v.Actors) == 0
}

// ActiveActors returns the distinct actor count.
func (v Value) ActiveActors() int {
	return v.Actors.Count()
}

// AverageDurationSeconds returns the mean of the recorded duration samples,
// or 0 when none were recorded.
func (v Value) AverageDurationSeconds() float64 {
	if v.DurationSamples == 0 {
		return 0
	}
	return float64(v.DurationSeconds) / float64(v.DurationSamples)
}

// CompletionRate returns submissions as a fraction of views, or 0 when there
// are no views.
func (v Value) CompletionRate() float64 {
	if v.ViewCount == 0 {
		return 0
	}
	return float64(v.SubmissionCount) / float64(v.ViewCount)
}

// Contribution is one event's delta against one rollup row.
type Contribution struct {
	Rollup string
	Key    Key
	Value  Value
}

// Row pairs a key with its stored value for range reads.
type Row struct {
	Key   Key   `json:"key"`
	Value Value `json:"value"`
}
