package rollup

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestActorSet_NewDeduplicatesAndSorts(t *testing.T) {
	s := NewActorSet(5, 3, 5, 1, 3)
	assert.Equal(t, ActorSet{1, 3, 5}, s)
	assert.Equal(t, 3, s.Count())
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(4))
}

func TestActorSet_Union(t *testing.T) {
	a := NewActorSet(1, 3, 5)
	b := NewActorSet(2, 3, 6)
	assert.Equal(t, ActorSet{1, 2, 3, 5, 6}, a.Union(b))

	assert.Equal(t, a, a.Union(nil))
	assert.Equal(t, a, ActorSet(nil).Union(a))
}

func TestValue_MergeSumsFields(t *testing.T) {
	a := Value{EventCount: 2, PageViews: 1, DurationSeconds: 30, Score: 1.5, Actors: NewActorSet(1)}
	b := Value{EventCount: 1, Submissions: 1, DurationSeconds: 60, Score: 5, Actors: NewActorSet(2)}

	m := a.Merge(b)
	assert.Equal(t, int64(3), m.EventCount)
	assert.Equal(t, int64(1), m.PageViews)
	assert.Equal(t, int64(1), m.Submissions)
	assert.Equal(t, int64(90), m.DurationSeconds)
	assert.Equal(t, 6.5, m.Score)
	assert.Equal(t, 2, m.ActiveActors())
}

func TestValue_Derived(t *testing.T) {
	v := Value{ViewCount: 4, SubmissionCount: 1, DurationSeconds: 300, DurationSamples: 3}
	assert.Equal(t, 0.25, v.CompletionRate())
	assert.Equal(t, 100.0, v.AverageDurationSeconds())

	assert.Equal(t, 0.0, Value{}.CompletionRate())
	assert.Equal(t, 0.0, Value{}.AverageDurationSeconds())
	assert.True(t, Value{}.IsZero())
	assert.False(t, v.IsZero())
}

// genValue builds an arbitrary Value from a handful of small integers.
func genValue() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 100),
		gen.Int64Range(0, 100),
		gen.Int64Range(0, 10000),
		gen.Int64Range(1, 50),
		gen.Int64Range(1, 50),
	).Map(func(vals []interface{}) Value {
		return Value{
			EventCount:      vals[0].(int64),
			PageViews:       vals[1].(int64),
			DurationSeconds: vals[2].(int64),
			Score:           float64(vals[0].(int64)) / 2,
			Actors:          NewActorSet(vals[3].(int64), vals[4].(int64)),
		}
	})
}

func TestProperty_MergeLaws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge is commutative", prop.ForAll(
		func(a, b Value) bool {
			return valuesEqual(a.Merge(b), b.Merge(a))
		},
		genValue(), genValue(),
	))

	properties.Property("merge is associative", prop.ForAll(
		func(a, b, c Value) bool {
			return valuesEqual(a.Merge(b).Merge(c), a.Merge(b.Merge(c)))
		},
		genValue(), genValue(), genValue(),
	))

	properties.Property("zero value is the merge identity", prop.ForAll(
		func(a Value) bool {
			return valuesEqual(a.Merge(Value{}), a) && valuesEqual(Value{}.Merge(a), a)
		},
		genValue(),
	))

	properties.Property("union never shrinks the actor set", prop.ForAll(
		func(a, b Value) bool {
			m := a.Merge(b)
			return m.ActiveActors() >= a.ActiveActors() && m.ActiveActors() >= b.ActiveActors()
		},
		genValue(), genValue(),
	))

	properties.TestingRun(t)
}

func valuesEqual(a, b Value) bool {
	if a.EventCount != b.EventCount || a.PageViews != b.PageViews ||
		a.ResourceViews != b.ResourceViews || a.Submissions != b.Submissions ||
		a.ViewCount != b.ViewCount || a.SubmissionCount != b.SubmissionCount ||
		a.DurationSeconds != b.DurationSeconds || a.DurationSamples != b.DurationSamples ||
		a.Score != b.Score || len(a.Actors) != len(b.Actors) {
		return false
	}
	for i := range a.Actors {
		if a.Actors[i] != b.Actors[i] {
			return false
		}
	}
	return true
}
