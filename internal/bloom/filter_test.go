package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewWithEstimates(1000, 0.01)

	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("event-%d", i)))
	}

	for i := 0; i < 1000; i++ {
		assert.True(t, bf.Contains([]byte(fmt.Sprintf("event-%d", i))))
	}
	assert.Equal(t, uint64(1000), bf.Count())
}

func TestBloomFilter_FalsePositiveRateStaysNearTarget(t *testing.T) {
	bf := NewWithEstimates(10000, 0.01)

	for i := 0; i < 10000; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	trials := 10000
	for i := 0; i < trials; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	assert.Less(t, rate, 0.03, "observed false positive rate %.4f", rate)
	assert.InDelta(t, 0.01, bf.FalsePositiveRate(), 0.01)
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	assert.Greater(t, bits, 1000)
	assert.GreaterOrEqual(t, hashes, 1)

	// Degenerate inputs fall back to defaults instead of panicking.
	bits, hashes = OptimalParameters(0, -1)
	assert.GreaterOrEqual(t, bits, 64)
	assert.GreaterOrEqual(t, hashes, 1)
}
