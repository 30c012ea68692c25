// Package bloom provides a probabilistic membership filter used as the
// fast-negative side of event id deduplication.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BloomFilter guarantees no false negatives: if an id was added, Contains
// always returns true. False positives are bounded by the configured rate
// and resolved by an exact lookup in the caller.
type BloomFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a BloomFilter with the specified number of bits and hash
// functions.
func New(numBits, numHashes int) *BloomFilter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	// Round up to whole 64-bit words.
	numWords := (numBits + 63) / 64
	actualBits := uint64(numWords * 64)

	return &BloomFilter{
		bits:      make([]uint64, numWords),
		numBits:   actualBits,
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a BloomFilter sized for the expected number of
// items and target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters calculates the optimal number of bits and hash functions
// for a given expected number of items and target false positive rate.
//
// The formulas are:
//   - m = -n * ln(p) / (ln(2)^2)  where m = bits, n = items, p = FPR
//   - k = (m/n) * ln(2)           where k = hash functions
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	p := targetFPR
	ln2 := math.Ln2

	m := -n * math.Log(p) / (ln2 * ln2)
	numBits = int(math.Ceil(m))

	k := (m / n) * ln2
	numHashes = int(math.Ceil(k))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}

	return numBits, numHashes
}

// Add adds an item to the filter.
func (bf *BloomFilter) Add(item []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	h1, h2 := hash128(item)

	for i := uint64(0); i < bf.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % bf.numBits
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

// Contains reports whether an item might be in the filter. False means the
// item is definitely not present.
func (bf *BloomFilter) Contains(item []byte) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	h1, h2 := hash128(item)

	for i := uint64(0); i < bf.numHashes; i++ {
		pos := (h1 + i*h2) % bf.numBits
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hash128 computes the murmur3 128-bit hash as two 64-bit values.
func hash128(item []byte) (uint64, uint64) {
	h := murmur3.New128()
	h.Write(item)
	return h.Sum128()
}

// Count returns the number of items added to the filter.
func (bf *BloomFilter) Count() uint64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.count
}

// FalsePositiveRate returns the estimated false positive rate at the current
// fill level.
//
// Formula: (1 - e^(-k*n/m))^k
func (bf *BloomFilter) FalsePositiveRate() float64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if bf.count == 0 {
		return 0
	}

	k := float64(bf.numHashes)
	n := float64(bf.count)
	m := float64(bf.numBits)

	return math.Pow(1-math.Exp(-k*n/m), k)
}
