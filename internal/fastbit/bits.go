// Package fastbit factors out the leading/trailing-zero bit-scan helpers
// used by hpage/bitset and hpage/filler to quantize sizes and counts into
// logarithmic bins, the same way memutils/metadata.TLSFBlockMetadata uses
// math/bits.LeadingZeros64 in sizeToMemoryClass/sizeToSecondIndex.
package fastbit

import "math/bits"

// Clz64 returns the number of leading zero bits in v (64 for v == 0,
// the same as math/bits; callers must special-case it).
func Clz64(v uint64) int {
	return bits.LeadingZeros64(v)
}

// Ctz64 returns the number of trailing zero bits in v (64 if v == 0).
func Ctz64(v uint64) int {
	return bits.TrailingZeros64(v)
}

// PopCount64 returns the number of set bits in v.
func PopCount64(v uint64) int {
	return bits.OnesCount64(v)
}

// IsPow2 reports whether v is a nonzero power of two.
func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// LogBin quantizes nallocs into one of numBins logarithmic buckets, where
// bucket numBins-1 is reserved for the smallest counts (nallocs == 1) and
// bucket 0 for the largest (nallocs at or beyond the point where
// 2*nallocs-1 exhausts the available leading-zero headroom): clz is
// monotonically decreasing in nallocs, so the bucket index decreases as
// nallocs grows. It implements spec section 4.2's
// IndexFor(t) = max(clz(2*nallocs-1), clz(1)-(numBins-1)) - (clz(1)-(numBins-1))
// using Clz64 as the required bit-scan primitive; the double subtraction
// folds "clz(1) - (numBins-1)" (the clz floor once chunks_per_alloc bins
// are in play) into a single clamp so that nallocs in [1, P] always lands
// in [0, numBins-1].
func LogBin(nallocs int, numBins int) int {
	if nallocs < 1 {
		nallocs = 1
	}
	floor := Clz64(1) - (numBins - 1)
	c := Clz64(uint64(2*nallocs - 1))
	if c < floor {
		c = floor
	}
	return c - floor
}
