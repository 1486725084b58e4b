package bitset

// RangeTracker is a fixed-capacity run allocator over a Bitmap: it finds
// and marks the leftmost free run of at least n bits, and tracks how many
// bits are used and how many outstanding marked ranges ("allocations")
// exist. PageTracker embeds one RangeTracker sized to P (pages per huge
// page) for its own free_ field, and HugeRegion embeds one sized to N*P.
//
// Free-run queries are answered by scanning the bitmap directly rather
// than maintaining a side free list (contrast with
// TLSFBlockMetadata.freeList, a doubly-linked free list per size class):
// at the sizes this type is used at (P in {256,512}, or N*P in the tens
// of thousands) a word-at-a-time bitmap scan is simpler and fast enough,
// and the spec's own accessors (longest_free, NextFreeRange) are
// naturally expressed as scans.
type RangeTracker struct {
	used      *Bitmap
	usedCount int
	allocs    int
}

// NewRangeTracker allocates a RangeTracker over n bits, all initially free.
func NewRangeTracker(n int) *RangeTracker {
	return &RangeTracker{used: NewBitmap(n)}
}

// Len returns the tracker's total capacity in bits.
func (t *RangeTracker) Len() int { return t.used.Len() }

// Used returns the number of bits currently marked used.
func (t *RangeTracker) Used() int { return t.usedCount }

// Free returns the number of bits currently free.
func (t *RangeTracker) Free() int { return t.used.Len() - t.usedCount }

// Allocs returns the number of outstanding FindAndMark calls not yet
// matched by an Unmark.
func (t *RangeTracker) Allocs() int { return t.allocs }

// Get reports whether bit i is marked used.
func (t *RangeTracker) Get(i int) bool { return t.used.Get(i) }

// FindAndMark finds the leftmost free run of at least length bits, marks
// it used, and returns its starting offset. It returns ok=false if no
// such run exists (callers must check LongestFreeRange() >= length as a
// precondition per the spec; FindAndMark itself just reports failure
// rather than asserting).
func (t *RangeTracker) FindAndMark(length int) (offset int, ok bool) {
	if length <= 0 {
		panic("bitset: FindAndMark requires a positive length")
	}
	pos := 0
	for pos < t.used.Len() {
		free, found := t.used.FindClear(pos)
		if !found {
			return 0, false
		}
		run := t.used.RunLength(free)
		if run >= length {
			t.used.SetRange(free, length)
			t.usedCount += length
			t.allocs++
			return free, true
		}
		pos = free + run
	}
	return 0, false
}

// Unmark clears the length bits starting at offset, which must currently
// all be marked used (a programmer error otherwise, since this mirrors
// the spec's "Put of a range that does not belong" invariant violation).
func (t *RangeTracker) Unmark(offset, length int) {
	if t.used.CountRange(offset, length) != length {
		panic("bitset: Unmark of a range that is not fully marked used")
	}
	t.used.ClearRange(offset, length)
	t.usedCount -= length
	t.allocs--
}

// NextFreeRange returns the offset and length of the first free run at or
// after from, or ok=false if the remaining bitmap is entirely used.
func (t *RangeTracker) NextFreeRange(from int) (offset, length int, ok bool) {
	if from < 0 {
		from = 0
	}
	if from >= t.used.Len() {
		return 0, 0, false
	}
	free, found := t.used.FindClear(from)
	if !found {
		return 0, 0, false
	}
	return free, t.used.RunLength(free), true
}

// LongestFreeRange returns the length of the longest contiguous run of
// free bits.
func (t *RangeTracker) LongestFreeRange() int {
	longest := 0
	for pos := 0; pos < t.used.Len(); {
		free, found := t.used.FindClear(pos)
		if !found {
			break
		}
		run := t.used.RunLength(free)
		if run > longest {
			longest = run
		}
		pos = free + run
	}
	return longest
}
