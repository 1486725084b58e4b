package filler

import (
	"github.com/vkngwrapper/hpagefiller/hpage/bitset"
	"github.com/vkngwrapper/hpagefiller/hpage/tracker"
	"github.com/vkngwrapper/hpagefiller/internal/fastbit"
)

// node is an intrusive list element wrapping one tracker.PageTracker.
// The teacher's free lists embed prev/next pointers directly on the
// element (memutils/metadata/tlsf.go's tlsfBlock, vam/dedicated_list.go's
// Allocation); PageTracker lives in a separate package and the filler
// needs to bin the same tracker into different lists over its lifetime,
// so the pointers live on a small wrapper node instead, with a
// dolthub/swiss map from *tracker.PageTracker to *node standing in for
// the teacher's embedded back-pointer (grounded on
// TLSFBlockMetadata.handleKey, which solves the identical "get me the
// intrusive-list node for this handle" problem for allocation handles).
type node struct {
	t     *tracker.PageTracker
	prev  *node
	next  *node
	owner *hintedList
	bin   int
}

// hintedList is one "hinted tracker list": kNumLists = p * chunksPerAlloc
// (or just p, for lists with chunksPerAlloc == 1, i.e. the donated pool)
// doubly-linked bins plus a bitmap of which bins are non-empty, so the
// first non-empty bin at or above a threshold can be found in O(1) via
// find-first-set. Grounded on TLSFBlockMetadata's freeList []*tlsfBlock +
// isFreeBitmap/innerIsFreeBitmap.
type hintedList struct {
	name           string
	p              int
	chunksPerAlloc int
	heads          []*node
	tails          []*node
	nonEmpty       *bitset.Bitmap
	count          int
}

func newHintedList(name string, p, chunksPerAlloc int) *hintedList {
	// longestFree ranges over [0, p) here: a tracker with longestFree == p
	// is entirely free and must never be inserted into a hinted list
	// (filler.addToFillerList/donateToFillerList enforce this), matching
	// ListFor/IndexFor's ASSERT(longest < kPagesPerHugePage) in the
	// original tcmalloc source.
	numBins := p * chunksPerAlloc
	return &hintedList{
		name:           name,
		p:              p,
		chunksPerAlloc: chunksPerAlloc,
		heads:          make([]*node, numBins),
		tails:          make([]*node, numBins),
		nonEmpty:       bitset.NewBitmap(numBins),
	}
}

// binFor computes the flat bin index for a tracker with the given
// longest free range and IndexFor(nallocs) quantization bucket. Larger
// bins sort later in firstAtOrAbove's ascending scan, so TryGet takes the
// fitting tracker with the smallest bin: longestFree is the dominant term
// (spec's primary sort key, ascending), so the smallest longest free
// range that fits is taken first; idxFor is the secondary term within a
// fixed longestFree (more-allocated trackers land at a larger bin within
// that group).
func (l *hintedList) binFor(longestFree, idxFor int) int {
	if l.chunksPerAlloc == 1 {
		return longestFree
	}
	return longestFree*l.chunksPerAlloc + idxFor
}

// idxFor quantizes nallocs logarithmically into [0, chunksPerAlloc), with
// larger nallocs landing in larger indices (LogBin itself runs the other
// way: its bucket 0 is the largest-count bucket), to match binFor's
// "more-allocated trackers land at a larger bin" contract.
func (l *hintedList) idxFor(nallocs int) int {
	if l.chunksPerAlloc == 1 {
		return 0
	}
	return l.chunksPerAlloc - 1 - fastbit.LogBin(nallocs, l.chunksPerAlloc)
}

func (l *hintedList) push(n *node, longestFree, nallocs int) {
	bin := l.binFor(longestFree, l.idxFor(nallocs))
	n.owner = l
	n.bin = bin
	n.prev = nil
	n.next = l.heads[bin]
	if l.heads[bin] != nil {
		l.heads[bin].prev = n
	} else {
		l.tails[bin] = n
	}
	l.heads[bin] = n
	l.nonEmpty.Set(bin)
	l.count++
}

func (l *hintedList) remove(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.heads[n.bin] = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tails[n.bin] = n.prev
	}
	n.prev, n.next, n.owner = nil, nil, nil
	l.count--
	if l.heads[n.bin] == nil {
		l.nonEmpty.Clear(n.bin)
	}
}

// firstAtOrAbove returns the head of the first non-empty bin at or after
// threshold, scanning the non-empty bitmap with find-first-set.
func (l *hintedList) firstAtOrAbove(threshold int) (*node, bool) {
	if threshold < 0 {
		threshold = 0
	}
	if threshold >= len(l.heads) {
		return nil, false
	}
	bin, found := l.nonEmpty.FindSet(threshold)
	if !found {
		return nil, false
	}
	return l.heads[bin], true
}

func (l *hintedList) empty() bool { return l.count == 0 }

// forEach walks every tracker currently in the list, in no particular
// order, for statistics/validation purposes.
func (l *hintedList) forEach(fn func(*node)) {
	for _, head := range l.heads {
		for n := head; n != nil; n = n.next {
			fn(n)
		}
	}
}
