// Package tracker implements PageTracker, the per-huge-page allocation
// tracker (spec section 4.1): it packs small-page allocations into one
// huge page, tracks which small pages are currently returned to the
// kernel, and performs incremental release of free runs.
//
// Grounded on memutils/metadata.TLSFBlockMetadata's free/taken physical
// block state machine and its Validate() walk of the physical block
// chain; reimplemented over hpage/bitset.RangeTracker + bitset.Bitmap
// since page tracking only needs contiguous-run queries (no TLSF-style
// size-class bucketing — that's the filler's job, over whole trackers,
// not PageTracker's job over pages within one).
package tracker

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/bitset"
)

// PageTracker owns one RangeTracker<P> (used/free bookkeeping) and one
// Bitmap<P> (which currently-free pages have been returned to the
// kernel) for a single huge page.
type PageTracker struct {
	location hpage.HugePage
	p        int

	free         *bitset.RangeTracker
	releasedBy   *bitset.Bitmap
	releasedN    int
	donated      bool
	wasDonated   bool
	wasReleased  bool
	abandoned    bool
	abandonedN   int
	denseSpans   bool
	unbroken     bool
}

// New constructs a PageTracker for the huge page at location, with p
// small pages, all initially free and backed. wasDonated is write-once:
// it must be set correctly at construction and never changes afterward.
func New(location hpage.HugePage, p int, wasDonated bool) *PageTracker {
	if p <= 0 {
		panic("tracker: p must be positive")
	}
	return &PageTracker{
		location:   location,
		p:          p,
		free:       bitset.NewRangeTracker(p),
		releasedBy: bitset.NewBitmap(p),
		wasDonated: wasDonated,
		unbroken:   true,
	}
}

// Location returns the huge page this tracker manages.
func (t *PageTracker) Location() hpage.HugePage { return t.location }

// LongestFreeRange returns the length of the longest contiguous free run.
func (t *PageTracker) LongestFreeRange() int { return t.free.LongestFreeRange() }

// NAllocs returns the number of outstanding Get calls not yet matched by
// a Put.
func (t *PageTracker) NAllocs() int { return t.free.Allocs() }

// UsedPages returns the number of pages currently allocated.
func (t *PageTracker) UsedPages() hpage.Length { return hpage.Length(t.free.Used()) }

// FreePages returns the number of pages currently free (backed or not).
func (t *PageTracker) FreePages() hpage.Length { return hpage.Length(t.free.Free()) }

// ReleasedPages returns the number of pages currently released (returned
// to the kernel). These pages are necessarily also free: P4 of the spec's
// invariants ("a bit set in released_by_page_ implies the corresponding
// bit is free in free_") is maintained by construction, since Get always
// clears released bits for the pages it marks used (see Get) and Put
// never sets them.
func (t *PageTracker) ReleasedPages() hpage.Length { return hpage.Length(t.releasedN) }

// Released reports whether this tracker currently has any released
// pages at all. Callers that need to distinguish "fully released" from
// "partially released" should compare FreePages() against
// ReleasedPages() directly instead of relying on this alone.
func (t *PageTracker) Released() bool { return t.releasedN > 0 }

// Empty reports whether the tracker has no live allocations.
func (t *PageTracker) Empty() bool { return t.free.Used() == 0 }

// Donated reports whether this tracker is currently considered a donated
// huge page by its owning filler list.
func (t *PageTracker) Donated() bool { return t.donated }

// SetDonated flips the donated flag; HugePageFiller clears it once a
// donated tracker is re-binned into the regular lists.
func (t *PageTracker) SetDonated(v bool) { t.donated = v }

// WasDonated reports whether this huge page entered the filler as the
// tail of a larger-than-one-hugepage allocation. It is fixed at
// construction.
func (t *PageTracker) WasDonated() bool { return t.wasDonated }

// WasReleased is a latch: once set, it stays set until explicitly
// cleared by SetWasReleased(false) (HugePageFiller sets it when the
// tracker becomes fully used after being sourced from a released list,
// per spec section 4.2 step 5, and clears it on Put when the tracker
// becomes fully free).
func (t *PageTracker) WasReleased() bool { return t.wasReleased }

// SetWasReleased sets or clears the was-released latch.
func (t *PageTracker) SetWasReleased(v bool) { t.wasReleased = v }

// Abandoned reports the abandoned flag.
func (t *PageTracker) Abandoned() bool { return t.abandoned }

// SetAbandoned sets the abandoned flag.
func (t *PageTracker) SetAbandoned(v bool) { t.abandoned = v }

// AbandonedCount returns the externally-driven abandoned allocation
// count (see SetAbandonedCount).
func (t *PageTracker) AbandonedCount() int { return t.abandonedN }

// SetAbandonedCount latches the count of spans abandoned by the upstream
// huge-page allocator that originally contributed this (donated) tracker.
// The spec leaves the producer of this count out of scope and asks
// implementers only to expose the setter with its contract: a nonzero
// count requires WasDonated(); violating that is a programmer error.
func (t *PageTracker) SetAbandonedCount(n int) {
	if n > 0 && !t.wasDonated {
		panic("tracker: SetAbandonedCount(n>0) requires WasDonated()")
	}
	t.abandonedN = n
}

// HasDenseSpans reports whether this tracker currently hosts any
// dense-density spans.
func (t *PageTracker) HasDenseSpans() bool { return t.denseSpans }

// SetHasDenseSpans sets the dense-spans flag.
func (t *PageTracker) SetHasDenseSpans(v bool) { t.denseSpans = v }

// Unbroken reports whether ReleaseFree has never successfully unbacked
// any of this huge page's pages (i.e. it has never been "broken").
func (t *PageTracker) Unbroken() bool { return t.unbroken }

func (t *PageTracker) pageID(offset int) hpage.PageID {
	return hpage.PageID(int(t.location)*t.p + offset)
}

func (t *PageTracker) offsetOf(page hpage.PageID) int {
	offset := int(page) - int(t.location)*t.p
	if offset < 0 || offset >= t.p {
		panic(fmt.Sprintf("tracker: page %d is not within huge page %d", page, t.location))
	}
	return offset
}

// Get finds the leftmost free run of exactly n pages, marks it used, and
// returns its starting page id and the number of pages in that run which
// were flagged released (and so must be re-backed by the caller). Those
// pages' released bits are cleared.
//
// Precondition: LongestFreeRange() >= n. Violating it is a programmer
// error (spec section 7): the underlying RangeTracker.FindAndMark would
// otherwise silently fail, so this checks and panics explicitly instead.
func (t *PageTracker) Get(n int) (page hpage.PageID, previouslyUnbacked int) {
	offset, ok := t.free.FindAndMark(n)
	if !ok {
		panic(fmt.Sprintf("tracker: Get(%d) precondition violated: longest free range is %d", n, t.free.LongestFreeRange()))
	}
	released := t.releasedBy.CountRange(offset, n)
	if released > 0 {
		t.releasedBy.ClearRange(offset, n)
		t.releasedN -= released
	}
	return t.pageID(offset), released
}

// Put unmarks [page, page+n) as used. It does not touch released bits:
// any page that was released before allocation becomes released-and-free
// again (it was never re-backed, since Get only clears released bits for
// pages it actually allocates).
func (t *PageTracker) Put(page hpage.PageID, n int) {
	offset := t.offsetOf(page)
	t.free.Unmark(offset, n)
}

func (t *PageTracker) isBackedAndFree(i int) bool {
	return !t.releasedBy.Get(i) && !t.free.Get(i)
}

// ReleaseFree walks every maximal run of pages that are both backed and
// free, calling unback for each; on success it marks those pages
// released. It returns the total number of pages successfully released.
// A false return from unback for a given run leaves that run's pages
// marked backed and unreleased, with no bookkeeping change (spec section
// 4.1, "Failure semantics").
func (t *PageTracker) ReleaseFree(unback hpage.Unback) hpage.Length {
	var released hpage.Length
	pos := 0
	for pos < t.p {
		if !t.isBackedAndFree(pos) {
			pos++
			continue
		}
		start := pos
		for pos < t.p && t.isBackedAndFree(pos) {
			pos++
		}
		runLen := pos - start
		addr := t.pageID(start).Addr(0)
		if unback(addr, uintptr(runLen)*hpage.PageSize) {
			t.releasedBy.SetRange(start, runLen)
			t.releasedN += runLen
			released = released.AddSaturating(hpage.Length(runLen))
			t.unbroken = false
		}
	}
	return released
}

// AddSpanStats walks this tracker's free runs, splitting each at
// backed/released boundaries, and records each piece into normal
// (backed) or returned (released) per spec section 4.1.
func (t *PageTracker) AddSpanStats(normal, returned *hpage.SpanStats) {
	pos := 0
	for pos < t.p {
		offset, length, ok := t.free.NextFreeRange(pos)
		if !ok {
			break
		}
		hpage.WalkBoolRuns(offset, length, func(p int) bool { return t.releasedBy.Get(p) }, func(runStart, runLength int, released bool) {
			if released {
				returned.Record(hpage.Length(runLength))
			} else {
				normal.Record(hpage.Length(runLength))
			}
		})
		pos = offset + length
	}
}

// Validate checks this tracker's internal invariants (spec section 3):
// free_.used + free_.free = P, released_by_page_.popcount() ==
// released_count_, and abandoned_count_ > 0 implies was_donated_.
func (t *PageTracker) Validate() error {
	if t.free.Used()+t.free.Free() != t.p {
		return errors.Newf("tracker: used(%d)+free(%d) != p(%d)", t.free.Used(), t.free.Free(), t.p)
	}
	if t.releasedBy.Count() != t.releasedN {
		return errors.Newf("tracker: releasedBy popcount (%d) != releasedN (%d)", t.releasedBy.Count(), t.releasedN)
	}
	if t.releasedN > t.free.Free() {
		return errors.Newf("tracker: releasedN (%d) exceeds free (%d)", t.releasedN, t.free.Free())
	}
	if t.abandonedN > 0 && !t.wasDonated {
		return errors.New("tracker: abandonedN > 0 but not wasDonated")
	}
	return nil
}
