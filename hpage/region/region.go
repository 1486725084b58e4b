// Package region implements HugeRegion and HugeRegionSet (spec sections
// 4.4 and 4.5): a large contiguous lazily-backed huge-page range used for
// allocations too big for the per-huge-page filler, and the sorted set
// of such regions.
//
// Grounded on hpage/bitset.RangeTracker for the underlying run allocator
// (the same primitive hpage/tracker.PageTracker uses, scaled from P to
// N*P bits) and on vam/dedicated_list.go's intrusive doubly-linked list
// for HugeRegionSet's sorted region chain.
package region

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/bitset"
)

// HugeRegion allocates page-granular runs out of one contiguous range of
// N huge pages, backing each huge page lazily on first touch and
// releasing it once every page within it is free again.
type HugeRegion struct {
	rng    hpage.HugeRange
	unback hpage.Unback
	clock  hpage.Clock

	tracker *bitset.RangeTracker

	pagesUsed   []hpage.Length
	backed      []bool
	lastTouched []int64

	nbacked       hpage.HugeLength
	totalUnbacked hpage.HugeLength

	logger *slog.Logger
}

// New constructs a HugeRegion over rng, which must currently be
// unbacked. clock supplies the "now" used to weight last_touched_
// updates on Put; it is not part of the spec's literal constructor
// parameter list (spec section 6 lists only range and unback) but is
// required to implement the last-touched bookkeeping it describes.
// logger is optional (spec section 10.2); a nil logger defaults to
// slog.Default(), matching filler.FillerOptions.Logger.
func New(rng hpage.HugeRange, unback hpage.Unback, clock hpage.Clock, logger ...*slog.Logger) *HugeRegion {
	if rng.Length == 0 {
		panic("region: range must have positive length")
	}
	if unback == nil || clock == nil {
		panic("region: unback and clock are required")
	}
	l := slog.Default()
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	}
	n := int(rng.Length)
	return &HugeRegion{
		rng:         rng,
		unback:      unback,
		clock:       clock,
		tracker:     bitset.NewRangeTracker(n * int(hpage.PagesPerHugePage)),
		pagesUsed:   make([]hpage.Length, n),
		backed:      make([]bool, n),
		lastTouched: make([]int64, n),
		logger:      l,
	}
}

func (r *HugeRegion) now() int64 { return r.clock.Now() }

// Range returns the huge-page range this region manages.
func (r *HugeRegion) Range() hpage.HugeRange { return r.rng }

// LongestFreeRange returns the length of the longest contiguous free run,
// in small pages.
func (r *HugeRegion) LongestFreeRange() int { return r.tracker.LongestFreeRange() }

// NBacked returns the number of currently-backed huge pages.
func (r *HugeRegion) NBacked() hpage.HugeLength { return r.nbacked }

// TotalUnbacked returns the cumulative count of huge pages this region
// has ever released.
func (r *HugeRegion) TotalUnbacked() hpage.HugeLength { return r.totalUnbacked }

// UsedPages returns the total number of small pages currently allocated.
func (r *HugeRegion) UsedPages() hpage.Length { return hpage.Length(r.tracker.Used()) }

// FreePages returns the total number of small pages currently free.
func (r *HugeRegion) FreePages() hpage.Length { return hpage.Length(r.tracker.Free()) }

func (r *HugeRegion) offsetOf(page hpage.PageID) int {
	base := int(r.rng.Start) * int(hpage.PagesPerHugePage)
	offset := int(page) - base
	if offset < 0 || offset >= r.tracker.Len() {
		panic(fmt.Sprintf("region: page %d is not within range %+v", page, r.rng))
	}
	return offset
}

func (r *HugeRegion) pageID(offset int) hpage.PageID {
	base := int(r.rng.Start) * int(hpage.PagesPerHugePage)
	return hpage.PageID(base + offset)
}

// Contains reports whether p falls within this region's managed pages.
func (r *HugeRegion) Contains(p hpage.PageID) bool {
	base := int(r.rng.Start) * int(hpage.PagesPerHugePage)
	off := int(p) - base
	return off >= 0 && off < r.tracker.Len()
}

// MaybeGet finds and marks the leftmost free run of n pages, backing any
// huge pages it newly touches. It fails without side effects if no run
// of that length exists.
func (r *HugeRegion) MaybeGet(n int) (page hpage.PageID, fromReleased bool, ok bool) {
	if n > r.tracker.LongestFreeRange() {
		return 0, false, false
	}
	offset, found := r.tracker.FindAndMark(n)
	if !found {
		return 0, false, false
	}
	fromReleased = r.inc(offset, n)
	return r.pageID(offset), fromReleased, true
}

func (r *HugeRegion) inc(offset, n int) bool {
	p := int(hpage.PagesPerHugePage)
	now := r.now()
	anyNewlyBacked := false
	pos := offset
	end := offset + n
	for pos < end {
		k := pos / p
		segEnd := (k + 1) * p
		if segEnd > end {
			segEnd = end
		}
		sublen := segEnd - pos
		if r.pagesUsed[k] == 0 && !r.backed[k] {
			r.backed[k] = true
			r.nbacked++
			r.lastTouched[k] = now
			anyNewlyBacked = true
		}
		r.pagesUsed[k] = r.pagesUsed[k].AddSaturating(hpage.Length(sublen))
		pos = segEnd
	}
	return anyNewlyBacked
}

// Put returns [page, page+n) to the region. If release is set, any huge
// page that becomes entirely free as a result is unbacked immediately
// (in maximal contiguous runs); otherwise it is left backed for a later
// Release call.
func (r *HugeRegion) Put(page hpage.PageID, n int, release bool) {
	offset := r.offsetOf(page)
	r.tracker.Unmark(offset, n)
	r.dec(offset, n, release)
}

func (r *HugeRegion) dec(offset, n int, release bool) {
	p := int(hpage.PagesPerHugePage)
	now := r.now()
	pos := offset
	end := offset + n
	var toUnback []int
	for pos < end {
		k := pos / p
		segEnd := (k + 1) * p
		if segEnd > end {
			segEnd = end
		}
		sublen := segEnd - pos

		after := r.pagesUsed[k].SubSaturating(hpage.Length(sublen))
		weight := int64(sublen) + int64(after)
		if weight > 0 {
			r.lastTouched[k] = (int64(sublen)*now + int64(after)*r.lastTouched[k]) / weight
		} else {
			r.lastTouched[k] = now
		}
		r.pagesUsed[k] = after

		if after == 0 && r.backed[k] {
			toUnback = append(toUnback, k)
		}
		pos = segEnd
	}
	if release && len(toUnback) > 0 {
		r.unbackRuns(toUnback)
	}
}

// unbackRuns calls Unback once per maximal contiguous run of huge-page
// indices in indices (which is produced in ascending order by dec/
// Release), clearing backed/nbacked/totalUnbacked bookkeeping only for
// runs Unback accepts.
func (r *HugeRegion) unbackRuns(indices []int) {
	i := 0
	for i < len(indices) {
		j := i
		for j+1 < len(indices) && indices[j+1] == indices[j]+1 {
			j++
		}
		start := indices[i]
		runLen := indices[j] - start + 1
		addr := (r.rng.Start + hpage.HugePage(start)).Addr(0)
		if r.unback(addr, uintptr(runLen)*hpage.HugePageSize) {
			for k := start; k < start+runLen; k++ {
				r.backed[k] = false
				r.nbacked--
				r.totalUnbacked++
			}
		} else {
			r.logger.Warn("region: Unback failed for free-backed huge page run",
				"start", r.rng.Start+hpage.HugePage(start), "length", runLen)
		}
		i = j + 1
	}
}

// Release unbacks up to max(floor(free_backed*fraction), 1) currently
// free-and-backed huge pages, and returns how many were actually
// released.
func (r *HugeRegion) Release(fraction float64) hpage.HugeLength {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	var freeBacked []int
	for k := range r.backed {
		if r.backed[k] && r.pagesUsed[k] == 0 {
			freeBacked = append(freeBacked, k)
		}
	}
	if len(freeBacked) == 0 {
		return 0
	}
	toRelease := int(float64(len(freeBacked)) * fraction)
	if toRelease < 1 {
		toRelease = 1
	}
	if toRelease > len(freeBacked) {
		toRelease = len(freeBacked)
	}

	before := r.nbacked
	r.unbackRuns(freeBacked[:toRelease])
	return before - r.nbacked
}

// AddSpanStats walks this region's free runs, splitting each at
// backed/unbacked huge-page boundaries, and records each piece into
// normal (backed) or returned (unbacked) per spec section 4.4.
func (r *HugeRegion) AddSpanStats(normal, returned *hpage.SpanStats) {
	p := int(hpage.PagesPerHugePage)
	total := r.tracker.Len()
	pos := 0
	for pos < total {
		offset, length, ok := r.tracker.NextFreeRange(pos)
		if !ok {
			break
		}
		hpage.WalkBoolRuns(offset, length, func(i int) bool { return !r.backed[i/p] }, func(runStart, runLength int, released bool) {
			if released {
				returned.Record(hpage.Length(runLength))
			} else {
				normal.Record(hpage.Length(runLength))
			}
		})
		pos = offset + length
	}
}

// BetterToAllocThan reports whether r is more fragmented (and so
// preferred for allocation, to concentrate fragmentation) than other.
func (r *HugeRegion) BetterToAllocThan(other *HugeRegion) bool {
	return r.tracker.LongestFreeRange() < other.tracker.LongestFreeRange()
}

// Validate checks invariant P7 of spec section 8: pages_used_[i] in
// [0,P], nbacked_ equals the count of backed huge pages, and per-huge-
// page free counts sum to the tracker's total free count.
func (r *HugeRegion) Validate() error {
	p := hpage.Length(hpage.PagesPerHugePage)
	var nbacked hpage.HugeLength
	var sumFree hpage.Length
	for k, pu := range r.pagesUsed {
		if pu > p {
			return errors.Newf("region: pagesUsed[%d]=%d exceeds P=%d", k, pu, p)
		}
		if r.backed[k] {
			nbacked++
		}
		sumFree = sumFree.AddSaturating(p - pu)
	}
	if nbacked != r.nbacked {
		return errors.Newf("region: nbacked mismatch: tracked %d, counted %d", r.nbacked, nbacked)
	}
	if int(sumFree) != r.tracker.Free() {
		return errors.Newf("region: sum of per-huge-page free pages (%d) != tracker free (%d)", sumFree, r.tracker.Free())
	}
	return nil
}
