// Package filler implements HugePageFiller (spec section 4.2): the
// multiset of PageTrackers binned by fragmentation class, which decides
// which huge page satisfies a given small-page allocation and drives
// subrelease decisions.
//
// Grounded on memutils/metadata.TLSFBlockMetadata's free-list-per-size-
// class allocator: the "hinted tracker lists" here play the same role as
// TLSF's freeList/isFreeBitmap pair, generalized from byte-size classes
// to (longest_free_range, alloc-count) bins, and the tracker membership
// map plays the same role as handleKey.
package filler

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/tracker"
)

// kMaxChunksPerAlloc bounds chunks_per_alloc, per spec section 6.
const kMaxChunksPerAlloc = 16

// kCandidatesForReleasingMemory bounds how many candidates ReleasePages
// gathers from any one stage.
const kCandidatesForReleasingMemory = int(hpage.PagesPerHugePage)

// SkipSubreleaseIntervals configures the skip-subrelease policy consulted
// by ReleasePages (spec section 4.2 "Skip-subrelease").
type SkipSubreleaseIntervals struct {
	// PeakInterval, if set, makes GetDesiredSubreleasePages use the
	// simple recent-peak rule instead of the fluctuation/trend rule.
	PeakInterval int64
	// ShortInterval bounds the short_term_fluctuation window.
	ShortInterval int64
	// LongInterval bounds the long_term_trend window.
	LongInterval int64
	// CorrectnessIntervalEpochs overrides how many epochs a skip
	// decision remains open for confirmation by
	// SkippedSubreleaseCorrectnessTracker. Zero defers to LongInterval,
	// then ShortInterval, converted to epochs.
	CorrectnessIntervalEpochs int
}

// SkipSubreleaseEnabled reports whether any interval is configured.
func (s SkipSubreleaseIntervals) SkipSubreleaseEnabled() bool {
	return s.PeakInterval > 0 || s.ShortInterval > 0 || s.LongInterval > 0
}

// FillerOptions are HugePageFiller's constructor parameters (spec
// section 6).
type FillerOptions struct {
	Allocs         AllocsOption
	ChunksPerAlloc int
	Unback         hpage.Unback
	Clock          hpage.Clock

	StatsEpochs      int
	StatsEpochLength int64

	Logger *slog.Logger
}

// HugePageFiller is the multiset of PageTrackers, binned for fast
// fragmentation-aware allocation and release, per spec section 4.2.
type HugePageFiller struct {
	opts FillerOptions

	regular                [2]*hintedList
	regularPartialReleased [2]*hintedList
	regularReleased        [2]*hintedList
	donatedAlloc           *hintedList

	members *swiss.Map[*tracker.PageTracker, *node]

	pagesAllocated [2]hpage.Length
	nUsedReleased  [2]int
	nUsedPartialReleased [2]int
	nWasReleased   [2]int

	unmapped             hpage.Length
	unmappingUnaccounted hpage.Length
	size                 int

	stats       *FillerStatsTracker
	correctness *SkippedSubreleaseCorrectnessTracker

	logger *slog.Logger
}

// NewHugePageFiller constructs an empty HugePageFiller.
func NewHugePageFiller(opts FillerOptions) (*HugePageFiller, error) {
	if opts.ChunksPerAlloc <= 0 || opts.ChunksPerAlloc > kMaxChunksPerAlloc {
		return nil, errors.Newf("filler: chunks_per_alloc %d outside (0, %d]", opts.ChunksPerAlloc, kMaxChunksPerAlloc)
	}
	if opts.Unback == nil {
		return nil, errors.New("filler: Unback is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("filler: Clock is required")
	}
	if opts.StatsEpochs <= 0 {
		opts.StatsEpochs = 600
	}
	if opts.StatsEpochLength <= 0 {
		opts.StatsEpochLength = opts.Clock.Freq()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := int(hpage.PagesPerHugePage)
	correctness := NewSkippedSubreleaseCorrectnessTracker(opts.Clock, opts.StatsEpochs, opts.StatsEpochLength)
	f := &HugePageFiller{
		opts:         opts,
		donatedAlloc: newHintedList("donated", p, 1),
		members:      swiss.NewMap[*tracker.PageTracker, *node](64),
		stats:        NewFillerStatsTracker(opts.Clock, opts.StatsEpochs, opts.StatsEpochLength, correctness),
		correctness:  correctness,
		logger:       opts.Logger,
	}
	for i := 0; i < 2; i++ {
		f.regular[i] = newHintedList("regular", p, opts.ChunksPerAlloc)
		f.regularPartialReleased[i] = newHintedList("regular_partial_released", p, opts.ChunksPerAlloc)
		f.regularReleased[i] = newHintedList("regular_released", p, opts.ChunksPerAlloc)
	}
	return f, nil
}

func (f *HugePageFiller) effectiveDensity(info SpanInfo) Density {
	if f.opts.Allocs == AllocsSeparate && info.Density == Dense {
		return Dense
	}
	return Sparse
}

func (f *HugePageFiller) densityIndex(d Density) int {
	if f.opts.Allocs == AllocsSeparate && d == Dense {
		return 1
	}
	return 0
}

func (f *HugePageFiller) newNodeFor(t *tracker.PageTracker) *node {
	n := &node{t: t}
	f.members.Put(t, n)
	return n
}

func (f *HugePageFiller) listFor(t *tracker.PageTracker, idx int) *hintedList {
	free := t.FreePages()
	released := t.ReleasedPages()
	switch {
	case released == 0:
		return f.regular[idx]
	case free > released:
		return f.regularPartialReleased[idx]
	default:
		return f.regularReleased[idx]
	}
}

func (f *HugePageFiller) adjustUsedCounters(list *hintedList, used hpage.Length, sign int) {
	for i := 0; i < 2; i++ {
		if list == f.regularReleased[i] {
			f.nUsedReleased[i] += sign * int(used)
			return
		}
		if list == f.regularPartialReleased[i] {
			f.nUsedPartialReleased[i] += sign * int(used)
			return
		}
	}
}

// addToFillerList re-bins t (which must not currently belong to any
// filler list) using its current longest-free-range and alloc count,
// clearing the donated flag: only Contribute's donated path (see
// donateToFillerList) places a tracker into the donated pool.
func (f *HugePageFiller) addToFillerList(t *tracker.PageTracker, d Density) *hintedList {
	if t.LongestFreeRange() == int(hpage.PagesPerHugePage) {
		panic("filler: cannot add a fully-free tracker to a hinted list")
	}
	t.SetDonated(false)
	idx := f.densityIndex(d)
	list := f.listFor(t, idx)
	n := f.newNodeFor(t)
	list.push(n, t.LongestFreeRange(), t.NAllocs())
	f.adjustUsedCounters(list, t.UsedPages(), 1)
	return list
}

// donateToFillerList places a freshly-contributed donated huge page into
// the donated pool, indexed by longest-free-range.
func (f *HugePageFiller) donateToFillerList(t *tracker.PageTracker) {
	if t.ReleasedPages() > 0 {
		panic("filler: cannot donate an already-released tracker")
	}
	if t.LongestFreeRange() == int(hpage.PagesPerHugePage) {
		panic("filler: cannot donate a fully-free tracker")
	}
	t.SetDonated(true)
	n := f.newNodeFor(t)
	f.donatedAlloc.push(n, t.LongestFreeRange(), 0)
}

func (f *HugePageFiller) removeFromFillerList(t *tracker.PageTracker) *hintedList {
	n, ok := f.members.Get(t)
	if !ok {
		panic("filler: tracker not present in any filler list")
	}
	owner := n.owner
	owner.remove(n)
	f.members.Delete(t)
	f.adjustUsedCounters(owner, t.UsedPages(), -1)
	return owner
}

func (f *HugePageFiller) usedPages() hpage.Length {
	return f.pagesAllocated[0].AddSaturating(f.pagesAllocated[1])
}

func (f *HugePageFiller) totalPages() hpage.Length {
	return hpage.Length(f.size) * hpage.PagesPerHugePage
}

func (f *HugePageFiller) freePages() hpage.Length {
	return f.totalPages().SubSaturating(f.usedPages())
}

func (f *HugePageFiller) releasablePages() hpage.Length {
	return f.freePages().SubSaturating(f.unmapped)
}

func (f *HugePageFiller) reportDemand() {
	f.stats.ReportDemand(FillerStats{
		NumPages:        f.totalPages(),
		UsedPages:       f.usedPages(),
		FreePages:       f.freePages(),
		FreeBackedPages: f.releasablePages(),
		UnmappedPages:   f.unmapped,
		NHugePages:      f.size,
	})
}

// TryGet attempts to allocate a run of n small pages, preferring
// already-committed regular huge pages over donated ones, and regular
// huge pages over anything requiring a release-accounting adjustment
// (spec section 4.2).
func (f *HugePageFiller) TryGet(n int, info SpanInfo) (page hpage.PageID, fromReleased bool, ok bool) {
	if n <= 0 || n > int(hpage.PagesPerHugePage) {
		panic(fmt.Sprintf("filler: TryGet(%d) out of range", n))
	}
	d := f.effectiveDensity(info)
	idx := f.densityIndex(d)

	var nd *node
	var found bool

	if nd, found = f.regular[idx].firstAtOrAbove(f.regular[idx].binFor(n, 0)); found {
	} else if d == Sparse {
		nd, found = f.donatedAlloc.firstAtOrAbove(n)
	}
	if !found {
		nd, found = f.regularPartialReleased[idx].firstAtOrAbove(f.regularPartialReleased[idx].binFor(n, 0))
	}
	if !found {
		nd, found = f.regularReleased[idx].firstAtOrAbove(f.regularReleased[idx].binFor(n, 0))
	}
	if !found {
		return 0, false, false
	}

	t := nd.t
	oldList := f.removeFromFillerList(t)
	pageID, previouslyUnbacked := t.Get(n)
	f.addToFillerList(t, d)

	fromReleased = oldList == f.regularPartialReleased[idx] || oldList == f.regularReleased[idx]

	f.pagesAllocated[idx] = f.pagesAllocated[idx].AddSaturating(hpage.Length(n))
	f.unmapped = f.unmapped.SubSaturating(hpage.Length(previouslyUnbacked))

	if fromReleased && t.FreePages() == 0 && !t.WasReleased() {
		t.SetWasReleased(true)
		f.nWasReleased[idx]++
	}

	f.reportDemand()
	return pageID, fromReleased, true
}

// Put returns [page, page+n) to t. If t becomes fully free, it is removed
// from the filler (and any still-backed tail is unbacked, with the
// page-heap lock notionally dropped around the Unback call per spec
// section 5) and returned to the caller for upstream disposal; otherwise
// Put re-bins it and returns nil.
func (f *HugePageFiller) Put(t *tracker.PageTracker, page hpage.PageID, n int, d Density) *tracker.PageTracker {
	idx := f.densityIndex(d)
	f.removeFromFillerList(t)
	t.Put(page, n)
	f.pagesAllocated[idx] = f.pagesAllocated[idx].SubSaturating(hpage.Length(n))

	if t.LongestFreeRange() != int(hpage.PagesPerHugePage) {
		f.addToFillerList(t, d)
		f.reportDemand()
		return nil
	}

	f.size--
	if t.Released() {
		f.unmapped = f.unmapped.SubSaturating(t.ReleasedPages())
		if t.FreePages() > t.ReleasedPages() {
			addr := t.Location().Addr(0)
			if f.opts.Unback(addr, hpage.HugePageSize) {
				f.unmappingUnaccounted = f.unmappingUnaccounted.AddSaturating(t.FreePages().SubSaturating(t.ReleasedPages()))
			} else {
				f.logger.Warn("filler: Unback failed for fully-freed huge page",
					"huge_page", t.Location(), "addr", addr)
			}
		}
	}
	if t.WasReleased() {
		t.SetWasReleased(false)
		f.nWasReleased[idx]--
	}
	f.reportDemand()
	return t
}

// Contribute adds a freshly-obtained huge page to the filler. t must
// already have at least one page allocated from it (longest_free_range
// < P): a fully-free tracker is never added to a hinted list (see
// addToFillerList/donateToFillerList). donated contributions require
// t.WasDonated() and Sparse density.
func (f *HugePageFiller) Contribute(t *tracker.PageTracker, d Density, donated bool) {
	idx := f.densityIndex(d)
	f.pagesAllocated[idx] = f.pagesAllocated[idx].AddSaturating(t.UsedPages())
	if donated {
		if !t.WasDonated() || d != Sparse {
			panic("filler: donated contribution requires WasDonated() and Sparse density")
		}
		f.donateToFillerList(t)
	} else {
		if d == Dense {
			t.SetHasDenseSpans(true)
		}
		f.addToFillerList(t, d)
	}
	f.size++
	f.reportDemand()
}

func compareForSubrelease(a, b *tracker.PageTracker) bool {
	if a.UsedPages() != b.UsedPages() {
		return a.UsedPages() < b.UsedPages()
	}
	return !a.HasDenseSpans() && b.HasDenseSpans()
}

// SelectCandidates gathers up to k trackers from lists, preferring fewer
// used pages and, among ties, sparse trackers over dense ones (spec
// section 4.2, "SelectCandidates").
func SelectCandidates(lists []*hintedList, k int) []*tracker.PageTracker {
	var all []*tracker.PageTracker
	for _, l := range lists {
		l.forEach(func(n *node) { all = append(all, n.t) })
	}
	sort.Slice(all, func(i, j int) bool { return compareForSubrelease(all[i], all[j]) })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (f *HugePageFiller) releaseCandidates(cands []*tracker.PageTracker, target hpage.Length, hitLimit bool) hpage.Length {
	sort.Slice(cands, func(i, j int) bool { return compareForSubrelease(cands[i], cands[j]) })

	var released hpage.Length
	var broken int
	for _, t := range cands {
		if released >= target {
			break
		}
		wasUnbroken := t.Unbroken()
		d := Sparse
		if t.HasDenseSpans() {
			d = Dense
		}
		f.removeFromFillerList(t)
		freed := t.ReleaseFree(f.opts.Unback)
		f.addToFillerList(t, d)
		if freed == 0 {
			continue
		}
		released = released.AddSaturating(freed)
		f.unmapped = f.unmapped.AddSaturating(freed)
		if wasUnbroken && !t.Unbroken() {
			broken++
			f.logger.Info("filler: huge page broken by subrelease",
				"huge_page", t.Location(), "freed_pages", freed)
		}
	}
	f.stats.ReportSubrelease(released, broken, hitLimit)
	return released
}

func (f *HugePageFiller) gatherAndRelease(lists []*hintedList, desired, soFar hpage.Length, hitLimit bool) hpage.Length {
	if soFar >= desired {
		return soFar
	}
	cands := SelectCandidates(lists, kCandidatesForReleasingMemory)
	freed := f.releaseCandidates(cands, desired.SubSaturating(soFar), hitLimit)
	return soFar.AddSaturating(freed)
}

func (f *HugePageFiller) freePagesInPartialAllocs() hpage.Length {
	var total hpage.Length
	for i := 0; i < 2; i++ {
		f.regularPartialReleased[i].forEach(func(n *node) {
			total = total.AddSaturating(n.t.FreePages())
		})
	}
	return total
}

// ReleasePages drives subrelease: it returns at least desired pages if
// possible (modulo skip-subrelease holding some back), preferring
// already-partially-released huge pages before breaking fully-backed
// ones (spec section 4.2, "Sub-release").
func (f *HugePageFiller) ReleasePages(desired hpage.Length, intervals SkipSubreleaseIntervals, releasePartialAllocPages bool, hitLimit bool) hpage.Length {
	if releasePartialAllocPages && !hitLimit {
		floor := hpage.Length(float64(f.freePagesInPartialAllocs()) * 0.1)
		if floor > desired {
			desired = floor
		}
	}

	// unmappingUnaccounted counts pages of trackers that have already left
	// the filler, so it is credited to the return value only, not to
	// unmapped.
	released := f.unmappingUnaccounted
	f.unmappingUnaccounted = 0

	if intervals.SkipSubreleaseEnabled() && !hitLimit {
		desired = f.GetDesiredSubreleasePages(desired, released, intervals)
		if desired <= released {
			return released
		}
	}

	released = f.gatherAndRelease([]*hintedList{f.regularPartialReleased[0], f.regularPartialReleased[1]}, desired, released, hitLimit)
	if released >= desired {
		return released
	}
	released = f.gatherAndRelease([]*hintedList{f.regular[0], f.regular[1], f.donatedAlloc}, desired, released, hitLimit)
	return released
}

func (f *HugePageFiller) correctnessWindowEpochs(intervals SkipSubreleaseIntervals) int {
	if intervals.CorrectnessIntervalEpochs > 0 {
		return intervals.CorrectnessIntervalEpochs
	}
	if intervals.LongInterval > 0 {
		return f.stats.epochsFor(intervals.LongInterval)
	}
	return f.stats.epochsFor(intervals.ShortInterval)
}

// GetDesiredSubreleasePages adjusts desired downward when recent demand
// history predicts the memory will be needed again soon, recording the
// held-back pages with the skip-subrelease correctness tracker (spec
// section 4.2, "Skip-subrelease").
func (f *HugePageFiller) GetDesiredSubreleasePages(desired, released hpage.Length, intervals SkipSubreleaseIntervals) hpage.Length {
	var required hpage.Length
	if intervals.PeakInterval > 0 {
		required = f.stats.GetRecentPeak(f.stats.epochsFor(intervals.PeakInterval))
	} else {
		shortFluctuation := f.stats.MaxDemandFluctuation(f.stats.epochsFor(intervals.ShortInterval))
		longTrend := f.stats.MaxMinDemand(f.stats.epochsFor(intervals.LongInterval))
		allTime := f.stats.AllTimeMaxDemand()
		sum := shortFluctuation.AddSaturating(longTrend)
		required = allTime
		if sum < allTime {
			required = sum
		}
	}

	current := f.usedPages().AddSaturating(f.freePages())
	var newDesired hpage.Length
	if required >= current {
		newDesired = released
	} else {
		newDesired = released.AddSaturating(current.SubSaturating(required))
	}
	if newDesired > desired {
		newDesired = desired
	}

	skipped := f.freePages().SubSaturating(f.releasablePages())
	if d := desired.SubSaturating(newDesired); d < skipped {
		skipped = d
	}
	peak := current
	if required < current {
		peak = required
	}
	f.correctness.ReportSkippedSubrelease(skipped, peak, f.correctnessWindowEpochs(intervals))
	if skipped > 0 {
		f.logger.Info("filler: skip-subrelease held back pages",
			"skipped_pages", skipped, "desired_pages", desired, "adjusted_pages", newDesired)
	}

	return newDesired
}

// Validate checks cross-tracker invariants P1-P5 of spec section 8.
func (f *HugePageFiller) Validate() error {
	var usedTotal, releasedTotal hpage.Length
	var firstErr error

	check := func(listName string) func(n *node) {
		return func(n *node) {
			t := n.t
			if err := t.Validate(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "filler: %s", listName)
			}
			usedTotal = usedTotal.AddSaturating(t.UsedPages())
			releasedTotal = releasedTotal.AddSaturating(t.ReleasedPages())
			if listName == "regular_released" && t.FreePages() > t.ReleasedPages() && firstErr == nil {
				firstErr = errors.Newf("filler: tracker in regular_released has free(%d) > released(%d)", t.FreePages(), t.ReleasedPages())
			}
			if listName == "regular_partial_released" && (t.FreePages() <= t.ReleasedPages() || t.ReleasedPages() == 0) && firstErr == nil {
				firstErr = errors.Newf("filler: tracker in regular_partial_released violates free>released>0: free=%d released=%d", t.FreePages(), t.ReleasedPages())
			}
		}
	}

	for i := 0; i < 2; i++ {
		f.regular[i].forEach(check("regular"))
		f.regularPartialReleased[i].forEach(check("regular_partial_released"))
		f.regularReleased[i].forEach(check("regular_released"))
	}
	f.donatedAlloc.forEach(check("donated"))

	if firstErr != nil {
		return firstErr
	}
	if usedTotal != f.usedPages() {
		return errors.Newf("filler: sum of tracker used pages (%d) != pagesAllocated (%d)", usedTotal, f.usedPages())
	}
	if releasedTotal != f.unmapped {
		return errors.Newf("filler: sum of tracker released pages (%d) != unmapped (%d)", releasedTotal, f.unmapped)
	}
	return nil
}

// Size returns the number of huge pages currently contributed to the
// filler.
func (f *HugePageFiller) Size() int { return f.size }

// PagesAllocated returns pages_allocated_[d].
func (f *HugePageFiller) PagesAllocated(d Density) hpage.Length {
	return f.pagesAllocated[f.densityIndex(d)]
}

// UnmappedPages returns unmapped_.
func (f *HugePageFiller) UnmappedPages() hpage.Length { return f.unmapped }

// Stats returns the filler's rolling demand/subrelease history tracker.
func (f *HugePageFiller) Stats() *FillerStatsTracker { return f.stats }
