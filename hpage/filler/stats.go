package filler

import (
	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/timeseries"
)

// FillerStats is one instantaneous snapshot of filler-wide accounting,
// sampled after every allocation and deallocation (spec section 4.3).
type FillerStats struct {
	NumPages        hpage.Length
	UsedPages       hpage.Length
	FreePages       hpage.Length
	FreeBackedPages hpage.Length
	UnmappedPages   hpage.Length
	NHugePages      int
}

// subreleaseCounters accumulates ReleaseCandidates outcomes within one
// epoch.
type subreleaseCounters struct {
	NumPagesSubreleased          hpage.Length
	NumHugePagesBrokenDueToLimit int
	NumPagesSubreleasedDueToLimit hpage.Length
}

// FillerEpochEntry is one epoch's worth of folded FillerStats samples:
// the min- and max-demand snapshots, the min- and max-hugepage-count
// snapshots, the minimum free and free-backed page counts observed, and
// any subrelease activity during the epoch (spec section 4.3).
type FillerEpochEntry struct {
	hasData bool

	minDemand    FillerStats
	maxDemand    FillerStats
	minHugePages FillerStats
	maxHugePages FillerStats

	minFreePages       hpage.Length
	minFreeBackedPages hpage.Length

	subrelease subreleaseCounters
}

type filerUpdateKind int

const (
	updateDemand filerUpdateKind = iota
	updateSubrelease
)

// filerUpdate is a tagged union standing in for the two kinds of report
// FillerStatsTracker folds into one TimeSeriesTracker instantiation: a
// demand sample after every Get/Put, or a subrelease outcome after every
// ReleaseCandidates batch. A single TimeSeriesTracker[Entry,Update] only
// has one Update type parameter, so both kinds share this struct with a
// kind discriminant rather than needing two distinct generic trackers
// with their own rotation/eviction bookkeeping.
type filerUpdate struct {
	kind filerUpdateKind

	stats FillerStats

	subreleasedPages hpage.Length
	brokenHugePages  int
	limitHit         bool
}

func foldFillerUpdate(e *FillerEpochEntry, u filerUpdate) {
	switch u.kind {
	case updateDemand:
		if !e.hasData {
			e.minDemand = u.stats
			e.maxDemand = u.stats
			e.minHugePages = u.stats
			e.maxHugePages = u.stats
			e.minFreePages = u.stats.FreePages
			e.minFreeBackedPages = u.stats.FreeBackedPages
			e.hasData = true
			return
		}
		if u.stats.UsedPages < e.minDemand.UsedPages {
			e.minDemand = u.stats
		}
		if u.stats.UsedPages > e.maxDemand.UsedPages {
			e.maxDemand = u.stats
		}
		if u.stats.NHugePages < e.minHugePages.NHugePages {
			e.minHugePages = u.stats
		}
		if u.stats.NHugePages > e.maxHugePages.NHugePages {
			e.maxHugePages = u.stats
		}
		if u.stats.FreePages < e.minFreePages {
			e.minFreePages = u.stats.FreePages
		}
		if u.stats.FreeBackedPages < e.minFreeBackedPages {
			e.minFreeBackedPages = u.stats.FreeBackedPages
		}
	case updateSubrelease:
		e.subrelease.NumPagesSubreleased = e.subrelease.NumPagesSubreleased.AddSaturating(u.subreleasedPages)
		if u.limitHit {
			e.subrelease.NumHugePagesBrokenDueToLimit += u.brokenHugePages
			e.subrelease.NumPagesSubreleasedDueToLimit = e.subrelease.NumPagesSubreleasedDueToLimit.AddSaturating(u.subreleasedPages)
		}
	}
}

// FillerStatsTracker is the rolling demand/subrelease history behind
// skip-subrelease decisions: a TimeSeriesTracker of FillerEpochEntry,
// reporting confirmed peaks to an optional
// SkippedSubreleaseCorrectnessTracker whenever an epoch rotates out.
type FillerStatsTracker struct {
	ts          *timeseries.TimeSeriesTracker[FillerEpochEntry, filerUpdate]
	epochLength int64
	correctness *SkippedSubreleaseCorrectnessTracker
}

// NewFillerStatsTracker constructs a FillerStatsTracker over the given
// number of epochs of epochLength clock ticks each. correctness may be
// nil if skip-subrelease correctness accounting is not needed.
func NewFillerStatsTracker(clock hpage.Clock, epochs int, epochLength int64, correctness *SkippedSubreleaseCorrectnessTracker) *FillerStatsTracker {
	t := &FillerStatsTracker{
		ts:          timeseries.New(clock, epochs, epochLength, foldFillerUpdate),
		epochLength: epochLength,
		correctness: correctness,
	}
	if correctness != nil {
		t.ts.SetRotateHook(func(completed *FillerEpochEntry) {
			if completed.hasData {
				correctness.ReportUpdatedPeak(completed.maxDemand.UsedPages)
			}
		})
	}
	return t
}

// ReportDemand folds a new demand sample into the current epoch.
func (t *FillerStatsTracker) ReportDemand(stats FillerStats) {
	t.ts.Report(filerUpdate{kind: updateDemand, stats: stats})
}

// ReportSubrelease folds a ReleaseCandidates outcome into the current
// epoch.
func (t *FillerStatsTracker) ReportSubrelease(pages hpage.Length, brokenHugePages int, limitHit bool) {
	t.ts.Report(filerUpdate{kind: updateSubrelease, subreleasedPages: pages, brokenHugePages: brokenHugePages, limitHit: limitHit})
}

func (t *FillerStatsTracker) epochsFor(intervalTicks int64) int {
	if intervalTicks <= 0 {
		return 0
	}
	n := int(intervalTicks / t.epochLength)
	if n > t.ts.Epochs() {
		n = t.ts.Epochs()
	}
	return n
}

// GetRecentPeak returns the maximum max-demand sample recorded across the
// last epochs epochs (including the current one).
func (t *FillerStatsTracker) GetRecentPeak(epochs int) hpage.Length {
	return hpage.Length(timeseries.WithinLastNEpochs(t.ts, epochs, func(e *FillerEpochEntry) int64 {
		return int64(e.maxDemand.UsedPages)
	}))
}

// MaxDemandFluctuation returns, for the last epochs epochs, the maximum
// observed per-epoch spread between max- and min-demand (the
// short_term_fluctuation term of GetDesiredSubreleasePages).
func (t *FillerStatsTracker) MaxDemandFluctuation(epochs int) hpage.Length {
	return hpage.Length(timeseries.WithinLastNEpochs(t.ts, epochs, func(e *FillerEpochEntry) int64 {
		return int64(e.maxDemand.UsedPages) - int64(e.minDemand.UsedPages)
	}))
}

// MaxMinDemand returns, for the last epochs epochs, the maximum of the
// per-epoch minimum demand (the long_term_trend term of
// GetDesiredSubreleasePages).
func (t *FillerStatsTracker) MaxMinDemand(epochs int) hpage.Length {
	return hpage.Length(timeseries.WithinLastNEpochs(t.ts, epochs, func(e *FillerEpochEntry) int64 {
		return int64(e.minDemand.UsedPages)
	}))
}

// AllTimeMaxDemand returns the maximum max-demand sample across every
// epoch still held in the ring.
func (t *FillerStatsTracker) AllTimeMaxDemand() hpage.Length {
	return t.GetRecentPeak(t.ts.Epochs())
}

// Current returns the in-progress epoch entry, primarily for tests and
// statistics dumps.
func (t *FillerStatsTracker) Current() *FillerEpochEntry { return t.ts.Current() }

// skipDecision is one recorded skip-subrelease choice, pending
// confirmation that the predicted demand materialized.
type skipDecision struct {
	pendingPages          hpage.Length
	correctlySkippedPages hpage.Length
	peakAtDecision        hpage.Length
	correctnessIntervalEpochs int
}

type skippedEpochEntry struct {
	decisions []skipDecision
}

func foldSkipDecision(e *skippedEpochEntry, u skipDecision) {
	e.decisions = append(e.decisions, u)
}

// SkippedSubreleaseCorrectnessTracker tracks whether past decisions to
// skip a subrelease were vindicated: a skip is "correct" once a later
// peak demand confirms the memory really was needed again within the
// decision's own correctness window (spec section 4.3).
type SkippedSubreleaseCorrectnessTracker struct {
	ts               *timeseries.TimeSeriesTracker[skippedEpochEntry, skipDecision]
	largestConfirmed hpage.Length
}

// NewSkippedSubreleaseCorrectnessTracker constructs a correctness tracker
// over the given number of epochs of epochLength clock ticks each.
func NewSkippedSubreleaseCorrectnessTracker(clock hpage.Clock, epochs int, epochLength int64) *SkippedSubreleaseCorrectnessTracker {
	return &SkippedSubreleaseCorrectnessTracker{
		ts: timeseries.New(clock, epochs, epochLength, foldSkipDecision),
	}
}

// ReportSkippedSubrelease records a new skip decision: pendingPages were
// left backed on the prediction that demand would return to
// peakAtDecision within correctnessIntervalEpochs epochs.
func (c *SkippedSubreleaseCorrectnessTracker) ReportSkippedSubrelease(pendingPages, peakAtDecision hpage.Length, correctnessIntervalEpochs int) {
	c.ts.Report(skipDecision{
		pendingPages:              pendingPages,
		peakAtDecision:            peakAtDecision,
		correctnessIntervalEpochs: correctnessIntervalEpochs,
	})
}

// ReportUpdatedPeak confirms pending skip decisions now that currentPeak
// demand has been observed: any still-open decision whose predicted peak
// falls in (largestConfirmed, currentPeak] and is still within its own
// correctness window moves from pending to correctly-skipped. The
// largest-confirmed watermark only ever advances.
func (c *SkippedSubreleaseCorrectnessTracker) ReportUpdatedPeak(currentPeak hpage.Length) {
	c.ts.ForEach(func(age int, e *skippedEpochEntry) bool {
		for i := range e.decisions {
			d := &e.decisions[i]
			if d.pendingPages == 0 {
				continue
			}
			if age > d.correctnessIntervalEpochs {
				continue
			}
			if d.peakAtDecision > c.largestConfirmed && d.peakAtDecision <= currentPeak {
				d.correctlySkippedPages = d.correctlySkippedPages.AddSaturating(d.pendingPages)
				d.pendingPages = 0
				c.largestConfirmed = d.peakAtDecision
			}
		}
		return true
	})
}

// PendingSkippedPages sums pages from skip decisions not yet confirmed
// correct.
func (c *SkippedSubreleaseCorrectnessTracker) PendingSkippedPages() hpage.Length {
	var total hpage.Length
	c.ts.ForEach(func(_ int, e *skippedEpochEntry) bool {
		for _, d := range e.decisions {
			total = total.AddSaturating(d.pendingPages)
		}
		return true
	})
	return total
}

// CorrectlySkippedPages sums pages from skip decisions confirmed correct.
func (c *SkippedSubreleaseCorrectnessTracker) CorrectlySkippedPages() hpage.Length {
	var total hpage.Length
	c.ts.ForEach(func(_ int, e *skippedEpochEntry) bool {
		for _, d := range e.decisions {
			total = total.AddSaturating(d.correctlySkippedPages)
		}
		return true
	})
	return total
}
