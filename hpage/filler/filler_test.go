package filler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/tracker"
)

type fakeClock struct {
	now  int64
	freq int64
}

func (c *fakeClock) Now() int64  { return c.now }
func (c *fakeClock) Freq() int64 { return c.freq }

func alwaysUnback(addr uintptr, length uintptr) bool { return true }

func newTestFiller(t *testing.T) *HugePageFiller {
	t.Helper()
	f, err := NewHugePageFiller(FillerOptions{
		ChunksPerAlloc: 4,
		Unback:         alwaysUnback,
		Clock:          &fakeClock{now: 0, freq: 1000},
	})
	require.NoError(t, err)
	return f
}

// contributeFresh builds a tracker for huge page loc and contributes it
// to f, first taking a single-page allocation from it: HugePageFiller's
// hinted lists never hold a fully-free tracker (ListFor/IndexFor's
// ground-truth invariant is longest_free_range < P), matching how a
// real caller always pulls its first allocation from a huge page before
// handing it to the filler.
func contributeFresh(f *HugePageFiller, loc hpage.HugePage) *tracker.PageTracker {
	tr := tracker.New(loc, int(hpage.PagesPerHugePage), false)
	tr.Get(1)
	f.Contribute(tr, Sparse, false)
	return tr
}

func TestNewHugePageFillerValidatesChunksPerAlloc(t *testing.T) {
	_, err := NewHugePageFiller(FillerOptions{ChunksPerAlloc: 0, Unback: alwaysUnback, Clock: &fakeClock{freq: 1}})
	require.Error(t, err)

	_, err = NewHugePageFiller(FillerOptions{ChunksPerAlloc: 17, Unback: alwaysUnback, Clock: &fakeClock{freq: 1}})
	require.Error(t, err)
}

func TestNewHugePageFillerRequiresCollaborators(t *testing.T) {
	_, err := NewHugePageFiller(FillerOptions{ChunksPerAlloc: 4, Clock: &fakeClock{freq: 1}})
	require.Error(t, err)

	_, err = NewHugePageFiller(FillerOptions{ChunksPerAlloc: 4, Unback: alwaysUnback})
	require.Error(t, err)
}

func TestContributeThenTryGetRoundTrip(t *testing.T) {
	f := newTestFiller(t)
	contributeFresh(f, 0)
	require.Equal(t, 1, f.Size())

	page, fromReleased, ok := f.TryGet(10, SpanInfo{Density: Sparse})
	require.True(t, ok)
	require.False(t, fromReleased)
	require.Equal(t, hpage.PageID(1), page)
	require.Equal(t, hpage.Length(11), f.PagesAllocated(Sparse))
	require.NoError(t, f.Validate())
}

func TestTryGetFailsWhenNothingFits(t *testing.T) {
	f := newTestFiller(t)
	_, _, ok := f.TryGet(10, SpanInfo{Density: Sparse})
	require.False(t, ok)
}

func TestTryGetPanicsOutOfRange(t *testing.T) {
	f := newTestFiller(t)
	require.Panics(t, func() { f.TryGet(0, SpanInfo{}) })
	require.Panics(t, func() { f.TryGet(int(hpage.PagesPerHugePage)+1, SpanInfo{}) })
}

func TestPutReturnsFullyFreedTracker(t *testing.T) {
	f := newTestFiller(t)
	tr := contributeFresh(f, 0) // page 0 already used
	rest, _, ok := f.TryGet(int(hpage.PagesPerHugePage)-1, SpanInfo{Density: Sparse})
	require.True(t, ok)

	freed := f.Put(tr, rest, int(hpage.PagesPerHugePage)-1, Sparse)
	require.Nil(t, freed) // page 0 is still used, tracker isn't fully free yet

	freed = f.Put(tr, hpage.PageID(0), 1, Sparse)
	require.Same(t, tr, freed)
	require.Equal(t, 0, f.Size())
	require.NoError(t, f.Validate())
}

func TestPutOfPartialAllocationReturnsNilAndRebins(t *testing.T) {
	f := newTestFiller(t)
	tr := contributeFresh(f, 0)
	first, _, ok := f.TryGet(10, SpanInfo{Density: Sparse})
	require.True(t, ok)
	_, _, ok = f.TryGet(20, SpanInfo{Density: Sparse})
	require.True(t, ok)

	freed := f.Put(tr, first, 10, Sparse)
	require.Nil(t, freed)
	require.Equal(t, 1, f.Size())
	require.Equal(t, hpage.Length(21), f.PagesAllocated(Sparse)) // 1 (initial) + 20
	require.NoError(t, f.Validate())
}

func TestContributeDonatedRequiresWasDonatedAndSparse(t *testing.T) {
	f := newTestFiller(t)
	regular := tracker.New(hpage.HugePage(0), int(hpage.PagesPerHugePage), false)
	require.Panics(t, func() { f.Contribute(regular, Sparse, true) })

	// A donated tracker always carries the prior allocation that earned
	// it donated status, so it is never fully free either.
	donated := tracker.New(hpage.HugePage(1), int(hpage.PagesPerHugePage), true)
	donated.Get(1)
	require.NotPanics(t, func() { f.Contribute(donated, Sparse, true) })
	require.Equal(t, 1, f.Size())
	require.NoError(t, f.Validate())
}

func TestReleasePagesMovesFreeToUnmapped(t *testing.T) {
	f := newTestFiller(t)
	tr := contributeFresh(f, 0)
	page, _, ok := f.TryGet(10, SpanInfo{Density: Sparse})
	require.True(t, ok)
	_ = page

	released := f.ReleasePages(hpage.Length(100), SkipSubreleaseIntervals{}, false, false)
	require.True(t, released > 0)
	require.Equal(t, released, f.UnmappedPages())
	require.NoError(t, f.Validate())
	_ = tr
}

func TestReleasePagesIsBoundedByAvailableFreeSpace(t *testing.T) {
	f := newTestFiller(t)
	contributeFresh(f, 0)
	released := f.ReleasePages(hpage.Length(10_000), SkipSubreleaseIntervals{}, false, false)
	require.LessOrEqual(t, released, hpage.PagesPerHugePage)
	require.NoError(t, f.Validate())
}

func TestTryGetPrefersRegularOverDonated(t *testing.T) {
	f := newTestFiller(t)
	donated := tracker.New(hpage.HugePage(0), int(hpage.PagesPerHugePage), true)
	donated.Get(1)
	f.Contribute(donated, Sparse, true)
	contributeFresh(f, 1)

	page, _, ok := f.TryGet(5, SpanInfo{Density: Sparse})
	require.True(t, ok)
	require.True(t, page >= hpage.PageID(int(hpage.PagesPerHugePage)))
}

func TestSkipSubreleaseWithHighRecentPeakHoldsBack(t *testing.T) {
	f := newTestFiller(t)
	contributeFresh(f, 0)
	_, _, ok := f.TryGet(250, SpanInfo{Density: Sparse})
	require.True(t, ok)

	intervals := SkipSubreleaseIntervals{PeakInterval: 1000}
	released := f.ReleasePages(hpage.Length(6), intervals, false, false)
	require.LessOrEqual(t, released, hpage.Length(6))
	require.NoError(t, f.Validate())
}
