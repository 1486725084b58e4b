package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/hpagefiller/hpage"
)

func alwaysUnback(addr uintptr, length uintptr) bool { return true }
func neverUnback(addr uintptr, length uintptr) bool  { return false }

func TestNewTrackerStartsEmptyAndUnbroken(t *testing.T) {
	tr := New(hpage.HugePage(3), 32, false)
	require.Equal(t, hpage.HugePage(3), tr.Location())
	require.Equal(t, 32, tr.LongestFreeRange())
	require.True(t, tr.Empty())
	require.False(t, tr.Released())
	require.True(t, tr.Unbroken())
	require.NoError(t, tr.Validate())
}

func TestTrackerGetPutRoundTrip(t *testing.T) {
	tr := New(hpage.HugePage(0), 32, false)
	page, unbacked := tr.Get(10)
	require.Equal(t, hpage.PageID(0), page)
	require.Equal(t, 0, unbacked)
	require.Equal(t, hpage.Length(10), tr.UsedPages())
	require.Equal(t, 22, tr.LongestFreeRange())

	tr.Put(page, 10)
	require.True(t, tr.Empty())
	require.Equal(t, 32, tr.LongestFreeRange())
	require.NoError(t, tr.Validate())
}

func TestTrackerGetPanicsWhenTooBig(t *testing.T) {
	tr := New(hpage.HugePage(0), 8, false)
	require.Panics(t, func() { tr.Get(9) })
}

func TestTrackerReleaseFreeMarksReleasedAndGetClearsIt(t *testing.T) {
	tr := New(hpage.HugePage(0), 16, false)
	page, _ := tr.Get(16)
	tr.Put(page, 16)

	released := tr.ReleaseFree(alwaysUnback)
	require.Equal(t, hpage.Length(16), released)
	require.Equal(t, hpage.Length(16), tr.ReleasedPages())
	require.True(t, tr.Released())
	require.False(t, tr.Unbroken())

	page2, previouslyUnbacked := tr.Get(4)
	require.Equal(t, hpage.PageID(0), page2)
	require.Equal(t, 4, previouslyUnbacked)
	require.Equal(t, hpage.Length(12), tr.ReleasedPages())
	require.NoError(t, tr.Validate())
}

func TestTrackerReleasedStaysTrueAfterFreeingBackedTail(t *testing.T) {
	// Regression test for the Released() fix: it must report true as soon
	// as any page is released, not only when every free page is released.
	tr := New(hpage.HugePage(0), 16, false)
	tr.Get(16)
	tr.Put(hpage.PageID(0), 8) // free the first half only
	released := tr.ReleaseFree(alwaysUnback)
	require.Equal(t, hpage.Length(8), released)
	require.Equal(t, tr.FreePages(), tr.ReleasedPages())

	tr.Put(hpage.PageID(8), 8) // free the second half, never released
	require.True(t, tr.FreePages() > tr.ReleasedPages())
	require.True(t, tr.Released())
}

func TestTrackerReleaseFreeFailureLeavesPagesUnreleased(t *testing.T) {
	tr := New(hpage.HugePage(0), 16, false)
	page, _ := tr.Get(16)
	tr.Put(page, 16)

	released := tr.ReleaseFree(neverUnback)
	require.Equal(t, hpage.Length(0), released)
	require.Equal(t, hpage.Length(0), tr.ReleasedPages())
	require.False(t, tr.Released())
	require.True(t, tr.Unbroken())
}

func TestTrackerSetAbandonedCountRequiresWasDonated(t *testing.T) {
	tr := New(hpage.HugePage(0), 16, false)
	require.Panics(t, func() { tr.SetAbandonedCount(1) })

	donated := New(hpage.HugePage(0), 16, true)
	require.NotPanics(t, func() { donated.SetAbandonedCount(2) })
	require.Equal(t, 2, donated.AbandonedCount())
}

func TestTrackerAddSpanStatsSplitsNormalAndReturned(t *testing.T) {
	tr := New(hpage.HugePage(0), 16, false)
	page, _ := tr.Get(16)
	tr.Put(page, 16)
	tr.ReleaseFree(alwaysUnback)
	tr.Get(4)

	var normal, returned hpage.SpanStats
	tr.AddSpanStats(&normal, &returned)
	require.Equal(t, 0, normal.Large.Count)
	for _, count := range normal.Small {
		require.Equal(t, 0, count)
	}
	require.Equal(t, 1, returned.Small[12])
}

func TestTrackerOffsetOutOfRangePanics(t *testing.T) {
	tr := New(hpage.HugePage(2), 16, false)
	require.Panics(t, func() { tr.Put(hpage.PageID(0), 4) })
}
