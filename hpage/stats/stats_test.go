package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/filler"
	"github.com/vkngwrapper/hpagefiller/hpage/region"
	"github.com/vkngwrapper/hpagefiller/hpage/tracker"
)

type fakeClock struct {
	now  int64
	freq int64
}

func (c *fakeClock) Now() int64  { return c.now }
func (c *fakeClock) Freq() int64 { return c.freq }

func alwaysUnback(addr uintptr, length uintptr) bool { return true }

func newTestFiller(t *testing.T) *filler.HugePageFiller {
	t.Helper()
	f, err := filler.NewHugePageFiller(filler.FillerOptions{
		ChunksPerAlloc: 4,
		Unback:         alwaysUnback,
		Clock:          &fakeClock{now: 0, freq: 1000},
	})
	require.NoError(t, err)
	return f
}

func TestPrintIncludesSizeAndAllocatedPages(t *testing.T) {
	f := newTestFiller(t)
	tr := tracker.New(hpage.HugePage(0), int(hpage.PagesPerHugePage), false)
	tr.Get(1) // a tracker must already have an allocation before it enters the filler
	f.Contribute(tr, filler.Sparse, false)
	f.TryGet(10, filler.SpanInfo{Density: filler.Sparse})

	var sb strings.Builder
	Print(&sb, f)
	out := sb.String()
	require.Contains(t, out, "1 total huge pages")
	require.Contains(t, out, "11 pages allocated") // 1 (initial) + 10
}

func TestPrintInPbtxtWritesExpectedFields(t *testing.T) {
	f := newTestFiller(t)
	tr := tracker.New(hpage.HugePage(0), int(hpage.PagesPerHugePage), false)
	tr.Get(1)
	f.Contribute(tr, filler.Sparse, false)

	var sb strings.Builder
	PrintInPbtxt(&sb, f)
	out := sb.String()
	require.Contains(t, out, "filler_huge_pages: 1")
	require.Contains(t, out, "filler_used_pages_sparse:")
	require.Contains(t, out, "filler_peak_demand_pages:")
}

func TestPrintRegionSetIncludesBackedCount(t *testing.T) {
	s := region.NewSet(region.Default)
	r := region.New(hpage.HugeRange{Start: 0, Length: 1}, alwaysUnback, &fakeClock{now: 0, freq: 1000})
	s.Contribute(r)
	r.MaybeGet(10)

	var sb strings.Builder
	PrintRegionSet(&sb, s)
	out := sb.String()
	require.Contains(t, out, "1 regions")
	require.Contains(t, out, "1 huge pages backed")
}

func TestPrintRegionSetInPbtxtWritesExpectedFields(t *testing.T) {
	s := region.NewSet(region.Default)
	r := region.New(hpage.HugeRange{Start: 0, Length: 1}, alwaysUnback, &fakeClock{now: 0, freq: 1000})
	s.Contribute(r)

	var sb strings.Builder
	PrintRegionSetInPbtxt(&sb, s)
	out := sb.String()
	require.Contains(t, out, "region_set {")
	require.Contains(t, out, "region_count: 1")
	require.Contains(t, out, "region_huge_pages_backed:")
}
