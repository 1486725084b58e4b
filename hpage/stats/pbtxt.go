package stats

import (
	"fmt"
	"io"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/filler"
	"github.com/vkngwrapper/hpagefiller/hpage/region"
)

// PrintInPbtxt serializes f's counters as pbtxt (protobuf text format)
// "key: value" stanzas to w. Field names are a contract implementers
// must reproduce verbatim (spec section 6, "Statistics surfaces").
func PrintInPbtxt(w io.Writer, f *filler.HugePageFiller) {
	fmt.Fprintf(w, "filler_huge_pages: %d\n", f.Size())
	fmt.Fprintf(w, "filler_used_pages_sparse: %d\n", f.PagesAllocated(filler.Sparse))
	fmt.Fprintf(w, "filler_used_pages_dense: %d\n", f.PagesAllocated(filler.Dense))
	fmt.Fprintf(w, "filler_unmapped_pages: %d\n", f.UnmappedPages())
	fmt.Fprintf(w, "filler_peak_demand_pages: %d\n", f.Stats().AllTimeMaxDemand())
}

// PrintRegionSetInPbtxt serializes a HugeRegionSet's counters as pbtxt
// "key: value" stanzas to w, nested under a region_set sub-message the
// way PbtxtRegion::CreateSubRegion nests filler sub-stats.
func PrintRegionSetInPbtxt(w io.Writer, s *region.HugeRegionSet) {
	var usedPages, freePages hpage.Length
	var nbacked hpage.HugeLength
	s.ForEach(func(r *region.HugeRegion) {
		usedPages = usedPages.AddSaturating(r.UsedPages())
		freePages = freePages.AddSaturating(r.FreePages())
		nbacked += r.NBacked()
	})
	fmt.Fprintf(w, "region_set {\n")
	fmt.Fprintf(w, "  region_count: %d\n", s.Len())
	fmt.Fprintf(w, "  region_huge_pages_backed: %d\n", nbacked)
	fmt.Fprintf(w, "  region_used_pages: %d\n", usedPages)
	fmt.Fprintf(w, "  region_free_pages: %d\n", freePages)
	fmt.Fprintf(w, "}\n")
}
