// Package stats implements the filler and region-set dump routines of
// spec section 6 ("Statistics surfaces"): a human-readable Print and a
// machine-readable PrintInPbtxt, both read-only over the accessors
// hpage/filler.HugePageFiller and hpage/region.HugeRegionSet already
// expose.
//
// Grounded on vam/block_list.go's PrintDetailedMap and
// vam/dedicated_list.go's BuildStatsString, which serialize allocator
// state the same way: plain accessor reads, no locking of their own
// (the caller is expected to already hold whatever lock guards the
// structure, matching this module's page-heap-lock convention).
package stats

import (
	"fmt"
	"io"

	"github.com/vkngwrapper/hpagefiller/hpage"
	"github.com/vkngwrapper/hpagefiller/hpage/filler"
	"github.com/vkngwrapper/hpagefiller/hpage/region"
)

// Print writes a human-readable summary of f's current state to w.
func Print(w io.Writer, f *filler.HugePageFiller) {
	fmt.Fprintf(w, "HugePageFiller: %d total huge pages\n", f.Size())
	fmt.Fprintf(w, "HugePageFiller: %d pages allocated (sparse), %d pages allocated (dense)\n",
		f.PagesAllocated(filler.Sparse), f.PagesAllocated(filler.Dense))
	fmt.Fprintf(w, "HugePageFiller: %d pages unmapped\n", f.UnmappedPages())
	fmt.Fprintf(w, "HugePageFiller: %d pages all-time peak demand\n", f.Stats().AllTimeMaxDemand())
}

// PrintRegionSet writes a human-readable summary of a HugeRegionSet's
// current state to w.
func PrintRegionSet(w io.Writer, s *region.HugeRegionSet) {
	var used, free hpage.Length
	var nbacked hpage.HugeLength
	s.ForEach(func(r *region.HugeRegion) {
		used = used.AddSaturating(r.UsedPages())
		free = free.AddSaturating(r.FreePages())
		nbacked += r.NBacked()
	})
	fmt.Fprintf(w, "HugeRegionSet: %d regions, %d huge pages backed\n", s.Len(), nbacked)
	fmt.Fprintf(w, "HugeRegionSet: %d pages used, %d pages free\n", used, free)
}
