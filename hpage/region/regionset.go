package region

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/hpagefiller/hpage"
)

// UseHugeRegionMoreOften controls HugeRegionSet's auto-release-on-Put
// behavior (spec section 6).
type UseHugeRegionMoreOften int

const (
	// Default releases a huge page's backing as soon as MaybePut leaves
	// it entirely free.
	Default UseHugeRegionMoreOften = iota
	// UseForAllLargeAllocs defers release to periodic ReleasePages calls
	// instead of releasing eagerly on every Put.
	UseForAllLargeAllocs
)

// regionNode is an intrusive doubly-linked list element wrapping one
// HugeRegion, grounded on vam/dedicated_list.go's allocationListHead/Tail
// + next/prev pattern.
type regionNode struct {
	region *HugeRegion
	prev   *regionNode
	next   *regionNode
}

// HugeRegionSet is an intrusive doubly-linked list of regions sorted by
// longest_free ascending (spec section 4.5): the most-fragmented region
// that still fits an allocation is preferred, concentrating
// fragmentation into as few regions as possible.
type HugeRegionSet struct {
	moreOften UseHugeRegionMoreOften

	head  *regionNode
	tail  *regionNode
	count int
}

// NewSet constructs an empty HugeRegionSet.
func NewSet(moreOften UseHugeRegionMoreOften) *HugeRegionSet {
	return &HugeRegionSet{moreOften: moreOften}
}

// Len returns the number of regions currently in the set.
func (s *HugeRegionSet) Len() int { return s.count }

func (s *HugeRegionSet) insertAfter(at *regionNode, n *regionNode) {
	if at == nil {
		n.next = s.head
		if s.head != nil {
			s.head.prev = n
		} else {
			s.tail = n
		}
		s.head = n
		return
	}
	n.prev = at
	n.next = at.next
	if at.next != nil {
		at.next.prev = n
	} else {
		s.tail = n
	}
	at.next = n
}

func (s *HugeRegionSet) unlink(n *regionNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// insertSorted inserts n at the position that keeps the list sorted by
// ascending longest_free, scanning from the head.
func (s *HugeRegionSet) insertSorted(n *regionNode) {
	if s.head == nil {
		s.head, s.tail = n, n
		s.count++
		return
	}
	var prev *regionNode
	cur := s.head
	for cur != nil && cur.region.LongestFreeRange() <= n.region.LongestFreeRange() {
		prev = cur
		cur = cur.next
	}
	s.insertAfter(prev, n)
	s.count++
}

// Contribute inserts region into its sorted position.
func (s *HugeRegionSet) Contribute(r *HugeRegion) {
	s.insertSorted(&regionNode{region: r})
}

func (s *HugeRegionSet) findNode(r *HugeRegion) *regionNode {
	for n := s.head; n != nil; n = n.next {
		if n.region == r {
			return n
		}
	}
	return nil
}

// fix restores sort order around n after its region's longest_free may
// have changed, by bubbling it toward the correct position (rise if it
// grew past its successor, fall if it shrank past its predecessor).
func (s *HugeRegionSet) fix(n *regionNode) {
	free := n.region.LongestFreeRange()
	for n.next != nil && n.next.region.LongestFreeRange() < free {
		next := n.next
		s.unlink(n)
		s.insertAfter(next, n)
	}
	for n.prev != nil && n.prev.region.LongestFreeRange() > free {
		prev := n.prev
		s.unlink(n)
		if prev.prev == nil {
			s.insertAfter(nil, n)
		} else {
			s.insertAfter(prev.prev, n)
		}
	}
}

// MaybeGet scans regions in order, returning the first allocation that
// succeeds, then re-sorts that region's new position.
func (s *HugeRegionSet) MaybeGet(n int) (region *HugeRegion, page hpage.PageID, fromReleased bool, ok bool) {
	for node := s.head; node != nil; node = node.next {
		if p, fr, got := node.region.MaybeGet(n); got {
			s.fix(node)
			return node.region, p, fr, true
		}
	}
	return nil, 0, false, false
}

// MaybePut returns [page, page+n) to whichever region contains page.
// Release behavior follows the configured UseHugeRegionMoreOften policy:
// Default releases eagerly, UseForAllLargeAllocs defers to ReleasePages.
func (s *HugeRegionSet) MaybePut(page hpage.PageID, n int) bool {
	release := s.moreOften == Default
	for node := s.head; node != nil; node = node.next {
		if !node.region.Contains(page) {
			continue
		}
		node.region.Put(page, n, release)
		s.fix(node)
		return true
	}
	return false
}

// ReleasePages releases fraction of every region's free-and-backed huge
// pages, returning the total small pages freed.
func (s *HugeRegionSet) ReleasePages(fraction float64) hpage.Length {
	var total hpage.Length
	for node := s.head; node != nil; node = node.next {
		released := node.region.Release(fraction)
		total = total.AddSaturating(released.InPages())
	}
	return total
}

// ForEach walks every region in sorted order.
func (s *HugeRegionSet) ForEach(fn func(*HugeRegion)) {
	for node := s.head; node != nil; node = node.next {
		fn(node.region)
	}
}

// Validate checks invariant P6 of spec section 8: the list is sorted
// ascending by longest_free after every operation.
func (s *HugeRegionSet) Validate() error {
	count := 0
	prevFree := -1
	for node := s.head; node != nil; node = node.next {
		count++
		free := node.region.LongestFreeRange()
		if free < prevFree {
			return errors.Newf("region: set not sorted ascending by longest_free: %d before %d", prevFree, free)
		}
		prevFree = free
		if err := node.region.Validate(); err != nil {
			return err
		}
	}
	if count != s.count {
		return errors.Newf("region: set count mismatch: tracked %d, counted %d", s.count, count)
	}
	return nil
}
