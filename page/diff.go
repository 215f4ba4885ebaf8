package page

import "github.com/bits-and-blooms/bitset"

// PageDiff is a compact record of which of a page's NumSlots node slots
// were touched during an update, plus a sticky "cleared" flag meaning
// the whole page is logically deleted. The slot bits live in a
// fixed-universe membership bitmap over the 126 slots.
type PageDiff struct {
	slots   *bitset.BitSet
	cleared bool
}

// NewPageDiff returns an empty, not-cleared diff.
func NewPageDiff() PageDiff {
	return PageDiff{slots: bitset.New(NumSlots)}
}

func (d *PageDiff) ensure() {
	if d.slots == nil {
		d.slots = bitset.New(NumSlots)
	}
}

// SetChanged marks slot i as touched. Touching any slot clears a sticky
// "cleared" flag set by an earlier SetCleared call within the same
// walk — a page that was transiently emptied and then repopulated must
// end the walk with Cleared() == false.
func (d *PageDiff) SetChanged(i int) {
	d.ensure()
	d.slots.Set(uint(i))
	d.cleared = false
}

// Changed reports whether slot i was touched.
func (d PageDiff) Changed(i int) bool {
	if d.slots == nil {
		return false
	}
	return d.slots.Test(uint(i))
}

// SetCleared marks the page as logically deleted. Sticky until the next
// SetChanged call.
func (d *PageDiff) SetCleared() {
	d.cleared = true
}

// Cleared reports whether the page is logically deleted.
func (d PageDiff) Cleared() bool {
	return d.cleared
}

// Empty reports whether no slots were touched and the page was not
// cleared.
func (d PageDiff) Empty() bool {
	return !d.cleared && (d.slots == nil || d.slots.None())
}

// Join returns the union of d and other: the set of touched slots
// merges, and cleared dominates (if either is cleared, the result is
// cleared).
func (d PageDiff) Join(other PageDiff) PageDiff {
	out := NewPageDiff()
	if d.slots != nil {
		out.slots = out.slots.Union(d.slots)
	}
	if other.slots != nil {
		out.slots = out.slots.Union(other.slots)
	}
	out.cleared = d.cleared || other.cleared
	return out
}

// Clone returns an independent copy of d.
func (d PageDiff) Clone() PageDiff {
	out := PageDiff{cleared: d.cleared}
	if d.slots != nil {
		out.slots = d.slots.Clone()
	} else {
		out.slots = bitset.New(NumSlots)
	}
	return out
}
