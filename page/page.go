// Package page defines the fixed 4 KiB binary page layout: a contiguous
// slice of the binary hash-trie DEPTH levels deep, plus an
// ElidedChildren trailer recording which of its child pages have been
// collapsed away by the elision policy.
package page

import (
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/trie"
)

const (
	// Size is the fixed on-disk/in-memory footprint of a page.
	Size = 4096
	// NumSlots is the number of node slots a page holds: a full binary
	// sub-trie of depth pageid.DEPTH.
	NumSlots = (1 << uint(pageid.DEPTH+1)) - 2
	// elidedChildrenOffset is the byte offset of the 8-byte
	// ElidedChildren trailer, immediately following the node slots.
	elidedChildrenOffset = NumSlots * trie.NodeSize
	// elidedChildrenSize is the width of the trailer in bytes (64 bits,
	// one per possible child page).
	elidedChildrenSize = 8
)

// Page is an immutable 4 KiB slab. Readers may hold shared snapshots;
// mutation always goes through PageMut.
type Page struct {
	buf [Size]byte
}

// PageMut is the mutable variant used while building or editing a page.
// Freeze converts it into an immutable Page snapshot.
type PageMut struct {
	buf [Size]byte
}

// NewPageMut returns a pristine, zero-initialized page: every node slot
// reads as trie.Terminator and no children are elided.
func NewPageMut() PageMut {
	return PageMut{}
}

// Freeze returns an immutable snapshot of m's current contents.
func (m PageMut) Freeze() Page {
	return Page{buf: m.buf}
}

// Thaw returns a mutable deep copy of p, ready for in-place edits. The
// walker always acquires pages this way: PageSet.Get returns a shared
// Page, and the walker deep-copies before touching a single byte.
func (p Page) Thaw() PageMut {
	return PageMut{buf: p.buf}
}

// Node reads the node at slot i.
func (p Page) Node(i int) trie.Node {
	var n trie.Node
	copy(n[:], p.buf[i*trie.NodeSize:(i+1)*trie.NodeSize])
	return n
}

// Node reads the node at slot i.
func (m PageMut) Node(i int) trie.Node {
	var n trie.Node
	copy(n[:], m.buf[i*trie.NodeSize:(i+1)*trie.NodeSize])
	return n
}

// SetNode writes n into slot i.
func (m *PageMut) SetNode(i int, n trie.Node) {
	copy(m.buf[i*trie.NodeSize:(i+1)*trie.NodeSize], n[:])
}

// ElidedChildren reads the page's elided-children bitmap.
func (p Page) ElidedChildren() ElidedChildren {
	return ElidedChildren{bits: decodeUint64(p.buf[elidedChildrenOffset : elidedChildrenOffset+elidedChildrenSize])}
}

// ElidedChildren reads the page's elided-children bitmap.
func (m PageMut) ElidedChildren() ElidedChildren {
	return ElidedChildren{bits: decodeUint64(m.buf[elidedChildrenOffset : elidedChildrenOffset+elidedChildrenSize])}
}

// SetElidedChildren overwrites the page's elided-children bitmap.
func (m *PageMut) SetElidedChildren(e ElidedChildren) {
	encodeUint64(m.buf[elidedChildrenOffset:elidedChildrenOffset+elidedChildrenSize], e.bits)
}

// Bytes exposes the raw backing array, for the disk-backed PageSet's
// framing code.
func (p Page) Bytes() [Size]byte { return p.buf }

// FromBytes rebuilds a Page from a raw Size-byte buffer, e.g. one read
// off disk. The walker tolerates garbage in slots its traversal never
// reaches, so no validation beyond length happens here.
func FromBytes(buf [Size]byte) Page {
	return Page{buf: buf}
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

func encodeUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// ElidedChildren is a 64-bit bitmap, one bit per possible child page
// beneath this page's bottom row. It is exactly one machine word and
// serializes as the flat 8-byte trailer field, so it stays a plain
// uint64.
type ElidedChildren struct {
	bits uint64
}

// IsElided reports whether child idx has been elided.
func (e ElidedChildren) IsElided(idx pageid.ChildPageIndex) bool {
	return e.bits&(uint64(1)<<uint(idx)) != 0
}

// SetElided sets or clears the elision bit for child idx.
func (e *ElidedChildren) SetElided(idx pageid.ChildPageIndex, elided bool) {
	mask := uint64(1) << uint(idx)
	if elided {
		e.bits |= mask
	} else {
		e.bits &^= mask
	}
}
