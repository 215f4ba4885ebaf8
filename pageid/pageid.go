// Package pageid addresses the page tree: the 4 KiB-page-granular
// overlay on top of the 256-bit binary hash-trie. Every DEPTH levels of
// the trie are packed into one page; PageId names a page by the chain of
// child indices chosen at each page boundary on the way down from the
// root page.
package pageid

import (
	"errors"
	"fmt"
)

// DEPTH is the number of trie levels held inside a single page.
const DEPTH = 6

// childrenPerPage is the number of child pages reachable from the bottom
// row of a page: 2^DEPTH.
const childrenPerPage = 1 << DEPTH

// maxPageTreeDepth bounds PageId length: a 256-bit key path can cross at
// most ceil(256/DEPTH) page boundaries.
const maxPageTreeDepth = (256 + DEPTH - 1) / DEPTH

// ErrPageIdOverflow is returned when a PageId would need to address
// beyond the maximum key length.
var ErrPageIdOverflow = errors.New("pageid: depth exceeds maximum page-tree depth")

// ChildPageIndex selects one of the childrenPerPage pages reachable from
// the bottom row of a page.
type ChildPageIndex uint8

// NewChildPageIndex validates v as a child-page index.
func NewChildPageIndex(v uint8) (ChildPageIndex, error) {
	if int(v) >= childrenPerPage {
		return 0, fmt.Errorf("pageid: child index %d out of range [0,%d)", v, childrenPerPage)
	}
	return ChildPageIndex(v), nil
}

// PageId is a variable-length address in the page tree. The zero value
// is ROOT_PAGE_ID.
type PageId struct {
	path []uint8
}

// RootPageId is the canonical id of the page holding the trie's topmost
// DEPTH levels.
var RootPageId = PageId{}

// IsRoot reports whether id is the root page id.
func (id PageId) IsRoot() bool {
	return len(id.path) == 0
}

// Depth is the number of page-tree levels consumed to reach id; the root
// page has depth 0.
func (id PageId) Depth() int {
	return len(id.path)
}

// ChildIndexAtLevel returns the child index chosen at page-tree level
// `level` (0-indexed, 0 is the index chosen directly below the root).
func (id PageId) ChildIndexAtLevel(level int) ChildPageIndex {
	return ChildPageIndex(id.path[level])
}

// ParentPageId returns the page one level up. Panics on the root page,
// matching the walker's convention that this is always checked by the
// caller first (see merkle assertPageInScope).
func (id PageId) ParentPageId() PageId {
	if id.IsRoot() {
		panic("pageid: root page has no parent")
	}
	parent := make([]uint8, len(id.path)-1)
	copy(parent, id.path[:len(id.path)-1])
	return PageId{path: parent}
}

// ChildPageId returns the id of the child page reachable via idx.
func (id PageId) ChildPageId(idx ChildPageIndex) (PageId, error) {
	if len(id.path)+1 > maxPageTreeDepth {
		return PageId{}, ErrPageIdOverflow
	}
	child := make([]uint8, len(id.path)+1)
	copy(child, id.path)
	child[len(id.path)] = uint8(idx)
	return PageId{path: child}, nil
}

// IsDescendantOf reports whether id is a strict descendant of other.
func (id PageId) IsDescendantOf(other PageId) bool {
	if len(id.path) <= len(other.path) {
		return false
	}
	for i := range other.path {
		if id.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// Equal reports whether id and other address the same page.
func (id PageId) Equal(other PageId) bool {
	if len(id.path) != len(other.path) {
		return false
	}
	for i := range id.path {
		if id.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// Encode returns the canonical byte encoding of id: one byte per
// page-tree level, each holding a child index in [0, childrenPerPage).
func (id PageId) Encode() []byte {
	out := make([]byte, len(id.path))
	copy(out, id.path)
	return out
}

// DecodePageId rebuilds a PageId from bytes produced by Encode.
func DecodePageId(b []byte) (PageId, error) {
	path := make([]uint8, len(b))
	for i, v := range b {
		if int(v) >= childrenPerPage {
			return PageId{}, fmt.Errorf("pageid: decoded index %d out of range", v)
		}
		path[i] = v
	}
	return PageId{path: path}, nil
}

func (id PageId) String() string {
	return fmt.Sprintf("%v", id.path)
}

// PageIdsIterator yields the chain of page ids a key path descends
// through, starting at RootPageId, one per DEPTH bits of the key.
type PageIdsIterator struct {
	key  [32]byte
	next PageId
	bit  int
	done bool
}

// NewPageIdsIterator constructs an iterator over the page-id chain for
// keyPath, starting at the root page.
func NewPageIdsIterator(keyPath [32]byte) *PageIdsIterator {
	return &PageIdsIterator{key: keyPath, next: RootPageId}
}

// Next returns the next page id in the chain, or false once the key
// path's full 256 bits have been consumed.
func (it *PageIdsIterator) Next() (PageId, bool) {
	if it.done {
		return PageId{}, false
	}
	cur := it.next
	if it.bit+DEPTH > 256 {
		it.done = true
		return cur, true
	}
	idx := childIndexFromPath(it.key, it.bit)
	child, err := cur.ChildPageId(idx)
	if err != nil {
		it.done = true
		return cur, true
	}
	it.next = child
	it.bit += DEPTH
	return cur, true
}

func childIndexFromPath(path [32]byte, startBit int) ChildPageIndex {
	var v uint8
	for i := 0; i < DEPTH; i++ {
		bitPos := startBit + i
		bit := (path[bitPos/8] >> (7 - uint(bitPos%8))) & 1
		v = (v << 1) | bit
	}
	return ChildPageIndex(v)
}
