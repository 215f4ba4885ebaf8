package pageid

// TriePosition is a cursor over the binary hash-trie: the bits walked so
// far plus the current depth. It is a pure value type — copying a
// TriePosition is always safe and cheap.
type TriePosition struct {
	path  [32]byte
	depth int
}

// NewTriePosition returns the root position (depth 0, empty path).
func NewTriePosition() TriePosition {
	return TriePosition{}
}

// FromPathAndDepth builds a position directly from a path and depth.
// Bits at index >= depth are not meaningful and are not read by any
// method below.
func FromPathAndDepth(path [32]byte, depth int) TriePosition {
	return TriePosition{path: path, depth: depth}
}

// Depth returns the number of bits walked from the root.
func (p TriePosition) Depth() int { return p.depth }

// Path returns the raw 256-bit buffer; only the first Depth() bits are
// meaningful.
func (p TriePosition) Path() [32]byte { return p.path }

// IsRoot reports whether p is the trie root.
func (p TriePosition) IsRoot() bool { return p.depth == 0 }

func setBit(path *[32]byte, pos int, bit bool) {
	mask := byte(1) << (7 - uint(pos%8))
	if bit {
		path[pos/8] |= mask
	} else {
		path[pos/8] &^= mask
	}
}

func getBit(path [32]byte, pos int) bool {
	return (path[pos/8]>>(7-uint(pos%8)))&1 == 1
}

// Down appends bit to the path, advancing one level deeper.
func (p TriePosition) Down(bit bool) TriePosition {
	next := p
	setBit(&next.path, next.depth, bit)
	next.depth++
	return next
}

// Up trims k trailing bits, moving k levels toward the root. Panics if k
// exceeds the current depth.
func (p TriePosition) Up(k int) TriePosition {
	if k > p.depth {
		panic("pageid: Up steps past the root")
	}
	next := p
	for i := 0; i < k; i++ {
		next.depth--
		setBit(&next.path, next.depth, false)
	}
	return next
}

// Sibling flips the last bit walked, moving to the other child of the
// immediate parent. Panics at the root, which has no sibling.
func (p TriePosition) Sibling() TriePosition {
	if p.depth == 0 {
		panic("pageid: root position has no sibling")
	}
	next := p
	setBit(&next.path, next.depth-1, !getBit(p.path, p.depth-1))
	return next
}

// PeekLastBit returns the bit most recently walked into this position.
// Panics at the root.
func (p TriePosition) PeekLastBit() bool {
	if p.depth == 0 {
		panic("pageid: root position has no last bit")
	}
	return getBit(p.path, p.depth-1)
}

// SharedDepth returns the length of the common bit-prefix between p and
// other.
func (p TriePosition) SharedDepth(other TriePosition) int {
	limit := p.depth
	if other.depth < limit {
		limit = other.depth
	}
	for i := 0; i < limit; i++ {
		if getBit(p.path, i) != getBit(other.path, i) {
			return i
		}
	}
	return limit
}

// Less implements the total order over positions: path bits compared
// lexicographically as a bit-string, with a strict prefix sorting before
// its extensions.
func (p TriePosition) Less(other TriePosition) bool {
	shared := p.SharedDepth(other)
	if shared < p.depth && shared < other.depth {
		return !getBit(p.path, shared) && getBit(other.path, shared)
	}
	return p.depth < other.depth
}

// DepthInPage returns the 1-indexed depth of p within its containing
// page, in [1, DEPTH]. Only meaningful when Depth() > 0.
func (p TriePosition) DepthInPage() int {
	if p.depth == 0 {
		return 0
	}
	return ((p.depth - 1) % DEPTH) + 1
}

// bitsValue reads `length` bits starting at `start` as an unsigned
// integer, most-significant bit first.
func bitsValue(path [32]byte, start, length int) int {
	v := 0
	for i := 0; i < length; i++ {
		bit := 0
		if getBit(path, start+i) {
			bit = 1
		}
		v = (v << 1) | bit
	}
	return v
}

// NodeIndex returns the slot index, within the containing page, of the
// node at this position. Valid only when Depth() > 0.
func (p TriePosition) NodeIndex() int {
	d := p.DepthInPage()
	pageStart := p.depth - d
	base := (1 << uint(d)) - 2
	offset := bitsValue(p.path, pageStart, d)
	return base + offset
}

// SiblingIndex returns the slot index of the sibling of the node at this
// position; siblings always occupy adjacent array slots.
func (p TriePosition) SiblingIndex() int {
	return p.NodeIndex() ^ 1
}

// PageId returns the id of the page containing this position, and true,
// unless the position is the trie root (depth 0), which lives outside
// any page.
func (p TriePosition) PageId() (PageId, bool) {
	if p.depth == 0 {
		return PageId{}, false
	}
	levels := (p.depth - 1) / DEPTH
	id := RootPageId
	for level := 0; level < levels; level++ {
		idx := ChildPageIndex(bitsValue(p.path, level*DEPTH, DEPTH))
		var err error
		id, err = id.ChildPageId(idx)
		if err != nil {
			panic(err)
		}
	}
	return id, true
}

// ChildPageIndex returns which of the 2^DEPTH child pages this position
// descends into when a Down call crosses a page boundary. Only
// meaningful when DepthInPage() == DEPTH.
func (p TriePosition) ChildPageIndex() ChildPageIndex {
	pageStart := p.depth - DEPTH
	return ChildPageIndex(bitsValue(p.path, pageStart, DEPTH))
}
