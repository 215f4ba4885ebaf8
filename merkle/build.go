package merkle

import (
	"sort"

	"github.com/kvtrie/pagetrie/trie"
)

// Directive is one step of the depth-first sequence BuildTrie emits.
// Interpreting a Directive means: move up one level if Up is true, then
// walk down each bit in Down in order, then write Node at the resulting
// position. Up is always 0 or 1 steps — every directive corresponds to
// finishing exactly one recursive call in the underlying build, and a
// depth-first post-order traversal never needs to pop more than one
// frame between two consecutive writes. Down can hold more than one bit
// when the next write is the very first visit to a deep, previously
// untouched branch (e.g. a lone leaf several levels below the last
// written node).
type Directive struct {
	Up   bool
	Down []bool
	Node trie.Node
	// Internal carries the preimage of Node when it is an internal node
	// (nil for leaf/terminator writes). The walker needs the raw
	// left/right values, not just the hashed Node, to decide whether a
	// stale sibling slot must be explicitly zeroed.
	Internal *trie.InternalData
}

// BuildTrie is a pure function over a sorted (key, value) batch and a
// starting depth: it returns the minimal sub-trie root holding exactly
// those pairs, and, for every node written along the way, invokes
// emit with the directive needed to reach and write that node,
// interpreted relative to a cursor that starts (and ends) at depth.
// An empty ops slice yields a single directive writing trie.Terminator
// in place, deleting whatever was there.
//
// Kept free of any page-stack concerns so it can be tested (and reused
// by test helpers computing an "expected root") independently of
// Walker.
func BuildTrie(hasher trie.NodeHasher, depth int, ops []Op, emit func(Directive)) trie.Node {
	if len(ops) == 0 {
		emit(Directive{Node: trie.Terminator})
		return trie.Terminator
	}

	b := &trieBuilder{hasher: hasher, startDepth: depth, emit: emit}
	return b.build(nil, ops)
}

type trieBuilder struct {
	hasher     trie.NodeHasher
	startDepth int
	emit       func(Directive)
	cur        []bool
}

func (b *trieBuilder) build(relPath []bool, ops []Op) trie.Node {
	var node trie.Node
	if len(ops) == 1 {
		node = b.hasher.HashLeaf(&trie.LeafData{KeyPath: ops[0].KeyPath, ValueHash: ops[0].ValueHash})
	} else {
		splitBit := b.startDepth + len(relPath)
		idx := sort.Search(len(ops), func(i int) bool {
			return trie.BitAt(ops[i].KeyPath, splitBit)
		})
		leftOps, rightOps := ops[:idx], ops[idx:]

		left, right := trie.Terminator, trie.Terminator
		if len(leftOps) > 0 {
			left = b.build(appendBit(relPath, false), leftOps)
		}
		if len(rightOps) > 0 {
			right = b.build(appendBit(relPath, true), rightOps)
		}
		internal := &trie.InternalData{Left: left, Right: right}
		node = b.hasher.HashInternal(internal)
		b.moveAndEmit(relPath, node, internal)
		return node
	}

	b.moveAndEmit(relPath, node, nil)
	return node
}

func (b *trieBuilder) moveAndEmit(target []bool, node trie.Node, internal *trie.InternalData) {
	shared := commonPrefixLen(b.cur, target)
	up := len(b.cur) > shared
	down := append([]bool(nil), target[shared:]...)
	b.emit(Directive{Up: up, Down: down, Node: node, Internal: internal})
	b.cur = target
}

func appendBit(path []bool, bit bool) []bool {
	next := make([]bool, len(path)+1)
	copy(next, path)
	next[len(path)] = bit
	return next
}

func commonPrefixLen(a, b []bool) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
