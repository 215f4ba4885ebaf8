package merkle

import (
	"fmt"
	"sort"

	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

// BatchOp is one staged mutation in a commit batch: a put of
// (KeyPath, ValueHash), or, when Delete is set, the removal of
// KeyPath. Batches handed to Apply and ApplySharded must be sorted by
// KeyPath and duplicate-free.
type BatchOp struct {
	KeyPath   trie.KeyPath
	ValueHash trie.ValueHash
	Delete    bool
}

// LeafLookup resolves the preimage of the single leaf currently stored
// beneath prefix. The updater needs it when a batch lands on an
// existing leaf: the leaf node itself is only a hash, and replacing the
// terminal must carry the existing (key, value-hash) pair forward
// unless the batch overwrites or deletes it.
type LeafLookup func(prefix pageid.TriePosition) (trie.LeafData, bool)

// Apply partitions batch by the terminal nodes of the trie rooted at
// root and drives a single Walker over them left to right, one
// AdvanceAndReplace per terminal. It returns the walker's Output.
//
// Every page on the descent path to each touched terminal must already
// be present in ps; positions beneath an elided subtree require the
// caller to run ReconstructPages first. A missing page panics.
func Apply(hasher trie.NodeHasher, params Params, root trie.Node, ps pageset.PageSet, batch []BatchOp, lookup LeafLookup) Output {
	w := NewWalker(hasher, params, root, nil)
	a := &applier{walker: w, hasher: hasher, ps: ps, lookup: lookup}
	a.apply(pageid.NewTriePosition(), root, batch)
	return w.Conclude()
}

// applier is the shared descent used by Apply and the per-shard jobs of
// ApplySharded: walk the pre-state trie, split the batch at each
// internal node, and hand each terminal's slice to the walker.
type applier struct {
	walker *Walker
	hasher trie.NodeHasher
	ps     pageset.PageSet
	lookup LeafLookup
}

func (a *applier) apply(pos pageid.TriePosition, node trie.Node, batch []BatchOp) {
	if len(batch) == 0 {
		return
	}

	if a.hasher.IsInternal(node) {
		idx := sort.Search(len(batch), func(i int) bool {
			return trie.BitAt(batch[i].KeyPath, pos.Depth())
		})
		left, right := batch[:idx], batch[idx:]
		if len(left) > 0 {
			next := pos.Down(false)
			a.apply(next, a.readNode(next), left)
		}
		if len(right) > 0 {
			next := pos.Down(true)
			a.apply(next, a.readNode(next), right)
		}
		return
	}

	ops := a.mergeTerminal(pos, node, batch)
	if len(ops) == 0 && trie.IsTerminator(node) {
		// deleting beneath an empty subtree: nothing to replace.
		return
	}
	a.walker.AdvanceAndReplace(a.ps, pos, ops)
}

// mergeTerminal computes the final key set of the subtree rooted at a
// terminal: the batch's puts, plus the existing leaf (if any) unless the
// batch overwrites or deletes its key.
func (a *applier) mergeTerminal(pos pageid.TriePosition, node trie.Node, batch []BatchOp) []Op {
	var existing *trie.LeafData
	if a.hasher.IsLeaf(node) {
		if a.lookup == nil {
			panic("merkle: batch landed on an existing leaf but no LeafLookup was supplied")
		}
		leaf, ok := a.lookup(pos)
		if !ok {
			panic(fmt.Sprintf("merkle: no leaf preimage for terminal at depth %d", pos.Depth()))
		}
		existing = &leaf
	}

	keepExisting := existing != nil
	ops := make([]Op, 0, len(batch)+1)
	for _, op := range batch {
		if existing != nil && op.KeyPath == existing.KeyPath {
			keepExisting = false
		}
		if op.Delete {
			continue
		}
		ops = append(ops, Op{KeyPath: op.KeyPath, ValueHash: op.ValueHash})
	}
	if keepExisting {
		ops = append(ops, Op{KeyPath: existing.KeyPath, ValueHash: existing.ValueHash})
		sort.Slice(ops, func(i, j int) bool {
			return lessKeyPath(ops[i].KeyPath, ops[j].KeyPath)
		})
	}
	return ops
}

// readNode reads the pre-state node at pos from ps. The walker mutates
// only its own deep copies, so ps keeps serving pre-state values for
// the whole descent.
func (a *applier) readNode(pos pageid.TriePosition) trie.Node {
	id, ok := pos.PageId()
	if !ok {
		panic("merkle: readNode at the trie root")
	}
	p, _, found := a.ps.Get(id)
	if !found {
		panic(fmt.Sprintf("merkle: required page not present in page set: %v", id))
	}
	return p.Node(pos.NodeIndex())
}

func lessKeyPath(a, b trie.KeyPath) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LeafIndex is a sorted in-memory index of the leaves a trie currently
// holds, answering the LeafLookup and subtree-range queries the batch
// driver and the reconstruction pipeline need. Callers that already
// maintain a durable key index (a value store) supply their own
// LeafLookup instead.
type LeafIndex struct {
	ops []Op
}

// NewLeafIndex builds an index over ops, which need not be sorted.
func NewLeafIndex(ops []Op) *LeafIndex {
	sorted := append([]Op(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool {
		return lessKeyPath(sorted[i].KeyPath, sorted[j].KeyPath)
	})
	return &LeafIndex{ops: sorted}
}

// ApplyBatch folds a committed batch into the index.
func (ix *LeafIndex) ApplyBatch(batch []BatchOp) {
	for _, op := range batch {
		i := sort.Search(len(ix.ops), func(i int) bool {
			return !lessKeyPath(ix.ops[i].KeyPath, op.KeyPath)
		})
		found := i < len(ix.ops) && ix.ops[i].KeyPath == op.KeyPath
		switch {
		case op.Delete && found:
			ix.ops = append(ix.ops[:i], ix.ops[i+1:]...)
		case !op.Delete && found:
			ix.ops[i].ValueHash = op.ValueHash
		case !op.Delete:
			ix.ops = append(ix.ops, Op{})
			copy(ix.ops[i+1:], ix.ops[i:])
			ix.ops[i] = Op{KeyPath: op.KeyPath, ValueHash: op.ValueHash}
		}
	}
}

// Lookup implements LeafLookup: it returns the preimage of the single
// leaf stored beneath prefix, reporting false when the prefix holds
// zero or more than one key.
func (ix *LeafIndex) Lookup(prefix pageid.TriePosition) (trie.LeafData, bool) {
	lo, hi := ix.rangeUnder(prefix)
	if hi-lo != 1 {
		return trie.LeafData{}, false
	}
	return trie.LeafData{KeyPath: ix.ops[lo].KeyPath, ValueHash: ix.ops[lo].ValueHash}, true
}

// OpsUnder returns the full sorted key set stored beneath prefix, the
// shape ReconstructPages consumes.
func (ix *LeafIndex) OpsUnder(prefix pageid.TriePosition) []Op {
	lo, hi := ix.rangeUnder(prefix)
	return append([]Op(nil), ix.ops[lo:hi]...)
}

// Len returns the number of leaves indexed.
func (ix *LeafIndex) Len() int { return len(ix.ops) }

func (ix *LeafIndex) rangeUnder(prefix pageid.TriePosition) (int, int) {
	lower, upper := PrefixBounds(prefix)
	lo := sort.Search(len(ix.ops), func(i int) bool {
		return !lessKeyPath(ix.ops[i].KeyPath, lower)
	})
	hi := sort.Search(len(ix.ops), func(i int) bool {
		return lessKeyPath(upper, ix.ops[i].KeyPath)
	})
	return lo, hi
}

// PrefixBounds returns the smallest and largest 256-bit keys whose
// leading bits match prefix: the prefix bits followed by all zeros, and
// by all ones.
func PrefixBounds(prefix pageid.TriePosition) (lower, upper trie.KeyPath) {
	path := prefix.Path()
	depth := prefix.Depth()
	for i := 0; i < 32; i++ {
		bitsBefore := depth - i*8
		switch {
		case bitsBefore >= 8:
			lower[i] = path[i]
			upper[i] = path[i]
		case bitsBefore <= 0:
			lower[i] = 0x00
			upper[i] = 0xff
		default:
			mask := byte(0xff) << uint(8-bitsBefore)
			lower[i] = path[i] & mask
			upper[i] = (path[i] & mask) | ^mask
		}
	}
	return lower, upper
}
