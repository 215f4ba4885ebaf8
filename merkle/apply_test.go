package merkle

import (
	"math/rand"
	"testing"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

func randomKeyPath(rng *rand.Rand) trie.KeyPath {
	var kp trie.KeyPath
	rng.Read(kp[:])
	return kp
}

func sortBatch(batch []BatchOp) {
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && lessKeyPath(batch[j].KeyPath, batch[j-1].KeyPath); j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}
}

// applyAndPersist runs Apply and folds its output back into ps, the way
// a storage layer would between commits. Cleared pages are dropped from
// the set.
func applyAndPersist(t *testing.T, params Params, root trie.Node, ps *pageset.MemPageSet, batch []BatchOp, ix *LeafIndex) trie.Node {
	t.Helper()
	out := Apply(hasher, params, root, ps, batch, ix.Lookup)
	for _, up := range out.UpdatedPages {
		if up.Diff.Cleared() {
			ps.Remove(up.PageID)
			continue
		}
		ps.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
	}
	ix.ApplyBatch(batch)
	return out.Root
}

// Applying a batch at once must yield the same root as applying each of
// its ops through its own single-op commit.
func TestApplyEquivalentToIndividualOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	batch := make([]BatchOp, 0, 64)
	for i := 0; i < 64; i++ {
		batch = append(batch, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i + 1))})
	}
	sortBatch(batch)

	// elision is exercised separately; a threshold of 1 keeps every
	// populated page resident so single-op commits can descend freely.
	params := Params{ElisionThreshold: 1}

	psBatch := newTestPageSet()
	ixBatch := NewLeafIndex(nil)
	batchRoot := applyAndPersist(t, params, trie.Terminator, psBatch, batch, ixBatch)

	psSingle := newTestPageSet()
	ixSingle := NewLeafIndex(nil)
	root := trie.Terminator
	for _, op := range batch {
		root = applyAndPersist(t, params, root, psSingle, []BatchOp{op}, ixSingle)
	}

	if batchRoot != root {
		t.Fatalf("batch root %x != one-at-a-time root %x", batchRoot, root)
	}
}

// Re-applying the same batch over the state it produced must leave the
// root unchanged and emit pages whose diffs are empty or cleared-only.
func TestApplyIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	batch := make([]BatchOp, 0, 48)
	for i := 0; i < 48; i++ {
		batch = append(batch, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i + 1))})
	}
	sortBatch(batch)
	params := Params{ElisionThreshold: 1}

	ps := newTestPageSet()
	ix := NewLeafIndex(nil)
	root := applyAndPersist(t, params, trie.Terminator, ps, batch, ix)

	out := Apply(hasher, params, root, ps, batch, ix.Lookup)
	if out.Root != root {
		t.Fatalf("second apply moved the root: %x -> %x", root, out.Root)
	}
	for _, up := range out.UpdatedPages {
		if !up.Diff.Cleared() && !up.Diff.Empty() {
			t.Fatalf("second apply dirtied page %v", up.PageID)
		}
	}
}

// Deleting every key must collapse the trie back to the terminator and
// leave the page set empty of everything the walk had created.
func TestApplyDeleteAll(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	batch := make([]BatchOp, 0, 32)
	for i := 0; i < 32; i++ {
		batch = append(batch, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i + 1))})
	}
	sortBatch(batch)
	params := Params{ElisionThreshold: 1}

	ps := newTestPageSet()
	ix := NewLeafIndex(nil)
	root := applyAndPersist(t, params, trie.Terminator, ps, batch, ix)
	if trie.IsTerminator(root) {
		t.Fatalf("expected a non-empty root after inserts")
	}

	deletes := make([]BatchOp, len(batch))
	for i, op := range batch {
		deletes[i] = BatchOp{KeyPath: op.KeyPath, Delete: true}
	}
	root = applyAndPersist(t, params, root, ps, deletes, ix)

	if !trie.IsTerminator(root) {
		t.Fatalf("expected terminator root after deleting every key, got %x", root)
	}
	if ix.Len() != 0 {
		t.Fatalf("leaf index still holds %d keys", ix.Len())
	}
}

// A put landing on an existing leaf with a longer shared prefix must
// carry the old leaf's pair into the replacement.
func TestApplyMergesExistingLeaf(t *testing.T) {
	ps := newTestPageSet()
	ix := NewLeafIndex(nil)

	first := []BatchOp{{KeyPath: keyPath(0, 0, 1, 0), ValueHash: val(1)}}
	root := applyAndPersist(t, DefaultParams(), trie.Terminator, ps, first, ix)

	second := []BatchOp{{KeyPath: keyPath(0, 0, 1, 1), ValueHash: val(2)}}
	root = applyAndPersist(t, DefaultParams(), root, ps, second, ix)

	want := buildRoot(t, []Op{
		{KeyPath: keyPath(0, 0, 1, 0), ValueHash: val(1)},
		{KeyPath: keyPath(0, 0, 1, 1), ValueHash: val(2)},
	})
	if root != want {
		t.Fatalf("root mismatch after leaf merge: got %x want %x", root, want)
	}

	// overwriting the original key must not duplicate it.
	third := []BatchOp{{KeyPath: keyPath(0, 0, 1, 0), ValueHash: val(9)}}
	root = applyAndPersist(t, DefaultParams(), root, ps, third, ix)
	want = buildRoot(t, []Op{
		{KeyPath: keyPath(0, 0, 1, 0), ValueHash: val(9)},
		{KeyPath: keyPath(0, 0, 1, 1), ValueHash: val(2)},
	})
	if root != want {
		t.Fatalf("root mismatch after overwrite: got %x want %x", root, want)
	}
}

// An elided subtree, reconstructed from its full key set, must
// reproduce byte-identical pages to what an elision-inhibited walker
// produces for the same inputs, modulo the elided-children trailer.
func TestElisionRoundTripMatchesInhibitedWalker(t *testing.T) {
	var clusterOps []Op
	for i := byte(0); i < 9; i++ {
		bits := []int{0, 1, 1, 0, 0, 0, 0, 1, 1, 0, 0, 0}
		for j := 0; j < 6; j++ {
			bits = append(bits, int((i>>uint(5-j))&1))
		}
		clusterOps = append(clusterOps, Op{KeyPath: keyPath(bits...), ValueHash: val(i + 1)})
	}

	params := Params{ElisionThreshold: 32}

	runWalk := func(p Params, ps *pageset.MemPageSet) Output {
		w := NewWalker(hasher, p, trie.Terminator, nil)
		w.AdvanceAndReplace(ps, pageid.NewTriePosition(), clusterOps)
		return w.Conclude()
	}

	psEliding := newTestPageSet()
	outEliding := runWalk(params, psEliding)
	for _, up := range outEliding.UpdatedPages {
		psEliding.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
	}

	inhibited := params
	inhibited.InhibitElision = true
	psFull := newTestPageSet()
	outFull := runWalk(inhibited, psFull)
	if outEliding.Root != outFull.Root {
		t.Fatalf("elision changed the root: %x vs %x", outEliding.Root, outFull.Root)
	}

	fullPages := make(map[string]page.PageMut)
	for _, up := range outFull.UpdatedPages {
		fullPages[up.PageID.String()] = up.Page
	}

	childPos := pageid.FromPathAndDepth(keyPath(0, 1, 1, 0, 0, 0, 0, 1, 1, 0, 0, 0), 12)
	parentID, _ := childPos.PageId()
	parentPage, _, ok := psEliding.Get(parentID)
	if !ok {
		t.Fatalf("parent page missing after eliding walk")
	}

	pages, ok := ReconstructPages(hasher, params, parentPage, parentID, childPos, psEliding, clusterOps)
	if !ok {
		t.Fatalf("expected reconstruction to run")
	}
	if len(pages) == 0 {
		t.Fatalf("expected reconstructed pages")
	}

	for _, rp := range pages {
		full, found := fullPages[rp.PageID.String()]
		if !found {
			t.Fatalf("reconstructed page %v never produced by the inhibited walker", rp.PageID)
		}
		got := rp.Page.Freeze().Bytes()
		want := full.Freeze().Bytes()
		// the trailer records which children would be elided; the
		// inhibited walker never sets those bits.
		for i := 0; i < page.NumSlots*trie.NodeSize; i++ {
			if got[i] != want[i] {
				t.Fatalf("page %v differs from inhibited walker's at byte %d", rp.PageID, i)
			}
		}
	}
}

func TestLeafIndexLookupAndRanges(t *testing.T) {
	ops := []Op{
		{KeyPath: keyPath(0, 0, 0, 1), ValueHash: val(1)},
		{KeyPath: keyPath(0, 0, 1, 0), ValueHash: val(2)},
		{KeyPath: keyPath(0, 0, 1, 1), ValueHash: val(3)},
		{KeyPath: keyPath(1, 0, 0, 0), ValueHash: val(4)},
	}
	ix := NewLeafIndex(ops)

	leaf, ok := ix.Lookup(triePos(0, 0, 0))
	if !ok || leaf.KeyPath != keyPath(0, 0, 0, 1) {
		t.Fatalf("expected the single leaf under 000, got ok=%v key=%x", ok, leaf.KeyPath)
	}
	if _, ok := ix.Lookup(triePos(0, 0, 1)); ok {
		t.Fatalf("prefix 001 holds two keys; Lookup must report false")
	}
	if got := len(ix.OpsUnder(triePos(0, 0))); got != 3 {
		t.Fatalf("expected 3 keys under 00, got %d", got)
	}
	if got := len(ix.OpsUnder(triePos(1, 1))); got != 0 {
		t.Fatalf("expected no keys under 11, got %d", got)
	}

	ix.ApplyBatch([]BatchOp{
		{KeyPath: keyPath(0, 0, 1, 0), Delete: true},
		{KeyPath: keyPath(1, 1, 1, 1), ValueHash: val(5)},
	})
	if got := ix.Len(); got != 4 {
		t.Fatalf("expected 4 keys after batch, got %d", got)
	}
	if _, ok := ix.Lookup(triePos(0, 0, 1)); !ok {
		t.Fatalf("prefix 001 holds one key after the delete")
	}
}
