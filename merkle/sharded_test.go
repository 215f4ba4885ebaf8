package merkle

import (
	"io"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

func shardedTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func persistOutput(ps *pageset.MemPageSet, out Output) {
	for _, up := range out.UpdatedPages {
		if up.Diff.Cleared() {
			ps.Remove(up.PageID)
			continue
		}
		ps.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
	}
}

// A sharded apply over a deep trie must produce the same root as the
// single-threaded driver over the same batches.
func TestApplyShardedMatchesSingle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	seed := make([]BatchOp, 0, 256)
	for i := 0; i < 256; i++ {
		seed = append(seed, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i))})
	}
	sortBatch(seed)
	seed = dedupe(seed)

	main := make([]BatchOp, 0, 128)
	for i := 0; i < 128; i++ {
		main = append(main, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i + 1))})
	}
	sortBatch(main)
	main = dedupe(main)

	params := Params{ElisionThreshold: 1}

	run := func(shards int) trie.Node {
		ps := newTestPageSet()
		ix := NewLeafIndex(nil)
		root := trie.Terminator
		for _, batch := range [][]BatchOp{seed, main} {
			var out Output
			if shards > 1 {
				out = ApplySharded(hasher, params, root, ps, batch, ix.Lookup, shards, shardedTestLogger())
			} else {
				out = Apply(hasher, params, root, ps, batch, ix.Lookup)
			}
			persistOutput(ps, out)
			ix.ApplyBatch(batch)
			root = out.Root
		}
		return root
	}

	single := run(1)
	sharded := run(4)
	if single != sharded {
		t.Fatalf("sharded root %x != single root %x", sharded, single)
	}
}

// A trie whose terminals sit inside the root page cannot be sharded;
// the coordinator must fall back to the single-threaded driver and
// still produce the right root.
func TestApplyShardedShallowFallback(t *testing.T) {
	batch := []BatchOp{
		{KeyPath: keyPath(0, 0), ValueHash: val(1)},
		{KeyPath: keyPath(1, 1), ValueHash: val(2)},
	}

	ps := newTestPageSet()
	ix := NewLeafIndex(nil)
	out := ApplySharded(hasher, Params{ElisionThreshold: 1}, trie.Terminator, ps, batch, ix.Lookup, 4, shardedTestLogger())

	want := buildRoot(t, []Op{
		{KeyPath: keyPath(0, 0), ValueHash: val(1)},
		{KeyPath: keyPath(1, 1), ValueHash: val(2)},
	})
	if out.Root != want {
		t.Fatalf("fallback root %x != expected %x", out.Root, want)
	}
}

// Deleting every key under one root child via the sharded path must
// erase the stale boundary state in the root page.
func TestApplyShardedDeletesWholeShard(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	seed := make([]BatchOp, 0, 256)
	for i := 0; i < 256; i++ {
		seed = append(seed, BatchOp{KeyPath: randomKeyPath(rng), ValueHash: val(byte(i))})
	}
	sortBatch(seed)
	seed = dedupe(seed)

	params := Params{ElisionThreshold: 1}
	ps := newTestPageSet()
	ix := NewLeafIndex(nil)
	out := Apply(hasher, params, trie.Terminator, ps, seed, ix.Lookup)
	persistOutput(ps, out)
	ix.ApplyBatch(seed)

	// delete everything under the first 6-bit child index present.
	firstIdx := -1
	var deletes []BatchOp
	for _, op := range seed {
		idx := int(op.KeyPath[0] >> 2)
		if firstIdx == -1 {
			firstIdx = idx
		}
		if idx == firstIdx {
			deletes = append(deletes, BatchOp{KeyPath: op.KeyPath, Delete: true})
		}
	}

	outSharded := ApplySharded(hasher, params, out.Root, ps, deletes, ix.Lookup, 2, shardedTestLogger())

	// expected root: rebuild from scratch without the deleted keys.
	var surviving []Op
	for _, op := range seed {
		if int(op.KeyPath[0]>>2) != firstIdx {
			surviving = append(surviving, Op{KeyPath: op.KeyPath, ValueHash: op.ValueHash})
		}
	}
	psFresh := newTestPageSet()
	w := NewWalker(hasher, params, trie.Terminator, nil)
	w.AdvanceAndReplace(psFresh, pageid.NewTriePosition(), surviving)
	want := w.Conclude().Root

	if outSharded.Root != want {
		t.Fatalf("root after sharded delete %x != rebuilt root %x", outSharded.Root, want)
	}
}

func dedupe(batch []BatchOp) []BatchOp {
	out := batch[:0]
	for i, op := range batch {
		if i > 0 && op.KeyPath == batch[i-1].KeyPath {
			continue
		}
		out = append(out, op)
	}
	return out
}
