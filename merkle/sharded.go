package merkle

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/internal/telemetry"
	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

// ApplySharded is the one place this package introduces concurrency: it
// partitions a sorted batch by which of the root page's 2^DEPTH child
// pages each key falls under, applies each partition with its own
// Walker scoped to strict descendants of the root page, then stitches
// the resulting ChildPageRoots into a final single-threaded walker over
// the root page itself.
//
// Sharding is only sound when every touched terminal lies strictly
// below the root page; a trie shallow enough to hold terminals within
// the root page's own six levels falls back to the single-threaded
// Apply.
//
// Because the per-shard walkers run concurrently against the same ps,
// ps must tolerate concurrent Get/Fresh/Insert calls from distinct
// goroutines. Both MemPageSet (a plain mutex) and DiskPageSet (bucket
// latching) satisfy this; a PageSet implementation without its own
// synchronization is not safe to pass here even though the per-shard
// key sets never overlap, since a bare map write is a data race
// regardless of which keys are touched.
func ApplySharded(hasher trie.NodeHasher, params Params, root trie.Node, ps pageset.PageSet, batch []BatchOp, lookup LeafLookup, shards int, log zerolog.Logger) Output {
	log = telemetry.Component(log, "sharded")
	childrenPerPage := 1 << uint(pageid.DEPTH)

	buckets := make([][]BatchOp, childrenPerPage)
	for _, op := range batch {
		idx := 0
		for i := 0; i < pageid.DEPTH; i++ {
			bit := 0
			if trie.BitAt(op.KeyPath, i) {
				bit = 1
			}
			idx = (idx << 1) | bit
		}
		buckets[idx] = append(buckets[idx], op)
	}

	rootPage, rootPageOK := rootPageSnapshot(ps)
	if !rootPageOK || !shardable(hasher, root, rootPage, buckets) {
		log.Info().Int("total_ops", len(batch)).Msg("trie too shallow to shard, applying single-threaded")
		return Apply(hasher, params, root, ps, batch, lookup)
	}

	type shardJob struct {
		idx int
		ops []BatchOp
	}
	jobs := make([]shardJob, 0, childrenPerPage)
	for idx, b := range buckets {
		if len(b) == 0 {
			continue
		}
		jobs = append(jobs, shardJob{idx: idx, ops: b})
	}

	if shards < 1 {
		shards = 1
	}
	if shards > len(jobs) && len(jobs) > 0 {
		shards = len(jobs)
	}

	log.Info().Int("total_ops", len(batch)).Int("populated_pages", len(jobs)).Int("shards", shards).Msg("sharded apply starting")

	var (
		mu         sync.Mutex
		results    []ChildPageRoot
		allUpdated []UpdatedPage
	)

	jobCh := make(chan shardJob)
	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			jobCh <- j
		}
	}()

	var wg sync.WaitGroup
	for s := 0; s < shards; s++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()
			for job := range jobCh {
				out := applyShardJob(hasher, params, ps, rootPage, job.idx, job.ops, lookup)

				mu.Lock()
				results = append(results, out.ChildPageRoots...)
				allUpdated = append(allUpdated, out.UpdatedPages...)
				mu.Unlock()

				log.Debug().Int("shard", shardNum).Int("page_index", job.idx).Int("ops", len(job.ops)).Msg("shard applied")
			}
		}(s)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Position.Less(results[j].Position)
	})

	rootWalker := NewWalker(hasher, params, root, nil)
	for _, r := range results {
		rootWalker.AdvanceAndPlaceNode(ps, r.Position, r.Node)
	}
	final := rootWalker.Conclude()
	final.UpdatedPages = append(final.UpdatedPages, allUpdated...)

	log.Info().Int("child_roots", len(results)).Int("updated_pages", len(final.UpdatedPages)).Msg("sharded apply complete")
	return final
}

func rootPageSnapshot(ps pageset.PageSet) (page.Page, bool) {
	p, _, ok := ps.Get(pageid.RootPageId)
	return p, ok
}

// shardable reports whether every populated shard's descent path through
// the root page's interior consists of internal nodes only, i.e. no
// terminal sits at depth < DEPTH on a path the batch will touch.
func shardable(hasher trie.NodeHasher, root trie.Node, rootPage page.Page, buckets [][]BatchOp) bool {
	if !hasher.IsInternal(root) {
		return false
	}
	for idx, b := range buckets {
		if len(b) == 0 {
			continue
		}
		pos := pageid.NewTriePosition()
		for i := 0; i < pageid.DEPTH-1; i++ {
			bit := (idx>>(pageid.DEPTH-1-i))&1 == 1
			pos = pos.Down(bit)
			if !hasher.IsInternal(rootPage.Node(pos.NodeIndex())) {
				return false
			}
		}
	}
	return true
}

// applyShardJob drives one root-page-scoped walker over the batch slice
// falling under a single root child index, splitting at the child
// page's internal root bit so both halves can be replaced in one
// monotonic pass.
func applyShardJob(hasher trie.NodeHasher, params Params, ps pageset.PageSet, rootPage page.Page, idx int, batch []BatchOp, lookup LeafLookup) Output {
	rootPageID := pageid.RootPageId
	walker := NewWalker(hasher, params, trie.Terminator, &rootPageID)
	a := &applier{walker: walker, hasher: hasher, ps: ps, lookup: lookup}

	base := pageid.NewTriePosition()
	for i := 0; i < pageid.DEPTH; i++ {
		bit := (idx>>(pageid.DEPTH-1-i))&1 == 1
		base = base.Down(bit)
	}

	// The node at base lives in the root page, outside this walker's
	// scope. If it is an existing leaf, its key set must be carried into
	// the replacement built below the page boundary; if it is terminal
	// either way, the child page does not exist yet and is seeded fresh.
	// A missing child page beneath an internal base is a genuine cache
	// miss (an elided subtree the caller failed to reconstruct) and
	// panics in readNode below.
	baseNode := rootPage.Node(base.NodeIndex())
	if !hasher.IsInternal(baseNode) {
		childID, err := rootPageID.ChildPageId(base.ChildPageIndex())
		if err != nil {
			panic(err)
		}
		if !ps.Contains(childID) {
			mut := ps.Fresh(childID)
			ps.Insert(childID, mut.Freeze(), pageset.Persisted(pageset.FreshBucket()))
		}
	}
	if hasher.IsLeaf(baseNode) {
		if lookup == nil {
			panic("merkle: shard landed on an existing leaf but no LeafLookup was supplied")
		}
		leaf, ok := lookup(base)
		if !ok {
			panic("merkle: no leaf preimage for shard boundary leaf")
		}
		batch = mergeBoundaryLeaf(batch, leaf)

		anyPut := false
		for _, op := range batch {
			if !op.Delete {
				anyPut = true
				break
			}
		}
		if !anyPut {
			// the batch erased the boundary leaf and put nothing back:
			// force an explicit terminator placement so the stitching
			// walker overwrites the stale leaf in the root page.
			walker.AdvanceAndReplace(ps, base.Down(false), nil)
			return walker.Conclude()
		}
	}

	splitAt := sort.Search(len(batch), func(i int) bool {
		return trie.BitAt(batch[i].KeyPath, pageid.DEPTH)
	})
	left, right := batch[:splitAt], batch[splitAt:]

	if len(left) > 0 {
		next := base.Down(false)
		a.apply(next, a.readNode(next), left)
	}
	if len(right) > 0 {
		next := base.Down(true)
		a.apply(next, a.readNode(next), right)
	}

	return walker.Conclude()
}

// mergeBoundaryLeaf inserts a synthetic put for an existing leaf sitting
// exactly on a shard's page boundary, unless the batch already names its
// key.
func mergeBoundaryLeaf(batch []BatchOp, leaf trie.LeafData) []BatchOp {
	i := sort.Search(len(batch), func(i int) bool {
		return !lessKeyPath(batch[i].KeyPath, leaf.KeyPath)
	})
	if i < len(batch) && batch[i].KeyPath == leaf.KeyPath {
		return batch
	}
	merged := make([]BatchOp, 0, len(batch)+1)
	merged = append(merged, batch[:i]...)
	merged = append(merged, BatchOp{KeyPath: leaf.KeyPath, ValueHash: leaf.ValueHash})
	merged = append(merged, batch[i:]...)
	return merged
}
