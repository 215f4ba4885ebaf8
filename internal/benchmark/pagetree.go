// Package benchmark retargets this repository's common/benchmark
// harness (KeyGenerator) from engine-level
// Put/Get/Delete throughput onto the page-tree walker: keys/sec through
// the batch driver, pages emitted, and the elision rate the page policy
// achieves on a given key distribution.
package benchmark

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	commonbench "github.com/kvtrie/pagetrie/common/benchmark"
	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

// Workload selects the mutation mix a page-tree run applies.
type Workload string

const (
	// WorkloadInsert applies every key once, in two commits.
	WorkloadInsert Workload = "insert"
	// WorkloadDeleteHeavy inserts every key, then deletes 80% of them.
	WorkloadDeleteHeavy Workload = "delete-heavy"
	// WorkloadMixed inserts every key, then overwrites 20% and deletes
	// another 20% in a single batch.
	WorkloadMixed Workload = "mixed"
	// WorkloadElisionStress clusters keys under shared prefixes so most
	// subtrees stay below the elision threshold.
	WorkloadElisionStress Workload = "elision-stress"
)

// PageTreeConfig mirrors the Config/DefaultConfig(dir) shape used
// throughout this repository's Config types, scoped to what a
// page-tree workload needs instead of a full engine Config.
type PageTreeConfig struct {
	NumKeys          int
	KeySize          int
	ElisionThreshold uint64
	Shards           int
	Seed             int64
	KeyMode          commonbench.KeyMode
	Workload         Workload
}

// DefaultPageTreeConfig returns a reasonably sized single-shard
// insert workload over sequential keys.
func DefaultPageTreeConfig() PageTreeConfig {
	return PageTreeConfig{
		NumKeys:          50_000,
		KeySize:          24,
		ElisionThreshold: merkle.DefaultElisionThreshold,
		Shards:           1,
		Seed:             1,
		KeyMode:          commonbench.KeySequential,
		Workload:         WorkloadInsert,
	}
}

// PageTreeResult reports the throughput and elision metrics for a
// page-tree workload run.
type PageTreeResult struct {
	Config PageTreeConfig

	Keys          int
	Duration      time.Duration
	KeysPerSecond float64

	PagesEmitted     int
	PagesPerSecond   float64
	ElisionRate      float64 // fraction of pages withheld by elision, vs an inhibited run
	ShardedApplyUsed bool
}

// RunPageTreeBenchmark generates cfg.NumKeys distinct leaves, applies
// the configured workload to a fresh in-memory page tree (sharded
// across cfg.Shards goroutines when >1), and reports throughput plus
// the elision rate achieved relative to an elision-inhibited run over
// the same mutations.
func RunPageTreeBenchmark(cfg PageTreeConfig, log zerolog.Logger) (*PageTreeResult, error) {
	batches, err := generateBatches(cfg)
	if err != nil {
		return nil, err
	}

	hasher := merkle.Blake3Hasher{}
	params := merkle.Params{ElisionThreshold: cfg.ElisionThreshold}

	withElision, elapsed, err := applyBatches(hasher, params, batches, cfg.Shards, log)
	if err != nil {
		return nil, err
	}

	inhibited := params
	inhibited.InhibitElision = true
	withoutElision, _, err := applyBatches(hasher, inhibited, batches, cfg.Shards, log)
	if err != nil {
		return nil, err
	}

	elisionRate := 0.0
	if withoutElision > 0 {
		elisionRate = 1.0 - float64(withElision)/float64(withoutElision)
	}

	totalOps := 0
	for _, b := range batches {
		totalOps += len(b)
	}

	result := &PageTreeResult{
		Config:           cfg,
		Keys:             totalOps,
		Duration:         elapsed,
		KeysPerSecond:    float64(totalOps) / elapsed.Seconds(),
		PagesEmitted:     withElision,
		PagesPerSecond:   float64(withElision) / elapsed.Seconds(),
		ElisionRate:      elisionRate,
		ShardedApplyUsed: cfg.Shards > 1,
	}
	return result, nil
}

// generateBatches builds the workload's sequence of sorted commit
// batches. Keys hash through blake3 into 256-bit paths (the walker
// operates on hash-trie paths, not raw keys), except for the
// elision-stress workload which fabricates clustered paths directly.
func generateBatches(cfg PageTreeConfig) ([][]merkle.BatchOp, error) {
	if cfg.NumKeys <= 0 {
		return nil, fmt.Errorf("benchmark: NumKeys must be positive, got %d", cfg.NumKeys)
	}

	var inserts []merkle.BatchOp
	if cfg.Workload == WorkloadElisionStress {
		inserts = clusteredInserts(cfg.NumKeys)
	} else {
		keyGen := commonbench.NewKeyGenerator(cfg.NumKeys, cfg.KeySize, cfg.KeyMode, cfg.Seed)
		inserts = make([]merkle.BatchOp, 0, cfg.NumKeys)
		for i := 0; i < cfg.NumKeys; i++ {
			key := keyGen.Key(i)
			inserts = append(inserts, merkle.BatchOp{
				KeyPath:   hashToKeyPath(key),
				ValueHash: hashToValueHash(key),
			})
		}
	}
	sortBatch(inserts)
	inserts = dedupeBatch(inserts)

	switch cfg.Workload {
	case WorkloadInsert, WorkloadElisionStress, "":
		// two commits so the second descends over populated state.
		half := len(inserts) / 2
		return [][]merkle.BatchOp{inserts[:half], inserts[half:]}, nil

	case WorkloadDeleteHeavy:
		deletes := make([]merkle.BatchOp, 0, len(inserts)*8/10)
		for i, op := range inserts {
			if i%5 != 0 {
				deletes = append(deletes, merkle.BatchOp{KeyPath: op.KeyPath, Delete: true})
			}
		}
		return [][]merkle.BatchOp{inserts, deletes}, nil

	case WorkloadMixed:
		followup := make([]merkle.BatchOp, 0, len(inserts)*4/10)
		for i, op := range inserts {
			switch i % 5 {
			case 0:
				followup = append(followup, merkle.BatchOp{KeyPath: op.KeyPath, ValueHash: hashToValueHash(op.KeyPath[:])})
			case 1:
				followup = append(followup, merkle.BatchOp{KeyPath: op.KeyPath, Delete: true})
			}
		}
		return [][]merkle.BatchOp{inserts, followup}, nil

	default:
		return nil, fmt.Errorf("benchmark: unknown workload %q", cfg.Workload)
	}
}

// clusteredInserts spreads keys over many 24-bit prefixes with only a
// handful of leaves each, the worst (best) case for the elision policy.
func clusteredInserts(n int) []merkle.BatchOp {
	ops := make([]merkle.BatchOp, 0, n)
	leavesPerCluster := 8
	for i := 0; i < n; i++ {
		cluster := i / leavesPerCluster
		leaf := i % leavesPerCluster
		var kp trie.KeyPath
		kp[0] = byte(cluster >> 16)
		kp[1] = byte(cluster >> 8)
		kp[2] = byte(cluster)
		kp[3] = byte(leaf)
		ops = append(ops, merkle.BatchOp{KeyPath: kp, ValueHash: hashToValueHash(kp[:])})
	}
	return ops
}

// dedupeBatch drops ops whose hashed KeyPath collides with an earlier
// one; the batch driver requires a strictly sorted, duplicate-free
// batch.
func dedupeBatch(sorted []merkle.BatchOp) []merkle.BatchOp {
	out := sorted[:0]
	for i, op := range sorted {
		if i > 0 && op.KeyPath == sorted[i-1].KeyPath {
			continue
		}
		out = append(out, op)
	}
	return out
}

func sortBatch(batch []merkle.BatchOp) {
	sort.Slice(batch, func(i, j int) bool {
		return lessKeyPath(batch[i].KeyPath, batch[j].KeyPath)
	})
}

func lessKeyPath(a, b trie.KeyPath) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func hashToKeyPath(key []byte) trie.KeyPath {
	h := blake3.New(32, nil)
	h.Write([]byte{0x10})
	h.Write(key)
	var kp trie.KeyPath
	copy(kp[:], h.Sum(nil))
	return kp
}

func hashToValueHash(key []byte) trie.ValueHash {
	h := blake3.New(32, nil)
	h.Write([]byte{0x11})
	h.Write(key)
	var vh trie.ValueHash
	copy(vh[:], h.Sum(nil))
	return vh
}

// applyBatches commits each batch in turn against a fresh in-memory
// page tree, via a single root walker or merkle.ApplySharded, and
// returns the total pages emitted plus the wall-clock duration of the
// apply steps only (workload generation excluded).
func applyBatches(hasher trie.NodeHasher, params merkle.Params, batches [][]merkle.BatchOp, shards int, log zerolog.Logger) (int, time.Duration, error) {
	ps := pageset.NewMemPageSet()
	ps.Insert(pageid.RootPageId, page.NewPageMut().Freeze(), pageset.Persisted(pageset.FreshBucket()))
	ix := merkle.NewLeafIndex(nil)

	root := trie.Terminator
	var pages int
	start := time.Now()
	for _, batch := range batches {
		reconstructElided(hasher, params, ps, ix, batch)
		var out merkle.Output
		if shards > 1 {
			out = merkle.ApplySharded(hasher, params, root, ps, batch, ix.Lookup, shards, log)
		} else {
			out = merkle.Apply(hasher, params, root, ps, batch, ix.Lookup)
		}
		for _, up := range out.UpdatedPages {
			if up.Diff.Cleared() {
				ps.Remove(up.PageID)
				continue
			}
			ps.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
		}
		ix.ApplyBatch(batch)
		root = out.Root
		pages += len(out.UpdatedPages)
	}
	return pages, time.Since(start), nil
}

// reconstructElided re-expands every elided subtree the batch is about
// to descend into, mirroring what a storage layer does before a commit.
func reconstructElided(hasher trie.NodeHasher, params merkle.Params, ps pageset.PageSet, ix *merkle.LeafIndex, batch []merkle.BatchOp) {
	for _, op := range batch {
		it := pageid.NewPageIdsIterator(op.KeyPath)
		var parentID pageid.PageId
		first := true
		for {
			id, ok := it.Next()
			if !ok {
				break
			}
			if first {
				parentID = id
				first = false
				continue
			}
			if ps.Contains(id) {
				parentID = id
				continue
			}

			parent, _, ok := ps.Get(parentID)
			if !ok {
				break
			}
			pos := pageid.FromPathAndDepth(op.KeyPath, id.Depth()*pageid.DEPTH)
			if !parent.ElidedChildren().IsElided(pos.ChildPageIndex()) {
				break
			}
			pages, ok := merkle.ReconstructPages(hasher, params, parent, parentID, pos, ps, ix.OpsUnder(pos))
			if ok {
				for _, rp := range pages {
					ps.Insert(rp.PageID, rp.Page.Freeze(), pageset.Reconstructed(rp.LeavesCounter, rp.Diff))
				}
			}
			parentID = id
		}
	}
}
