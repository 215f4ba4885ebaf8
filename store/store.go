// Package store assembles the page-tree updater, the page set, and a
// durable value log into an authenticated key-value store: every
// committed batch yields a Merkle root over the full key set, and any
// read can be accompanied by a path proof against that root.
package store

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/internal/telemetry"
	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
	"github.com/kvtrie/pagetrie/witness"
)

// domain tags for key and value hashing, distinct from the node-level
// tags inside merkle.Blake3Hasher.
const (
	keyTag   = 0x10
	valueTag = 0x11
)

// Config follows this repository's Config/DefaultConfig(dir) shape.
type Config struct {
	Dir string

	// InMemoryPages selects the in-memory page set instead of the
	// disk-backed one. The value log is always file-backed.
	InMemoryPages bool

	Params merkle.Params

	// Shards > 1 applies commits through merkle.ApplySharded.
	Shards int

	// CommitEvery automatically commits once this many mutations are
	// staged. Zero leaves commits entirely to the caller.
	CommitEvery int

	// MaxDiskBytes caps the value log's growth; zero means unlimited.
	MaxDiskBytes int64

	PageCacheSize int
}

// DefaultConfig returns a single-shard store with disk-backed pages
// rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		Params:        merkle.DefaultParams(),
		Shards:        1,
		CommitEvery:   4096,
		PageCacheSize: 256,
	}
}

type stagedOp struct {
	value  []byte
	delete bool
}

// Store is the authenticated engine. It implements
// common.AuthenticatedEngine: the plain StorageEngine surface stages
// mutations and Commit seals them into a new root.
type Store struct {
	mu sync.Mutex

	cfg    Config
	hasher trie.NodeHasher
	ps     pageset.PageSet
	diskPS *pageset.DiskPageSet
	vlog   *valueLog

	root   trie.Node
	staged map[trie.KeyPath]stagedOp
	closed bool

	log zerolog.Logger

	writeCount int64
	readCount  int64
	commits    int64
}

var _ common.AuthenticatedEngine = (*Store)(nil)

// New opens (creating if necessary) a store rooted at cfg.Dir.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store: Config.Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	if cfg.Params.ElisionThreshold == 0 {
		cfg.Params = merkle.DefaultParams()
	}

	log = telemetry.Component(log, "store")

	var limiter *common.ResourceLimiter
	if cfg.MaxDiskBytes > 0 {
		limiter = common.NewResourceLimiter(cfg.MaxDiskBytes, 0)
	}
	vlog, err := openValueLog(cfg.Dir, limiter)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		hasher: merkle.Blake3Hasher{},
		vlog:   vlog,
		staged: make(map[trie.KeyPath]stagedOp),
		log:    log,
	}

	if cfg.InMemoryPages {
		s.ps = pageset.NewMemPageSet()
	} else {
		dps, err := pageset.NewDiskPageSet(pageset.DiskPageSetConfig{
			Dir:       cfg.Dir,
			CacheSize: cfg.PageCacheSize,
		}, log)
		if err != nil {
			vlog.close()
			return nil, err
		}
		s.ps = dps
		s.diskPS = dps
	}

	if !s.ps.Contains(pageid.RootPageId) {
		s.ps.Insert(pageid.RootPageId, page.NewPageMut().Freeze(), pageset.Persisted(pageset.FreshBucket()))
	}

	if root, ok := vlog.currentRoot(); ok {
		s.root = root
	} else if vlog.numKeys() > 0 {
		vlog.close()
		return nil, fmt.Errorf("store: value log holds keys but records no root")
	}

	log.Info().Int("keys", vlog.numKeys()).Hex("root", s.root[:8]).Msg("store opened")
	return s, nil
}

// Put stages key -> value. The trie root moves at the next Commit.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrClosed
	}
	staged := append([]byte(nil), value...)
	s.staged[hashKey(key)] = stagedOp{value: staged}
	s.writeCount++
	full := s.cfg.CommitEvery > 0 && len(s.staged) >= s.cfg.CommitEvery
	s.mu.Unlock()

	if full {
		_, err := s.Commit()
		return err
	}
	return nil
}

// Get returns the value for key, consulting staged mutations first.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.ErrClosed
	}
	s.readCount++
	kp := hashKey(key)
	if op, ok := s.staged[kp]; ok {
		s.mu.Unlock()
		if op.delete {
			return nil, common.ErrKeyNotFound
		}
		return append([]byte(nil), op.value...), nil
	}
	s.mu.Unlock()

	value, _, ok, err := s.vlog.get(kp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrKeyNotFound
	}
	return value, nil
}

// Delete stages the removal of key.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.staged[hashKey(key)] = stagedOp{delete: true}
	s.writeCount++
	full := s.cfg.CommitEvery > 0 && len(s.staged) >= s.cfg.CommitEvery
	s.mu.Unlock()

	if full {
		_, err := s.Commit()
		return err
	}
	return nil
}

// Root returns the last committed root. Staged mutations are not
// reflected until Commit.
func (s *Store) Root() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Commit seals every staged mutation into the trie: it reconstructs any
// elided subtree the batch touches, drives the page-tree updater over
// the sorted batch, persists the dirtied pages and values, and returns
// the new root.
func (s *Store) Commit() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return [32]byte{}, common.ErrClosed
	}
	if len(s.staged) == 0 {
		return s.root, nil
	}

	batch := make([]merkle.BatchOp, 0, len(s.staged))
	for kp, op := range s.staged {
		b := merkle.BatchOp{KeyPath: kp, Delete: op.delete}
		if !op.delete {
			b.ValueHash = hashValue(op.value)
		}
		batch = append(batch, b)
	}
	sort.Slice(batch, func(i, j int) bool {
		return lessKeyPath(batch[i].KeyPath, batch[j].KeyPath)
	})

	if err := s.reconstructElided(batch); err != nil {
		return [32]byte{}, err
	}

	var out merkle.Output
	if s.cfg.Shards > 1 {
		out = merkle.ApplySharded(s.hasher, s.cfg.Params, s.root, s.ps, batch, s.vlog.leafLookup, s.cfg.Shards, s.log)
	} else {
		out = merkle.Apply(s.hasher, s.cfg.Params, s.root, s.ps, batch, s.vlog.leafLookup)
	}

	for _, up := range out.UpdatedPages {
		if up.Diff.Cleared() {
			remove(s.ps, up.PageID)
			continue
		}
		s.ps.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
	}

	for kp, op := range s.staged {
		var err error
		if op.delete {
			err = s.vlog.delete(kp)
		} else {
			_, err = s.vlog.put(kp, op.value)
		}
		if err != nil {
			return [32]byte{}, err
		}
	}
	if err := s.vlog.setRoot(out.Root); err != nil {
		return [32]byte{}, err
	}

	applied := len(s.staged)
	s.root = out.Root
	s.staged = make(map[trie.KeyPath]stagedOp)
	s.commits++

	s.log.Info().Int("ops", applied).Int("updated_pages", len(out.UpdatedPages)).Hex("root", s.root[:8]).Msg("batch committed")
	return s.root, nil
}

// Prove builds a path proof for key against the last committed root.
// Staged mutations are invisible to proofs until committed.
func (s *Store) Prove(key []byte) (witness.PathProof, error) {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()
	return witness.Prove(s.hasher, s.ps, root, hashKey(key), s.vlog.leafLookup)
}

// reconstructElided re-expands every elided subtree the batch is about
// to descend into, per the page-set contract: the walker assumes each
// page on its descent path is resident unless the caller reconstructed
// it first.
func (s *Store) reconstructElided(batch []merkle.BatchOp) error {
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
			if s.ps.Contains(id) {
				parentID = id
				continue
			}

			parent, _, ok := s.ps.Get(parentID)
			if !ok {
				break
			}
			pos := pageid.FromPathAndDepth(op.KeyPath, id.Depth()*pageid.DEPTH)
			if !parent.ElidedChildren().IsElided(pos.ChildPageIndex()) {
				// fresh territory, nothing to re-expand.
				break
			}

			ops := s.vlog.opsUnder(pos)
			pages, ok := merkle.ReconstructPages(s.hasher, s.cfg.Params, parent, parentID, pos, s.ps, ops)
			if ok {
				for _, rp := range pages {
					s.ps.Insert(rp.PageID, rp.Page.Freeze(), pageset.Reconstructed(rp.LeavesCounter, rp.Diff))
				}
				telemetry.PageEvent(s.log.Debug(), parentID.String(), pos.Depth()).
					Int("pages", len(pages)).Int("leaves", len(ops)).Msg("elided subtree reconstructed")
			}
			parentID = id
		}
	}
	return nil
}

// Sync flushes the value log and the disk-backed page set.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	if err := s.vlog.sync(); err != nil {
		return err
	}
	if s.diskPS != nil {
		return s.diskPS.Sync()
	}
	return nil
}

// Compact rewrites the value log and the page segment log, dropping
// superseded records.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	if err := s.vlog.compact(); err != nil {
		return err
	}
	if s.diskPS != nil {
		return s.diskPS.Compact()
	}
	return nil
}

// Stats implements common.StorageEngine.
func (s *Store) Stats() common.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	written, logical := s.vlog.amplification()
	stats := common.Stats{
		NumKeys:       int64(s.vlog.numKeys()),
		TotalDiskSize: s.vlog.diskSize(),
		WriteCount:    s.writeCount,
		ReadCount:     s.readCount,
		CompactCount:  s.commits,
	}
	if logical > 0 {
		stats.WriteAmp = float64(written) / float64(logical)
		stats.SpaceAmp = float64(stats.TotalDiskSize) / float64(logical)
	}
	return stats
}

// Close commits nothing: staged mutations not sealed by Commit are
// dropped, matching the walker-level rule that dropping a walk abandons
// its pending mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.vlog.close(); err != nil {
		return err
	}
	if s.diskPS != nil {
		return s.diskPS.Close()
	}
	return nil
}

// remove drops a cleared page from either page-set implementation.
func remove(ps pageset.PageSet, id pageid.PageId) {
	type remover interface{ Remove(pageid.PageId) }
	if r, ok := ps.(remover); ok {
		r.Remove(id)
	}
}

// hashKey maps an arbitrary user key onto the 256-bit key path the trie
// is addressed by.
func hashKey(key []byte) trie.KeyPath {
	h := blake3.New(32, nil)
	h.Write([]byte{keyTag})
	h.Write(key)
	var kp trie.KeyPath
	copy(kp[:], h.Sum(nil))
	return kp
}

// hashValue commits to a value's bytes.
func hashValue(value []byte) trie.ValueHash {
	h := blake3.New(32, nil)
	h.Write([]byte{valueTag})
	h.Write(value)
	var vh trie.ValueHash
	copy(vh[:], h.Sum(nil))
	return vh
}
