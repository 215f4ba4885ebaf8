package pageset

import (
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/common/testutil"
	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/trie"
)

func openTestDiskPageSet(t *testing.T) (*DiskPageSet, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	d, err := NewDiskPageSet(DefaultDiskPageSetConfig(dir), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewDiskPageSet: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, dir
}

func childID(t *testing.T, idx uint8) pageid.PageId {
	t.Helper()
	ci, err := pageid.NewChildPageIndex(idx)
	if err != nil {
		t.Fatal(err)
	}
	id, err := pageid.RootPageId.ChildPageId(ci)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func markedPage(slot int, n byte) page.Page {
	m := page.NewPageMut()
	var node trie.Node
	node[0] = n
	m.SetNode(slot, node)
	return m.Freeze()
}

func TestDiskPageSetInsertGetContains(t *testing.T) {
	d, _ := openTestDiskPageSet(t)

	id := childID(t, 5)
	if d.Contains(id) {
		t.Fatalf("fresh set must not contain %v", id)
	}

	d.Insert(id, markedPage(3, 0xAA), Persisted(FreshBucket()))

	if !d.Contains(id) {
		t.Fatalf("inserted page must be contained")
	}
	got, origin, ok := d.Get(id)
	if !ok {
		t.Fatalf("inserted page must be readable")
	}
	if origin.Kind != OriginPersisted {
		t.Fatalf("disk pages must come back as persisted")
	}
	if got.Node(3)[0] != 0xAA {
		t.Fatalf("page body corrupted on round trip")
	}
}

func TestDiskPageSetRecoversIndexOnReopen(t *testing.T) {
	d, dir := openTestDiskPageSet(t)

	ids := []pageid.PageId{childID(t, 0), childID(t, 7), childID(t, 63)}
	for i, id := range ids {
		d.Insert(id, markedPage(i, byte(i+1)), Persisted(FreshBucket()))
	}
	// overwrite one page; the later record must win on replay.
	d.Insert(ids[1], markedPage(1, 0xEE), Persisted(OnDiskBucket(1)))

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := NewDiskPageSet(DefaultDiskPageSetConfig(dir), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	for _, id := range ids {
		if !d2.Contains(id) {
			t.Fatalf("page %v lost across reopen", id)
		}
	}
	got, _, ok := d2.Get(ids[1])
	if !ok || got.Node(1)[0] != 0xEE {
		t.Fatalf("replay did not keep the latest record for %v", ids[1])
	}
}

func TestDiskPageSetRemoveAndCompact(t *testing.T) {
	d, dir := openTestDiskPageSet(t)

	keep := childID(t, 1)
	drop := childID(t, 2)
	d.Insert(keep, markedPage(0, 1), Persisted(FreshBucket()))
	d.Insert(drop, markedPage(0, 2), Persisted(FreshBucket()))

	d.Remove(drop)
	if d.Contains(drop) {
		t.Fatalf("removed page still contained")
	}

	if err := d.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// after compaction, recovery must not resurrect the removed page.
	d2, err := NewDiskPageSet(DefaultDiskPageSetConfig(dir), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	if d2.Contains(drop) {
		t.Fatalf("compaction left the removed page recoverable")
	}
	if !d2.Contains(keep) {
		t.Fatalf("compaction lost a live page")
	}
}

func TestDiskPageSetConcurrentDisjointInserts(t *testing.T) {
	d, _ := openTestDiskPageSet(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				id := childID(t, uint8(n*8+j))
				d.Insert(id, markedPage(0, byte(n)), Persisted(FreshBucket()))
				if _, _, ok := d.Get(id); !ok {
					t.Errorf("page %v unreadable after insert", id)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		if !d.Contains(childID(t, uint8(i))) {
			t.Fatalf("page %d missing after concurrent inserts", i)
		}
	}
}

func TestDiskPageSetLRUEviction(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultDiskPageSetConfig(dir)
	cfg.CacheSize = 4
	d, err := NewDiskPageSet(cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewDiskPageSet: %v", err)
	}
	defer d.Close()

	for i := 0; i < 16; i++ {
		d.Insert(childID(t, uint8(i)), markedPage(0, byte(i)), Persisted(FreshBucket()))
	}

	// every page stays readable after eviction forced a disk round trip.
	for i := 0; i < 16; i++ {
		got, _, ok := d.Get(childID(t, uint8(i)))
		if !ok || got.Node(0)[0] != byte(i) {
			t.Fatalf("page %d wrong after eviction round trip", i)
		}
	}
}
