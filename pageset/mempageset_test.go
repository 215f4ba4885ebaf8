package pageset

import (
	"testing"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/trie"
)

func TestMemPageSetInsertAndGet(t *testing.T) {
	ps := NewMemPageSet()
	if ps.Contains(pageid.RootPageId) {
		t.Fatal("expected a fresh set to contain nothing")
	}

	p := page.NewPageMut().Freeze()
	ps.Insert(pageid.RootPageId, p, Persisted(FreshBucket()))

	if !ps.Contains(pageid.RootPageId) {
		t.Fatal("expected Contains to report true after Insert")
	}

	got, origin, ok := ps.Get(pageid.RootPageId)
	if !ok {
		t.Fatal("expected Get to find the inserted page")
	}
	if got.Bytes() != p.Bytes() {
		t.Fatal("expected Get to return the exact bytes inserted")
	}
	if origin.Kind != OriginPersisted {
		t.Fatal("expected the origin to round-trip as Persisted")
	}
	if origin.BucketInfoPtr() == nil || !origin.BucketInfoPtr().IsFresh() {
		t.Fatal("expected the persisted bucket info to round-trip as fresh")
	}
	if origin.LeavesCounterPtr() != nil {
		t.Fatal("expected a Persisted origin to carry no leaves counter")
	}
}

func TestMemPageSetFreshIsAlwaysEmpty(t *testing.T) {
	ps := NewMemPageSet()
	mut := ps.Fresh(pageid.RootPageId)
	if mut.Node(0) != trie.Terminator {
		t.Fatal("expected a fresh page's slots to read as the zero node")
	}
}

func TestMemPageSetLen(t *testing.T) {
	ps := NewMemPageSet()
	if ps.Len() != 0 {
		t.Fatalf("expected Len 0, got %d", ps.Len())
	}
	ps.Insert(pageid.RootPageId, page.NewPageMut().Freeze(), Persisted(FreshBucket()))
	if ps.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", ps.Len())
	}
	child, _ := pageid.RootPageId.ChildPageId(0)
	ps.Insert(child, page.NewPageMut().Freeze(), Reconstructed(0, page.NewPageDiff()))
	if ps.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", ps.Len())
	}
}
