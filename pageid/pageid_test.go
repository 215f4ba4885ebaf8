package pageid

import "testing"

func mustChild(t *testing.T, id PageId, idx uint8) PageId {
	t.Helper()
	ci, err := NewChildPageIndex(idx)
	if err != nil {
		t.Fatal(err)
	}
	child, err := id.ChildPageId(ci)
	if err != nil {
		t.Fatal(err)
	}
	return child
}

func TestPageIdParentChildRoundTrip(t *testing.T) {
	a := mustChild(t, RootPageId, 5)
	b := mustChild(t, a, 63)
	c := mustChild(t, b, 0)

	if c.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", c.Depth())
	}
	if got := c.ParentPageId(); !got.Equal(b) {
		t.Fatalf("parent of c must be b")
	}
	if got := b.ParentPageId(); !got.Equal(a) {
		t.Fatalf("parent of b must be a")
	}
	if got := a.ParentPageId(); !got.IsRoot() {
		t.Fatalf("parent of a must be the root")
	}
	if c.ChildIndexAtLevel(1) != 63 {
		t.Fatalf("child index at level 1 must be 63")
	}
}

func TestPageIdDescendants(t *testing.T) {
	a := mustChild(t, RootPageId, 1)
	b := mustChild(t, a, 2)
	other := mustChild(t, RootPageId, 3)

	if !b.IsDescendantOf(a) || !b.IsDescendantOf(RootPageId) {
		t.Fatalf("b must descend from a and the root")
	}
	if a.IsDescendantOf(b) {
		t.Fatalf("ancestors are not descendants")
	}
	if a.IsDescendantOf(a) {
		t.Fatalf("descendant-of is strict")
	}
	if b.IsDescendantOf(other) {
		t.Fatalf("cousins are not descendants")
	}
}

func TestPageIdEncodeDecode(t *testing.T) {
	id := mustChild(t, mustChild(t, RootPageId, 17), 42)
	decoded, err := DecodePageId(id.Encode())
	if err != nil {
		t.Fatalf("DecodePageId: %v", err)
	}
	if !decoded.Equal(id) {
		t.Fatalf("encode/decode round trip lost the id")
	}

	if _, err := DecodePageId([]byte{64}); err == nil {
		t.Fatalf("expected an error decoding an out-of-range index")
	}

	root, err := DecodePageId(nil)
	if err != nil || !root.IsRoot() {
		t.Fatalf("empty encoding must decode to the root id")
	}
}

func TestNewChildPageIndexBounds(t *testing.T) {
	if _, err := NewChildPageIndex(63); err != nil {
		t.Fatalf("63 is a valid child index: %v", err)
	}
	if _, err := NewChildPageIndex(64); err == nil {
		t.Fatalf("64 must be rejected")
	}
}

func TestPageIdsIteratorFollowsKeyPath(t *testing.T) {
	var key [32]byte
	// first 6 bits = 000001 -> child 1; next 6 = 000010 -> child 2.
	key[0] = 0b00000100
	key[1] = 0b00100000

	it := NewPageIdsIterator(key)

	first, ok := it.Next()
	if !ok || !first.IsRoot() {
		t.Fatalf("iterator must start at the root page")
	}
	second, ok := it.Next()
	if !ok || !second.Equal(mustChild(t, RootPageId, 1)) {
		t.Fatalf("expected child 1, got %v", second)
	}
	third, ok := it.Next()
	if !ok || !third.Equal(mustChild(t, mustChild(t, RootPageId, 1), 2)) {
		t.Fatalf("expected child [1 2], got %v", third)
	}

	count := 3
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		count++
	}
	// 256 bits / DEPTH levels per page, plus the root page, capped by
	// the maximum page-tree depth.
	if count != 43 {
		t.Fatalf("expected 43 page ids along a full key path, got %d", count)
	}
}
