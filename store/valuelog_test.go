package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/common/testutil"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/trie"
)

func testKeyPath(b byte) trie.KeyPath {
	var kp trie.KeyPath
	kp[0] = b
	return kp
}

func TestValueLogPutGetDelete(t *testing.T) {
	vl, err := openValueLog(testutil.TempDir(t), nil)
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}
	defer vl.close()

	kp := testKeyPath(0x10)
	vh, err := vl.put(kp, []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if vh != hashValue([]byte("hello")) {
		t.Fatalf("put returned the wrong value hash")
	}

	value, gotVH, ok, err := vl.get(kp)
	if err != nil || !ok || string(value) != "hello" || gotVH != vh {
		t.Fatalf("get: %q %v %v %v", value, gotVH, ok, err)
	}

	if _, err := vl.put(kp, []byte("world")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, _, _, err = vl.get(kp)
	if err != nil || string(value) != "world" {
		t.Fatalf("get after overwrite: %q %v", value, err)
	}
	if vl.numKeys() != 1 {
		t.Fatalf("overwrite must not grow the key count")
	}

	if err := vl.delete(kp); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok, _ := vl.get(kp); ok {
		t.Fatalf("deleted key still readable")
	}
}

func TestValueLogReplay(t *testing.T) {
	dir := testutil.TempDir(t)
	vl, err := openValueLog(dir, nil)
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}

	for i := byte(0); i < 10; i++ {
		if _, err := vl.put(testKeyPath(i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := vl.delete(testKeyPath(3)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var root trie.Node
	root[0] = 0xAB
	if err := vl.setRoot(root); err != nil {
		t.Fatalf("setRoot: %v", err)
	}
	if err := vl.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	vl2, err := openValueLog(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer vl2.close()

	if vl2.numKeys() != 9 {
		t.Fatalf("expected 9 keys after replay, got %d", vl2.numKeys())
	}
	if _, _, ok, _ := vl2.get(testKeyPath(3)); ok {
		t.Fatalf("replay resurrected a deleted key")
	}
	value, _, ok, err := vl2.get(testKeyPath(7))
	if err != nil || !ok || string(value) != "v7" {
		t.Fatalf("get after replay: %q %v %v", value, ok, err)
	}
	gotRoot, hasRoot := vl2.currentRoot()
	if !hasRoot || gotRoot != root {
		t.Fatalf("replay lost the root record")
	}
}

func TestValueLogPrefixQueries(t *testing.T) {
	vl, err := openValueLog(testutil.TempDir(t), nil)
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}
	defer vl.close()

	// 0b0001_0000, 0b0001_1000, 0b1000_0000
	for _, b := range []byte{0x10, 0x18, 0x80} {
		if _, err := vl.put(testKeyPath(b), []byte{b}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	prefix := pageid.NewTriePosition().Down(false).Down(false).Down(false).Down(true)
	ops := vl.opsUnder(prefix)
	if len(ops) != 2 {
		t.Fatalf("expected 2 keys under 0001, got %d", len(ops))
	}

	leafPrefix := prefix.Down(true)
	leaf, ok := vl.leafLookup(leafPrefix)
	if !ok || leaf.KeyPath != testKeyPath(0x18) {
		t.Fatalf("expected the single leaf under 00011, got ok=%v key=%x", ok, leaf.KeyPath[:1])
	}
	if _, ok := vl.leafLookup(prefix); ok {
		t.Fatalf("prefix with two keys must not resolve to a leaf")
	}
}

func TestValueLogCompactReclaimsSpace(t *testing.T) {
	dir := testutil.TempDir(t)
	vl, err := openValueLog(dir, nil)
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}

	for i := 0; i < 50; i++ {
		// 50 overwrites of the same key leave 49 dead records.
		if _, err := vl.put(testKeyPath(1), make([]byte, 128)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	before := vl.diskSize()
	if err := vl.compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	after := vl.diskSize()
	if after >= before {
		t.Fatalf("compaction did not shrink the log: %d -> %d", before, after)
	}

	value, _, ok, err := vl.get(testKeyPath(1))
	if err != nil || !ok || len(value) != 128 {
		t.Fatalf("get after compact: %v %v", ok, err)
	}
	if err := vl.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	vl2, err := openValueLog(dir, nil)
	if err != nil {
		t.Fatalf("reopen after compact: %v", err)
	}
	defer vl2.close()
	if vl2.numKeys() != 1 {
		t.Fatalf("expected 1 key after compacted replay, got %d", vl2.numKeys())
	}
}

func TestValueLogLimiter(t *testing.T) {
	vl, err := openValueLog(testutil.TempDir(t), common.NewResourceLimiter(256, 0))
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}
	defer vl.close()

	var sawFull bool
	for i := byte(0); i < 16; i++ {
		if _, err := vl.put(testKeyPath(i), make([]byte, 64)); err != nil {
			if !errors.Is(err, common.ErrDiskFull) {
				t.Fatalf("expected ErrDiskFull, got %v", err)
			}
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatalf("limiter never tripped")
	}
}
