package store

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/common/testutil"
	"github.com/kvtrie/pagetrie/merkle"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func openTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := DefaultConfig(testutil.TempDir(t))
	cfg.InMemoryPages = true
	cfg.CommitEvery = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutCommitGet(t *testing.T) {
	s := openTestStore(t, nil)

	if err := s.Put([]byte("user:1"), []byte("alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("user:2"), []byte("bob")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// staged values are readable before the commit.
	got, err := s.Get([]byte("user:1"))
	if err != nil || string(got) != "alice" {
		t.Fatalf("Get staged: %q, %v", got, err)
	}

	root, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if root == ([32]byte{}) {
		t.Fatalf("expected a non-zero root after committing two keys")
	}

	got, err = s.Get([]byte("user:2"))
	if err != nil || string(got) != "bob" {
		t.Fatalf("Get committed: %q, %v", got, err)
	}
	if _, err := s.Get([]byte("user:3")); !errors.Is(err, common.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDeleteMovesRootBack(t *testing.T) {
	s := openTestStore(t, nil)

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rootA, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rootAB, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rootA == rootAB {
		t.Fatalf("adding a key must move the root")
	}

	if err := s.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rootBack, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rootBack != rootA {
		t.Fatalf("deleting the added key must restore the previous root: %x vs %x", rootBack, rootA)
	}
	if _, err := s.Get([]byte("b")); !errors.Is(err, common.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestProveCommittedKeys(t *testing.T) {
	s := openTestStore(t, nil)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		if err := s.Put(key, []byte(fmt.Sprintf("value-%02d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	root, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		proof, err := s.Prove(key)
		if err != nil {
			t.Fatalf("Prove(%s): %v", key, err)
		}
		if err := proof.Verify(merkle.Blake3Hasher{}, root, hashKey(key)); err != nil {
			t.Fatalf("Verify(%s): %v", key, err)
		}
		vh := hashValue([]byte(fmt.Sprintf("value-%02d", i)))
		if !proof.ProvesPresence(hashKey(key), vh) {
			t.Fatalf("proof for %s does not establish presence", key)
		}
	}

	absent := []byte("never-written")
	proof, err := s.Prove(absent)
	if err != nil {
		t.Fatalf("Prove absent: %v", err)
	}
	if err := proof.Verify(merkle.Blake3Hasher{}, root, hashKey(absent)); err != nil {
		t.Fatalf("Verify absent: %v", err)
	}
	if !proof.ProvesAbsence(hashKey(absent)) {
		t.Fatalf("expected an absence proof")
	}
}

func TestReopenResumesRootAndValues(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.CommitEvery = 0

	s, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := s.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	root, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if got := s2.Root(); got != root {
		t.Fatalf("reopened root %x != committed root %x", got, root)
	}
	got, err := s2.Get([]byte("k7"))
	if err != nil || string(got) != "v7" {
		t.Fatalf("Get after reopen: %q, %v", got, err)
	}

	// the trie must be writable after reopen, continuing from the
	// persisted state.
	if err := s2.Put([]byte("k10"), []byte("v10")); err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if _, err := s2.Commit(); err != nil {
		t.Fatalf("Commit after reopen: %v", err)
	}
}

func TestCommitThroughElidedSubtree(t *testing.T) {
	// a tiny elision threshold is easy to cross; these keys hash to
	// scattered paths so most subtrees stay sparse and get elided.
	s := openTestStore(t, func(cfg *Config) {
		cfg.Params = merkle.Params{ElisionThreshold: 8}
	})

	for i := 0; i < 200; i++ {
		if err := s.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// a second batch lands inside subtrees the first commit elided; the
	// store must reconstruct them before walking.
	for i := 0; i < 200; i++ {
		if err := s.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("new-%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit over elided state: %v", err)
	}

	got, err := s.Get([]byte("key-123"))
	if err != nil || string(got) != "new-123" {
		t.Fatalf("Get after re-commit: %q, %v", got, err)
	}

	// overwriting every value back must reproduce the first batch's
	// root, elision notwithstanding.
	for i := 0; i < 200; i++ {
		if err := s.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	rootBack, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	fresh := openTestStore(t, func(cfg *Config) {
		cfg.Params = merkle.Params{ElisionThreshold: 8}
	})
	for i := 0; i < 200; i++ {
		if err := fresh.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	rootFresh, err := fresh.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rootBack != rootFresh {
		t.Fatalf("roots diverge across elision round trips: %x vs %x", rootBack, rootFresh)
	}
}

func TestShardedCommitMatchesSingle(t *testing.T) {
	write := func(s *Store) [32]byte {
		t.Helper()
		// a seeding commit deepens the trie so the sharded path has
		// internal nodes to partition under.
		for i := 0; i < 300; i++ {
			if err := s.Put([]byte(fmt.Sprintf("seed-%03d", i)), []byte("x")); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if _, err := s.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		for i := 0; i < 300; i++ {
			if err := s.Put([]byte(fmt.Sprintf("main-%03d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		root, err := s.Commit()
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		return root
	}

	single := openTestStore(t, nil)
	sharded := openTestStore(t, func(cfg *Config) { cfg.Shards = 4 })

	if rootSingle, rootSharded := write(single), write(sharded); rootSingle != rootSharded {
		t.Fatalf("sharded commit root %x != single-threaded root %x", rootSharded, rootSingle)
	}
}

func TestAutoCommitThreshold(t *testing.T) {
	s := openTestStore(t, func(cfg *Config) { cfg.CommitEvery = 10 })

	for i := 0; i < 10; i++ {
		if err := s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if s.Root() == ([32]byte{}) {
		t.Fatalf("expected the tenth Put to trigger an automatic commit")
	}
}

func TestDiskBudgetSurfacesErrDiskFull(t *testing.T) {
	s := openTestStore(t, func(cfg *Config) { cfg.MaxDiskBytes = 512 })

	var sawFull bool
	for i := 0; i < 64; i++ {
		if err := s.Put([]byte(fmt.Sprintf("k%02d", i)), make([]byte, 64)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := s.Commit(); err != nil {
			if !errors.Is(err, common.ErrDiskFull) {
				t.Fatalf("expected ErrDiskFull, got %v", err)
			}
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatalf("expected the disk budget to be exhausted")
	}
}
