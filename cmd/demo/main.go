package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"lukechampine.com/blake3"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/internal/telemetry"
	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/store"
	"github.com/kvtrie/pagetrie/trie"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("Authenticated KV Store Demo: Page-Tree Merkle Engine")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("This demo walks through the two layers of the engine:")
	fmt.Println("  • Store:     put/get/delete with a Merkle root over every commit,")
	fmt.Println("               plus path proofs any client can verify offline")
	fmt.Println("  • Page-Tree: the walker that turns a sorted batch into dirtied")
	fmt.Println("               4 KiB pages, with elision of sparse subtrees")
	fmt.Println()

	demoStore()
	fmt.Println()
	demoWalker()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("The store gives you:")
	fmt.Println("  ✓ Point lookups with cryptographic proofs against a 32-byte root")
	fmt.Println("  ✓ Batched commits: one trie walk per batch, minimal page writes")
	fmt.Println("  ✓ Elision: sparse subtrees cost no pages until they grow")
	fmt.Println()
}

func demoStore() {
	fmt.Println("\n### Authenticated Store Demo ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "pagetrie-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := store.DefaultConfig(dir)
	s, err := store.New(cfg, telemetry.New(os.Stdout))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	fmt.Println("✓ Opened the authenticated store")

	fmt.Println("\n[Staging writes]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}
	for key, value := range testData {
		if err := s.Put([]byte(key), []byte(value)); err != nil {
			log.Fatalf("put %s: %v", key, err)
		}
		fmt.Printf("  PUT %s\n", key)
	}

	fmt.Println("\n[Committing the batch]")
	root, err := s.Commit()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  new root: %x\n", root[:8])

	fmt.Println("\n[Reading back]")
	for key := range testData {
		value, err := s.Get([]byte(key))
		if err != nil {
			log.Fatalf("get %s: %v", key, err)
		}
		fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
	}

	fmt.Println("\n[Proving a key against the root]")
	proof, err := s.Prove([]byte("user:1001"))
	if err != nil {
		log.Fatal(err)
	}
	hasher := merkle.Blake3Hasher{}
	if err := proof.Verify(hasher, root, hashDemoKey("user:1001")); err != nil {
		log.Fatalf("proof did not verify: %v", err)
	}
	fmt.Printf("  proof for user:1001 verifies against %x (%d siblings)\n", root[:8], len(proof.Siblings))

	fmt.Println("\n[Deleting and re-committing]")
	if err := s.Delete([]byte("product:102")); err != nil {
		log.Fatal(err)
	}
	root2, err := s.Commit()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  root moved: %x -> %x\n", root[:8], root2[:8])

	if _, err := s.Get([]byte("product:102")); errors.Is(err, common.ErrKeyNotFound) {
		fmt.Println("  GET product:102 -> Key not found (as expected)")
	}

	absenceProof, err := s.Prove([]byte("product:102"))
	if err != nil {
		log.Fatal(err)
	}
	if err := absenceProof.Verify(hasher, root2, hashDemoKey("product:102")); err != nil {
		log.Fatalf("absence proof did not verify: %v", err)
	}
	if absenceProof.ProvesAbsence(hashDemoKey("product:102")) {
		fmt.Println("  absence of product:102 proven against the new root")
	}

	fmt.Println("\n[Statistics]")
	stats := s.Stats()
	fmt.Printf("  Keys: %d\n", stats.NumKeys)
	fmt.Printf("  Disk Usage: %.2f KB\n", float64(stats.TotalDiskSize)/1024)
	fmt.Printf("  Write Amplification: %.2fx\n", stats.WriteAmp)
}

func demoWalker() {
	fmt.Println("\n### Page-Tree Walker Internals ###")
	fmt.Println(strings.Repeat("-", 40))

	hasher := merkle.Blake3Hasher{}
	params := merkle.DefaultParams()

	ps := pageset.NewMemPageSet()
	ps.Insert(pageid.RootPageId, page.NewPageMut().Freeze(), pageset.Persisted(pageset.FreshBucket()))
	fmt.Println("✓ Created in-memory PageSet, seeded the root page")

	// Nine leaves sharing a 12-bit prefix: few enough to fall below the
	// default elision threshold (32 leaves), so the page holding them
	// gets elided from the walker's output rather than emitted.
	prefix := []int{0, 1, 0, 1, 1, 0, 0, 1, 1, 0, 1, 0}
	ops := make([]merkle.Op, 0, 9)
	for i := 0; i < 9; i++ {
		bits := append(append([]int{}, prefix...), splitBits(i, 6)...)
		ops = append(ops, merkle.Op{
			KeyPath:   demoKeyPath(bits...),
			ValueHash: demoValueHash(fmt.Sprintf("value-%d", i)),
		})
	}

	fmt.Printf("\n[Writing %d leaves under a shared 12-bit prefix]\n", len(ops))
	w := merkle.NewWalker(hasher, params, trie.Terminator, nil)
	w.AdvanceAndReplace(ps, pageid.NewTriePosition(), ops)
	out := w.Conclude()

	for _, up := range out.UpdatedPages {
		ps.Insert(up.PageID, up.Page.Freeze(), pageset.Persisted(up.Bucket))
		fmt.Printf("  page %v updated (cleared=%v)\n", up.PageID, up.Diff.Cleared())
	}
	fmt.Printf("  new root hash: %x\n", out.Root[:8])

	parentPos := demoTriePos(prefix...)
	parentID, _ := parentPos.PageId()
	childID, err := parentID.ChildPageId(parentPos.ChildPageIndex())
	if err != nil {
		log.Fatal(err)
	}

	if ps.Contains(childID) {
		fmt.Println("\n  (subtree was not elided)")
		return
	}
	fmt.Printf("\n[Subtree below page %v was elided: %d leaves, below the threshold]\n", childID, len(ops))

	parentPage, _, _ := ps.Get(parentID)
	fmt.Println("\n[Reconstructing the elided subtree from its full key set]")
	pages, ok := merkle.ReconstructPages(hasher, params, parentPage, parentID, parentPos, ps, ops)
	if !ok {
		log.Fatal("reconstruction unexpectedly reported the subtree as already present")
	}
	for _, rp := range pages {
		ps.Insert(rp.PageID, rp.Page.Freeze(), pageset.Reconstructed(rp.LeavesCounter, rp.Diff))
		fmt.Printf("  reconstructed page %v (%d leaves beneath it)\n", rp.PageID, rp.LeavesCounter)
	}

	_, idempotentOK := merkle.ReconstructPages(hasher, params, parentPage, parentID, parentPos, ps, ops)
	fmt.Printf("  reconstructing again reports ok=%v (already done, as expected)\n", idempotentOK)
}

// hashDemoKey mirrors the store's key hashing so proofs can be checked
// from outside it.
func hashDemoKey(key string) trie.KeyPath {
	h := blake3.New(32, nil)
	h.Write([]byte{0x10})
	h.Write([]byte(key))
	var kp trie.KeyPath
	copy(kp[:], h.Sum(nil))
	return kp
}

// splitBits returns n's low `width` bits, most significant first.
func splitBits(n, width int) []int {
	bits := make([]int, width)
	for i := 0; i < width; i++ {
		bits[i] = (n >> uint(width-1-i)) & 1
	}
	return bits
}

func demoKeyPath(bits ...int) trie.KeyPath {
	var kp trie.KeyPath
	for i, b := range bits {
		if b != 0 {
			kp[i/8] |= 1 << uint(7-i%8)
		}
	}
	return kp
}

func demoTriePos(bits ...int) pageid.TriePosition {
	pos := pageid.NewTriePosition()
	for _, b := range bits {
		pos = pos.Down(b != 0)
	}
	return pos
}

func demoValueHash(s string) trie.ValueHash {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	var vh trie.ValueHash
	copy(vh[:], h.Sum(nil))
	return vh
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
