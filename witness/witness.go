// Package witness builds and verifies Merkle path proofs against the
// page tree: evidence that a key is bound to a value hash (or absent)
// under a specific root. Proofs are assembled by walking the key's
// path through cached pages and collecting the sibling hash at every
// level; verification recomputes the root from the terminal upward and
// needs no pages at all.
package witness

import (
	"errors"
	"fmt"

	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

// ErrElided is returned by Prove when the key's path descends into a
// subtree that has been elided from the page set. The caller must run
// merkle.ReconstructPages over that subtree first.
var ErrElided = errors.New("witness: path descends into an elided subtree")

// ErrRootMismatch is returned by Verify when the recomputed root does
// not equal the claimed one.
var ErrRootMismatch = errors.New("witness: recomputed root does not match")

// ErrForeignPath is returned by Verify when the proof's terminal leaf
// does not lie on the queried key's path at all.
var ErrForeignPath = errors.New("witness: terminal leaf is not on the key's path")

// PathProof proves the presence or absence of a single key against a
// root.
type PathProof struct {
	// Terminal is the preimage of the leaf occupying the key's path, or
	// nil when the path ends at an empty subtree. A leaf whose KeyPath
	// differs from the queried key proves that key's absence: the two
	// keys share the proven prefix, so no other leaf can sit on the
	// queried path.
	Terminal *trie.LeafData

	// Siblings holds the sibling node at each depth 1..len(Siblings)
	// along the key's path, root side first.
	Siblings []trie.Node
}

// Prove walks key's path through ps from root and assembles its
// PathProof. lookup resolves the preimage of the terminal leaf, if the
// path ends on one.
func Prove(hasher trie.NodeHasher, ps pageset.PageSet, root trie.Node, key trie.KeyPath, lookup merkle.LeafLookup) (PathProof, error) {
	pos := pageid.NewTriePosition()
	cur := root
	var siblings []trie.Node

	for hasher.IsInternal(cur) {
		if pos.Depth() == 256 {
			return PathProof{}, fmt.Errorf("witness: internal node at maximum depth")
		}
		bit := trie.BitAt(key, pos.Depth())
		pos = pos.Down(bit)

		id, ok := pos.PageId()
		if !ok {
			return PathProof{}, fmt.Errorf("witness: no page id below the root")
		}
		p, _, found := ps.Get(id)
		if !found {
			return PathProof{}, fmt.Errorf("%w: page %v missing at depth %d", ErrElided, id, pos.Depth())
		}
		cur = p.Node(pos.NodeIndex())
		siblings = append(siblings, p.Node(pos.SiblingIndex()))
	}

	proof := PathProof{Siblings: siblings}
	if hasher.IsLeaf(cur) {
		if lookup == nil {
			return PathProof{}, fmt.Errorf("witness: path ends on a leaf but no leaf lookup was supplied")
		}
		leaf, ok := lookup(pos)
		if !ok {
			return PathProof{}, fmt.Errorf("witness: no preimage for the leaf at depth %d", pos.Depth())
		}
		proof.Terminal = &leaf
	}
	return proof, nil
}

// Verify recomputes the root p commits to along key's path and compares
// it with root. A nil error means the proof is sound for key: the
// caller then inspects ProvesPresence / ProvesAbsence for what it
// actually establishes.
func (p PathProof) Verify(hasher trie.NodeHasher, root trie.Node, key trie.KeyPath) error {
	depth := len(p.Siblings)
	if depth > 256 {
		return fmt.Errorf("witness: proof deeper than the key space")
	}

	cur := trie.Terminator
	if p.Terminal != nil {
		if sharedPrefixLen(p.Terminal.KeyPath, key) < depth {
			return ErrForeignPath
		}
		cur = hasher.HashLeaf(p.Terminal)
	}

	for d := depth; d >= 1; d-- {
		sib := p.Siblings[d-1]
		var data trie.InternalData
		if trie.BitAt(key, d-1) {
			data = trie.InternalData{Left: sib, Right: cur}
		} else {
			data = trie.InternalData{Left: cur, Right: sib}
		}
		cur = hasher.HashInternal(&data)
	}

	if cur != root {
		return ErrRootMismatch
	}
	return nil
}

// ProvesPresence reports whether p binds key to valueHash. Only
// meaningful after Verify succeeded.
func (p PathProof) ProvesPresence(key trie.KeyPath, valueHash trie.ValueHash) bool {
	return p.Terminal != nil && p.Terminal.KeyPath == key && p.Terminal.ValueHash == valueHash
}

// ProvesAbsence reports whether p establishes that key holds no value:
// the path ends in an empty subtree, or in a leaf committed to a
// different key. Only meaningful after Verify succeeded.
func (p PathProof) ProvesAbsence(key trie.KeyPath) bool {
	return p.Terminal == nil || p.Terminal.KeyPath != key
}

func sharedPrefixLen(a, b trie.KeyPath) int {
	for i := 0; i < 256; i++ {
		if trie.BitAt(a, i) != trie.BitAt(b, i) {
			return i
		}
	}
	return 256
}
