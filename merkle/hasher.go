package merkle

import (
	"lukechampine.com/blake3"

	"github.com/kvtrie/pagetrie/trie"
)

// domain-separation tags, hashed ahead of the preimage.
const (
	leafTag     = 0x00
	internalTag = 0x01
)

// kind discriminants packed into the top two bits of every non-terminator
// hash, so IsLeaf/IsInternal are branch-free bit tests and the reserved
// all-zero pattern stays uniquely the Terminator.
const (
	kindLeaf     = 0b10
	kindInternal = 0b11
)

// Blake3Hasher is the production NodeHasher: blake3 with a one-byte
// domain tag ahead of the preimage and a kind discriminant forced into
// the top bits of the output.
type Blake3Hasher struct{}

var _ trie.NodeHasher = Blake3Hasher{}

// HashLeaf implements trie.NodeHasher.
func (Blake3Hasher) HashLeaf(data *trie.LeafData) trie.Node {
	h := blake3.New(32, nil)
	h.Write([]byte{leafTag})
	h.Write(data.KeyPath[:])
	h.Write(data.ValueHash[:])
	return tag(h.Sum(nil), kindLeaf)
}

// HashInternal implements trie.NodeHasher.
func (Blake3Hasher) HashInternal(data *trie.InternalData) trie.Node {
	h := blake3.New(32, nil)
	h.Write([]byte{internalTag})
	h.Write(data.Left[:])
	h.Write(data.Right[:])
	return tag(h.Sum(nil), kindInternal)
}

// IsLeaf implements trie.NodeHasher.
func (Blake3Hasher) IsLeaf(n trie.Node) bool {
	return !trie.IsTerminator(n) && n[0]>>6 == kindLeaf
}

// IsInternal implements trie.NodeHasher.
func (Blake3Hasher) IsInternal(n trie.Node) bool {
	return !trie.IsTerminator(n) && n[0]>>6 == kindInternal
}

func tag(sum []byte, kind byte) trie.Node {
	var n trie.Node
	copy(n[:], sum)
	n[0] = (n[0] & 0x3f) | (kind << 6)
	return n
}
