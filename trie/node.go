// Package trie defines the 32-byte node alphabet of the binary hash-trie
// and the hasher capability the page-tree updater is polymorphic over.
package trie

import "bytes"

// NodeSize is the width of a single trie node in bytes.
const NodeSize = 32

// Node is a single 32-byte hash-trie node. The zero value is the
// Terminator: the canonical empty subtree.
type Node [NodeSize]byte

// KeyPath is a full 256-bit key, interpreted as a path of bits from the
// trie root (most significant bit first).
type KeyPath [32]byte

// ValueHash is the 32-byte commitment to a value stored at a leaf.
type ValueHash [32]byte

// Terminator is the all-zero node representing an empty subtree.
var Terminator = Node{}

// IsTerminator reports whether n is the all-zero Terminator node. This is
// a structural predicate, not a hasher-defined one: every NodeHasher
// implementation must reserve the all-zero pattern exclusively for
// Terminator.
func IsTerminator(n Node) bool {
	return n == Terminator
}

// LeafData is the preimage of a leaf node.
type LeafData struct {
	KeyPath   KeyPath
	ValueHash ValueHash
}

// InternalData is the preimage of an internal node.
type InternalData struct {
	Left  Node
	Right Node
}

// NodeHasher is the domain-separated hash family the walker is
// polymorphic over. A single implementation is held by a *merkle.Walker*
// at construction (see merkle.Blake3Hasher for the production instance).
type NodeHasher interface {
	HashLeaf(data *LeafData) Node
	HashInternal(data *InternalData) Node
	IsLeaf(n Node) bool
	IsInternal(n Node) bool
}

// BitAt returns the bit of path at position pos (0-indexed from the most
// significant bit).
func BitAt(path [32]byte, pos int) bool {
	return (path[pos/8]>>(7-uint(pos%8)))&1 == 1
}

// Equal reports whether a and b are the same 32-byte value. Kept as a
// named helper (rather than inline `==`) for call sites that compare
// through an interface{} boundary in tests.
func Equal(a, b Node) bool {
	return bytes.Equal(a[:], b[:])
}
