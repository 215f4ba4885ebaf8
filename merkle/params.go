package merkle

import "github.com/kvtrie/pagetrie/trie"

// DefaultElisionThreshold is the out-of-the-box leaf count below which a
// subtree is elided. It is a policy default, not a correctness constant
// — every constructor below takes it explicitly via Params rather than
// hardcoding it into the walker.
const DefaultElisionThreshold = 32

// Params bundles the walker's tunable policy knobs: a plain struct
// with a constructor supplying defaults, no env/flag binding inside
// the struct itself.
type Params struct {
	// ElisionThreshold is PAGE_ELISION_THRESHOLD: subtrees with fewer
	// leaves than this are elided from the output.
	ElisionThreshold uint64
	// InhibitElision disables elision entirely; used by tests that need
	// to compare an eliding walker's output against what a
	// non-eliding walker would have produced (P5).
	InhibitElision bool
}

// DefaultParams returns the out-of-the-box policy.
func DefaultParams() Params {
	return Params{ElisionThreshold: DefaultElisionThreshold}
}

// Op is a single sorted (key_path, value_hash) pair to apply during
// advance_and_replace. An empty Op slice deletes the terminal.
type Op struct {
	KeyPath   trie.KeyPath
	ValueHash trie.ValueHash
}
