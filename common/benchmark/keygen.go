package benchmark

import (
	"encoding/binary"
	"math"
	mrand "math/rand"
	"sync/atomic"
)

// KeyMode selects which keys of the workload's fixed universe get
// revisited. The engine hashes every key onto a 256-bit trie path, so
// the mode shapes revisit locality (which trie paths are re-walked,
// which proofs stay warm), not where keys land in the trie.
type KeyMode string

const (
	// KeyUniform revisits every key with equal probability.
	KeyUniform KeyMode = "uniform"
	// KeyZipfian concentrates traffic on a hot subset (80/20-ish).
	KeyZipfian KeyMode = "zipfian"
	// KeySequential sweeps the universe in order, shared across
	// workers so the sweep is global rather than per-goroutine.
	KeySequential KeyMode = "sequential"
	// KeyLatest biases toward the most recently numbered keys, the
	// time-series shape.
	KeyLatest KeyMode = "latest"
)

// KeyGenerator names a fixed universe of numKeys distinct keys. The
// nth key is deterministic (Key), so preload and commit batches are
// reproducible across runs and engines; draw patterns over the
// universe come from per-worker KeySources so workers never contend on
// a shared random source.
type KeyGenerator struct {
	numKeys int
	keySize int
	mode    KeyMode

	seq atomic.Int64
}

func NewKeyGenerator(numKeys, keySize int, mode KeyMode, seed int64) *KeyGenerator {
	if numKeys < 1 {
		numKeys = 1
	}
	kg := &KeyGenerator{numKeys: numKeys, keySize: keySize, mode: mode}
	kg.seq.Store(seed)
	return kg
}

// Key returns the nth key of the universe: an 8-byte big-endian index
// padded out to keySize with an xorshift stream seeded by the index,
// so equal-length keys stay distinct byte-for-byte.
func (kg *KeyGenerator) Key(n int) []byte {
	size := kg.keySize
	if size < 8 {
		size = 8
	}
	key := make([]byte, size)
	binary.BigEndian.PutUint64(key[:8], uint64(n))

	x := uint64(n)*0x9e3779b97f4a7c15 + 1
	for i := 8; i < size; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		key[i] = byte(x)
	}
	return key
}

// KeySource draws keys from the generator's universe for one worker.
// Not safe for concurrent use; each worker takes its own.
type KeySource struct {
	gen  *KeyGenerator
	rng  *mrand.Rand
	zipf *mrand.Zipf
}

// Source binds a worker's private rng to the generator.
func (kg *KeyGenerator) Source(rng *mrand.Rand) *KeySource {
	src := &KeySource{gen: kg, rng: rng}
	if kg.mode == KeyZipfian {
		src.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(kg.numKeys-1))
	}
	return src
}

// Next draws the next key per the generator's mode.
func (s *KeySource) Next() []byte {
	kg := s.gen
	var n int

	switch kg.mode {
	case KeyZipfian:
		n = int(s.zipf.Uint64())

	case KeySequential:
		n = int(kg.seq.Add(1)) % kg.numKeys
		if n < 0 {
			n += kg.numKeys
		}

	case KeyLatest:
		// recent keys dominate, with a half-normal tail into the past.
		window := kg.numKeys / 10
		if window < 100 {
			window = 100
		}
		offset := int(math.Abs(s.rng.NormFloat64()) * float64(window))
		n = kg.numKeys - 1 - offset
		if n < 0 {
			n = 0
		}

	default:
		n = s.rng.Intn(kg.numKeys)
	}

	return kg.Key(n)
}
