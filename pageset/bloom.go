package pageset

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a probabilistic membership test using the standard
// double-hashing construction over a pair of fnv digests.
// DiskPageSet.Contains consults it before touching the bucket index,
// to skip a disk probe for the common reconstruction idempotency
// check: "was this page ever elided?" is false far more often than
// true.
type bloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

func newBloomFilter(expectedKeys int, falsePositiveRate float64) *bloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	numBits := uint64(math.Ceil(-float64(expectedKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(math.Ceil(float64(numBits) / float64(expectedKeys) * math.Ln2))
	if numHashes == 0 {
		numHashes = 1
	}
	numBytes := (numBits + 7) / 8
	return &bloomFilter{
		bits:      make([]byte, numBytes),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

func (bf *bloomFilter) hash1(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

func (bf *bloomFilter) hash2(key string) uint64 {
	h := fnv.New64()
	h.Write([]byte(key))
	return h.Sum64()
}

func (bf *bloomFilter) getHashes(key string) []uint64 {
	h1, h2 := bf.hash1(key), bf.hash2(key)
	hashes := make([]uint64, bf.numHashes)
	for i := uint32(0); i < bf.numHashes; i++ {
		hashes[i] = (h1 + uint64(i)*h2) % bf.numBits
	}
	return hashes
}

func (bf *bloomFilter) add(key string) {
	for _, h := range bf.getHashes(key) {
		bf.bits[h/8] |= 1 << (h % 8)
	}
}

func (bf *bloomFilter) mayContain(key string) bool {
	for _, h := range bf.getHashes(key) {
		if bf.bits[h/8]&(1<<(h%8)) == 0 {
			return false
		}
	}
	return true
}
