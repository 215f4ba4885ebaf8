package store

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/trie"
)

// record kinds in the value log.
const (
	recordPut  = 0x01
	recordDel  = 0x02
	recordRoot = 0x03
)

// valueHeaderSize is [crc32(4)][kind(1)][keypath(32)][valueLen(4)].
const valueHeaderSize = 4 + 1 + 32 + 4

type valueLoc struct {
	offset    int64
	length    int
	valueHash trie.ValueHash
}

// valueLog is the store's durable (key path -> value) map: an
// append-only CRC-framed log replayed into an in-memory index on open.
// It doubles as the leaf-preimage index the page-tree updater and the
// witness builder consult, which is why it keeps its key set sorted.
type valueLog struct {
	mu     sync.RWMutex
	file   *os.File
	offset int64

	index  map[trie.KeyPath]valueLoc
	sorted []trie.KeyPath

	root    trie.Node
	hasRoot bool

	limiter *common.ResourceLimiter

	bytesLogical int64
	bytesWritten int64
}

func openValueLog(dir string, limiter *common.ResourceLimiter) (*valueLog, error) {
	path := filepath.Join(dir, "values.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open value log: %w", err)
	}
	vl := &valueLog{
		file:    f,
		index:   make(map[trie.KeyPath]valueLoc),
		limiter: limiter,
	}
	if err := vl.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return vl, nil
}

// replay rebuilds the index by scanning the log sequentially; later
// records supersede earlier ones for the same key path.
func (vl *valueLog) replay() error {
	var pos int64
	for {
		kind, kp, payloadOff, payloadLen, valueHash, next, err := vl.readRecordAt(pos)
		if err != nil {
			break
		}
		switch kind {
		case recordPut:
			if _, ok := vl.index[kp]; !ok {
				vl.insertSorted(kp)
			}
			vl.index[kp] = valueLoc{offset: payloadOff, length: payloadLen, valueHash: valueHash}
		case recordDel:
			if _, ok := vl.index[kp]; ok {
				delete(vl.index, kp)
				vl.removeSorted(kp)
			}
		case recordRoot:
			copy(vl.root[:], valueHash[:])
			vl.hasRoot = true
		}
		pos = next
	}
	vl.offset = pos
	return nil
}

func (vl *valueLog) readRecordAt(offset int64) (kind byte, kp trie.KeyPath, payloadOff int64, payloadLen int, valueHash trie.ValueHash, next int64, err error) {
	header := make([]byte, valueHeaderSize)
	if _, err = vl.file.ReadAt(header, offset); err != nil {
		return
	}
	crcStored := be32(header[0:4])
	kind = header[4]
	copy(kp[:], header[5:37])
	payloadLen = int(be32(header[37:41]))

	payload := make([]byte, payloadLen)
	if _, err = vl.file.ReadAt(payload, offset+valueHeaderSize); err != nil {
		return
	}
	if crc32.ChecksumIEEE(append(header[4:], payload...)) != crcStored {
		err = fmt.Errorf("%w: value log offset %d", common.ErrCorruptRecord, offset)
		return
	}

	switch kind {
	case recordPut:
		valueHash = hashValue(payload)
	case recordRoot:
		copy(valueHash[:], payload)
	}
	payloadOff = offset + valueHeaderSize
	next = payloadOff + int64(payloadLen)
	return
}

func (vl *valueLog) appendRecord(kind byte, kp trie.KeyPath, payload []byte) error {
	recordLen := int64(valueHeaderSize + len(payload))
	if vl.limiter != nil {
		if err := vl.limiter.AllocDisk(recordLen); err != nil {
			return err
		}
	}

	header := make([]byte, valueHeaderSize)
	header[4] = kind
	copy(header[5:37], kp[:])
	putBe32(header[37:41], uint32(len(payload)))
	putBe32(header[0:4], crc32.ChecksumIEEE(append(header[4:], payload...)))

	if _, err := vl.file.WriteAt(header, vl.offset); err != nil {
		return fmt.Errorf("store: append value header: %w", err)
	}
	if _, err := vl.file.WriteAt(payload, vl.offset+valueHeaderSize); err != nil {
		return fmt.Errorf("store: append value payload: %w", err)
	}
	vl.offset += recordLen
	vl.bytesWritten += recordLen
	return nil
}

func (vl *valueLog) put(kp trie.KeyPath, value []byte) (trie.ValueHash, error) {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	payloadOff := vl.offset + valueHeaderSize
	if err := vl.appendRecord(recordPut, kp, value); err != nil {
		return trie.ValueHash{}, err
	}
	if _, ok := vl.index[kp]; !ok {
		vl.insertSorted(kp)
	} else {
		vl.bytesLogical -= int64(vl.index[kp].length)
	}
	vh := hashValue(value)
	vl.index[kp] = valueLoc{offset: payloadOff, length: len(value), valueHash: vh}
	vl.bytesLogical += int64(len(value))
	return vh, nil
}

func (vl *valueLog) delete(kp trie.KeyPath) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	if _, ok := vl.index[kp]; !ok {
		return nil
	}
	if err := vl.appendRecord(recordDel, kp, nil); err != nil {
		return err
	}
	vl.bytesLogical -= int64(vl.index[kp].length)
	delete(vl.index, kp)
	vl.removeSorted(kp)
	return nil
}

func (vl *valueLog) get(kp trie.KeyPath) ([]byte, trie.ValueHash, bool, error) {
	vl.mu.RLock()
	loc, ok := vl.index[kp]
	vl.mu.RUnlock()
	if !ok {
		return nil, trie.ValueHash{}, false, nil
	}
	value := make([]byte, loc.length)
	if _, err := vl.file.ReadAt(value, loc.offset); err != nil {
		return nil, trie.ValueHash{}, false, fmt.Errorf("store: read value: %w", err)
	}
	return value, loc.valueHash, true, nil
}

// setRoot durably records the committed root so a reopened store
// resumes from the same commitment.
func (vl *valueLog) setRoot(root trie.Node) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if err := vl.appendRecord(recordRoot, trie.KeyPath{}, root[:]); err != nil {
		return err
	}
	vl.root = root
	vl.hasRoot = true
	return nil
}

func (vl *valueLog) currentRoot() (trie.Node, bool) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.root, vl.hasRoot
}

// leafLookup implements merkle.LeafLookup over the sorted key set.
func (vl *valueLog) leafLookup(prefix pageid.TriePosition) (trie.LeafData, bool) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	lo, hi := vl.rangeUnder(prefix)
	if hi-lo != 1 {
		return trie.LeafData{}, false
	}
	kp := vl.sorted[lo]
	return trie.LeafData{KeyPath: kp, ValueHash: vl.index[kp].valueHash}, true
}

// opsUnder returns the full sorted key set beneath prefix, the shape
// merkle.ReconstructPages consumes when re-expanding an elided subtree.
func (vl *valueLog) opsUnder(prefix pageid.TriePosition) []merkle.Op {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	lo, hi := vl.rangeUnder(prefix)
	ops := make([]merkle.Op, 0, hi-lo)
	for _, kp := range vl.sorted[lo:hi] {
		ops = append(ops, merkle.Op{KeyPath: kp, ValueHash: vl.index[kp].valueHash})
	}
	return ops
}

func (vl *valueLog) rangeUnder(prefix pageid.TriePosition) (int, int) {
	lower, upper := merkle.PrefixBounds(prefix)
	lo := sort.Search(len(vl.sorted), func(i int) bool {
		return !lessKeyPath(vl.sorted[i], lower)
	})
	hi := sort.Search(len(vl.sorted), func(i int) bool {
		return lessKeyPath(upper, vl.sorted[i])
	})
	return lo, hi
}

func (vl *valueLog) numKeys() int {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return len(vl.index)
}

func (vl *valueLog) diskSize() int64 {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.offset
}

func (vl *valueLog) amplification() (written, logical int64) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.bytesWritten, vl.bytesLogical
}

// compact rewrites the log keeping only the live records, reclaiming
// space from superseded puts and deletes.
func (vl *valueLog) compact() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	compactPath := vl.file.Name() + ".compact"
	out, err := os.OpenFile(compactPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: open compaction target: %w", err)
	}

	old := vl.file
	newIndex := make(map[trie.KeyPath]valueLoc, len(vl.index))
	var offset int64
	write := func(kind byte, kp trie.KeyPath, payload []byte) error {
		header := make([]byte, valueHeaderSize)
		header[4] = kind
		copy(header[5:37], kp[:])
		putBe32(header[37:41], uint32(len(payload)))
		putBe32(header[0:4], crc32.ChecksumIEEE(append(header[4:], payload...)))
		if _, err := out.WriteAt(header, offset); err != nil {
			return err
		}
		if _, err := out.WriteAt(payload, offset+valueHeaderSize); err != nil {
			return err
		}
		offset += valueHeaderSize + int64(len(payload))
		return nil
	}

	for _, kp := range vl.sorted {
		loc := vl.index[kp]
		value := make([]byte, loc.length)
		if _, err := old.ReadAt(value, loc.offset); err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("store: compaction read: %w", err)
		}
		newIndex[kp] = valueLoc{offset: offset + valueHeaderSize, length: loc.length, valueHash: loc.valueHash}
		if err := write(recordPut, kp, value); err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("store: compaction write: %w", err)
		}
	}
	if vl.hasRoot {
		if err := write(recordRoot, trie.KeyPath{}, vl.root[:]); err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("store: compaction write root: %w", err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := os.Rename(compactPath, old.Name()); err != nil {
		out.Close()
		return err
	}
	old.Close()
	if vl.limiter != nil {
		vl.limiter.FreeDisk(vl.offset - offset)
	}
	vl.file = out
	vl.offset = offset
	vl.index = newIndex
	return nil
}

func (vl *valueLog) sync() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.file.Sync()
}

func (vl *valueLog) close() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if err := vl.file.Sync(); err != nil {
		return err
	}
	return vl.file.Close()
}

func (vl *valueLog) insertSorted(kp trie.KeyPath) {
	i := sort.Search(len(vl.sorted), func(i int) bool {
		return !lessKeyPath(vl.sorted[i], kp)
	})
	vl.sorted = append(vl.sorted, trie.KeyPath{})
	copy(vl.sorted[i+1:], vl.sorted[i:])
	vl.sorted[i] = kp
}

func (vl *valueLog) removeSorted(kp trie.KeyPath) {
	i := sort.Search(len(vl.sorted), func(i int) bool {
		return !lessKeyPath(vl.sorted[i], kp)
	})
	if i < len(vl.sorted) && vl.sorted[i] == kp {
		vl.sorted = append(vl.sorted[:i], vl.sorted[i+1:]...)
	}
}

func lessKeyPath(a, b trie.KeyPath) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBe32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
