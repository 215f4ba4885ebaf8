package pageset

import (
	"container/list"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
)

// recordHeaderSize is [crc32(4)][idLen(1)].
const recordHeaderSize = 4 + 1

// DiskPageSetConfig is a plain options struct; defaults come from
// DefaultDiskPageSetConfig rather than env or flag binding inside the
// struct itself.
type DiskPageSetConfig struct {
	Dir       string
	CacheSize int
}

// DefaultDiskPageSetConfig returns sane defaults for dir.
func DefaultDiskPageSetConfig(dir string) DiskPageSetConfig {
	return DiskPageSetConfig{Dir: dir, CacheSize: 256}
}

// DiskPageSet is the disk-backed PageSet: pages are appended to a
// single segment log behind a CRC-framed record, indexed in memory by
// PageId, with a bounded LRU cache over decoded bodies, a bloom filter
// pre-check on Contains, and per-bucket latching so that disjoint
// parent-page-scoped walkers (see merkle.ApplySharded) can touch it
// concurrently.
type DiskPageSet struct {
	mu     sync.RWMutex
	file   *os.File
	offset int64

	index      map[string]int64  // page key -> record offset
	bucketOf   map[string]uint64 // page key -> assigned bucket number
	nextBucket uint64

	bloom   *bloomFilter
	latches *latchManager

	lru      *list.List
	lruMap   map[string]*list.Element
	cached   map[string]page.Page
	cacheCap int

	log zerolog.Logger
}

type lruEntry struct {
	key string
}

// NewDiskPageSet opens (creating if necessary) a disk-backed page set
// rooted at cfg.Dir.
func NewDiskPageSet(cfg DiskPageSetConfig, log zerolog.Logger) (*DiskPageSet, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pageset: create dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, "pages.seg")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pageset: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pageset: stat segment: %w", err)
	}
	cacheCap := cfg.CacheSize
	if cacheCap <= 0 {
		cacheCap = 256
	}
	d := &DiskPageSet{
		file:     f,
		offset:   info.Size(),
		index:    make(map[string]int64),
		bucketOf: make(map[string]uint64),
		bloom:    newBloomFilter(1024, 0.01),
		latches:  newLatchManager(),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		cached:   make(map[string]page.Page),
		cacheCap: cacheCap,
		log:      log.With().Str("component", "diskpageset").Logger(),
	}
	if err := d.recoverIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// recoverIndex replays the segment log on open to rebuild the
// in-memory offset index. There is no separate WAL here (the segment
// log itself is the only durable artifact), so recovery is just a
// sequential replay.
func (d *DiskPageSet) recoverIndex() error {
	var pos int64
	for {
		id, _, next, err := d.readRecordAt(pos)
		if err != nil {
			break
		}
		k := key(id)
		d.index[k] = pos
		if _, ok := d.bucketOf[k]; !ok {
			d.bucketOf[k] = d.nextBucket
			d.nextBucket++
		}
		d.bloom.add(k)
		pos = next
	}
	return nil
}

func (d *DiskPageSet) readRecordAt(offset int64) (pageid.PageId, page.Page, int64, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := d.file.ReadAt(header, offset); err != nil {
		return pageid.PageId{}, page.Page{}, 0, err
	}
	crcStored := be32(header[0:4])
	idLen := int(header[4])

	body := make([]byte, idLen+page.Size)
	if _, err := d.file.ReadAt(body, offset+recordHeaderSize); err != nil {
		return pageid.PageId{}, page.Page{}, 0, err
	}

	crcData := append([]byte{header[4]}, body...)
	if crc32.ChecksumIEEE(crcData) != crcStored {
		return pageid.PageId{}, page.Page{}, 0, fmt.Errorf("pageset: crc mismatch at offset %d", offset)
	}

	id, err := pageid.DecodePageId(body[:idLen])
	if err != nil {
		return pageid.PageId{}, page.Page{}, 0, err
	}
	var buf [page.Size]byte
	copy(buf[:], body[idLen:])
	next := offset + recordHeaderSize + int64(idLen) + page.Size
	return id, page.FromBytes(buf), next, nil
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

// Get implements pageset.PageSet.
func (d *DiskPageSet) Get(id pageid.PageId) (page.Page, PageOrigin, bool) {
	k := key(id)

	d.mu.RLock()
	if p, ok := d.cached[k]; ok {
		bucket := d.bucketOf[k]
		d.mu.RUnlock()
		d.touch(k)
		return p, Persisted(OnDiskBucket(bucket)), true
	}
	offset, ok := d.index[k]
	bucket := d.bucketOf[k]
	d.mu.RUnlock()
	if !ok {
		return page.Page{}, PageOrigin{}, false
	}

	var p page.Page
	var readErr error
	d.latches.withLatch(k, LatchRead, func() {
		_, loaded, _, err := d.readRecordAt(offset)
		if err != nil {
			readErr = err
			return
		}
		p = loaded
	})
	if readErr != nil {
		d.log.Warn().Err(readErr).Str("page", k).Msg("disk page read failed after index hit")
		return page.Page{}, PageOrigin{}, false
	}
	d.addToCache(k, p)
	return p, Persisted(OnDiskBucket(bucket)), true
}

// Contains implements pageset.PageSet. The bloom filter lets the common
// "definitely not present" case skip the index lookup entirely.
func (d *DiskPageSet) Contains(id pageid.PageId) bool {
	k := key(id)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.bloom.mayContain(k) {
		return false
	}
	_, ok := d.index[k]
	return ok
}

// Fresh implements pageset.PageSet.
func (d *DiskPageSet) Fresh(id pageid.PageId) page.PageMut {
	return page.NewPageMut()
}

// Insert implements pageset.PageSet: appends p to the segment log and
// records its offset, regardless of the origin it arrived with — once
// written, a page is Persisted on every subsequent Get.
func (d *DiskPageSet) Insert(id pageid.PageId, p page.Page, origin PageOrigin) {
	k := key(id)

	d.latches.withLatch(k, LatchWrite, func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		offset := d.offset
		n, err := writeRecord(d.file, offset, id, p)
		if err != nil {
			d.log.Error().Err(err).Str("page", k).Msg("failed writing page record")
			return
		}
		d.offset = offset + n

		d.index[k] = offset
		if _, ok := d.bucketOf[k]; !ok {
			d.bucketOf[k] = d.nextBucket
			d.nextBucket++
		}
		d.bloom.add(k)
	})

	d.addToCache(k, p)
	d.log.Debug().Str("page", k).Int("origin", int(origin.Kind)).Msg("page inserted")
}

// Remove drops the page at id from the index and cache. The segment
// log keeps the stale record until the next Compact pass; recovery
// rebuilds the index from surviving records only after compaction has
// rewritten them, so Remove is an in-memory operation here.
func (d *DiskPageSet) Remove(id pageid.PageId) {
	k := key(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.index, k)
	delete(d.cached, k)
	if el, ok := d.lruMap[k]; ok {
		d.lru.Remove(el)
		delete(d.lruMap, k)
	}
}

func (d *DiskPageSet) touch(k string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.lruMap[k]; ok {
		d.lru.MoveToFront(el)
	}
}

// addToCache maintains a bounded container/list LRU over decoded page
// bodies, separate from the durable offset index which never evicts.
func (d *DiskPageSet) addToCache(k string, p page.Page) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.lruMap[k]; ok {
		d.cached[k] = p
		d.lru.MoveToFront(el)
		return
	}
	el := d.lru.PushFront(lruEntry{key: k})
	d.lruMap[k] = el
	d.cached[k] = p

	for d.lru.Len() > d.cacheCap {
		back := d.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(lruEntry)
		d.lru.Remove(back)
		delete(d.lruMap, evicted.key)
		delete(d.cached, evicted.key)
	}
}

// Sync flushes the segment log to stable storage.
func (d *DiskPageSet) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Sync()
}

// Compact rewrites the segment log keeping only the latest record of
// each live page, dropping superseded versions and removed pages. Until
// Compact runs, recovery would resurrect pages dropped with Remove.
func (d *DiskPageSet) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	compactPath := d.file.Name() + ".compact"
	out, err := os.OpenFile(compactPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pageset: open compaction target: %w", err)
	}

	newIndex := make(map[string]int64, len(d.index))
	var offset int64
	for k, oldOffset := range d.index {
		id, p, _, err := d.readRecordAt(oldOffset)
		if err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("pageset: compaction read: %w", err)
		}
		n, err := writeRecord(out, offset, id, p)
		if err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("pageset: compaction write: %w", err)
		}
		newIndex[k] = offset
		offset += n
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := os.Rename(compactPath, d.file.Name()); err != nil {
		out.Close()
		return err
	}
	d.file.Close()
	d.file = out
	d.offset = offset
	d.index = newIndex
	d.log.Info().Int("live_pages", len(newIndex)).Int64("size", offset).Msg("segment log compacted")
	return nil
}

func writeRecord(f *os.File, offset int64, id pageid.PageId, p page.Page) (int64, error) {
	encodedID := id.Encode()
	header := make([]byte, recordHeaderSize)
	header[4] = byte(len(encodedID))
	buf := p.Bytes()
	crcData := append(append([]byte{header[4]}, encodedID...), buf[:]...)
	putBe32(header[0:4], crc32.ChecksumIEEE(crcData))

	if _, err := f.WriteAt(header, offset); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(encodedID, offset+recordHeaderSize); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(buf[:], offset+recordHeaderSize+int64(len(encodedID))); err != nil {
		return 0, err
	}
	return recordHeaderSize + int64(len(encodedID)) + page.Size, nil
}

// Close syncs and releases the underlying segment file.
func (d *DiskPageSet) Close() error {
	if err := d.file.Sync(); err != nil {
		return err
	}
	return d.file.Close()
}
